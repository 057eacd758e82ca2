package vfs

import "syscall"

// fdEntry is one slot of the descriptor table. A reserved slot has a
// nil stream: the fd number is taken but the handler has not produced
// a stream yet. Slots may be shared between fds (dup of a reserved
// entry) so a later bind shows up at every alias.
type fdEntry struct {
	stream Stream
}

// fdTable maps descriptors in [minFD, maxFD] to streams. The lowest
// unused fd wins. No internal lock: the VFS global lock owns it.
type fdTable struct {
	minFD, maxFD int
	entries      map[int]*fdEntry
}

func newFDTable(minFD, maxFD int) *fdTable {
	return &fdTable{
		minFD:   minFD,
		maxFD:   maxFD,
		entries: make(map[int]*fdEntry),
	}
}

// lowestFree returns the smallest unused fd that is >= from.
func (t *fdTable) lowestFree(from int) (int, error) {
	if from < t.minFD {
		from = t.minFD
	}
	for fd := from; fd <= t.maxFD; fd++ {
		if _, ok := t.entries[fd]; !ok {
			return fd, nil
		}
	}
	return -1, syscall.EMFILE
}

// reserve takes the lowest free fd without a stream attached.
func (t *fdTable) reserve() (int, error) {
	fd, err := t.lowestFree(t.minFD)
	if err != nil {
		return -1, err
	}
	t.entries[fd] = &fdEntry{}
	return fd, nil
}

// bind attaches a stream to a reserved slot, taking one reference per
// fd aliasing the slot.
func (t *fdTable) bind(fd int, s Stream) {
	entry := t.entries[fd]
	entry.stream = s
	for _, e := range t.entries {
		if e == entry {
			s.AddRef()
		}
	}
}

// release drops a reserved slot (open failed before a stream existed).
func (t *fdTable) release(fd int) {
	delete(t.entries, fd)
}

func (t *fdTable) add(s Stream) (int, error) {
	fd, err := t.reserve()
	if err != nil {
		return -1, err
	}
	t.bind(fd, s)
	return fd, nil
}

func (t *fdTable) get(fd int) Stream {
	if e, ok := t.entries[fd]; ok {
		return e.stream
	}
	return nil
}

func (t *fdTable) isKnown(fd int) bool {
	_, ok := t.entries[fd]
	return ok
}

// remove unbinds the fd and returns the stream it held, if any. The
// caller is responsible for dropping the reference.
func (t *fdTable) remove(fd int) Stream {
	e, ok := t.entries[fd]
	if !ok {
		return nil
	}
	delete(t.entries, fd)
	return e.stream
}

// dup binds the lowest free fd >= from to the same slot as oldfd.
// Duping a reserved slot is allowed; the alias sees the stream once
// bind happens.
func (t *fdTable) dup(oldfd, from int) (int, error) {
	e, ok := t.entries[oldfd]
	if !ok {
		return -1, syscall.EBADF
	}
	fd, err := t.lowestFree(from)
	if err != nil {
		return -1, err
	}
	t.entries[fd] = e
	if e.stream != nil {
		e.stream.AddRef()
	}
	return fd, nil
}

// dupTo binds newfd to oldfd's slot. The caller has already dealt with
// whatever occupied newfd.
func (t *fdTable) dupTo(oldfd, newfd int) error {
	e, ok := t.entries[oldfd]
	if !ok {
		return syscall.EBADF
	}
	t.entries[newfd] = e
	if e.stream != nil {
		e.stream.AddRef()
	}
	return nil
}

func (t *fdTable) fds() []int {
	out := make([]int, 0, len(t.entries))
	for fd := range t.entries {
		out = append(out, fd)
	}
	return out
}
