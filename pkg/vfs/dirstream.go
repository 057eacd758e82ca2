package vfs

import (
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// dirStream is what open(O_DIRECTORY) produces. Contents come from
// the owning handler's directory cursor, fetched lazily on the first
// getdents and drained from there.
type dirStream struct {
	BaseStream
	fetch   func() (DirIterator, error)
	entries []DirEntry
	fetched bool
	pos     int
}

// NewDirStream builds a directory stream over a handler's lazy
// cursor. Handlers return it from Open when the path names a
// directory.
func NewDirStream(path string, perm Permission, oflag OpenFlags, fetch func() (DirIterator, error)) Stream {
	return &dirStream{
		BaseStream: NewBaseStream(path, perm, oflag, "dir"),
		fetch:      fetch,
	}
}

func (s *dirStream) load() error {
	if s.fetched {
		return nil
	}
	it, err := s.fetch()
	if err != nil {
		return err
	}
	var entries []DirEntry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for i := range entries {
		entries[i].Offset = int64(i + 1)
	}
	s.entries = entries
	s.fetched = true
	return nil
}

func (s *dirStream) Getdents(count int) ([]DirEntry, error) {
	if count <= 0 {
		return nil, syscall.EINVAL
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.entries) {
		return nil, nil
	}
	end := s.pos + count
	if end > len(s.entries) {
		end = len(s.entries)
	}
	out := s.entries[s.pos:end]
	s.pos = end
	return out, nil
}

func (s *dirStream) Lseek(off int64, whence int) (int64, error) {
	switch whence {
	case 0: // SEEK_SET
	default:
		return 0, syscall.EINVAL
	}
	if off != 0 {
		return 0, syscall.EINVAL
	}
	s.pos = 0
	s.fetched = false
	s.entries = nil
	return 0, nil
}

func (s *dirStream) Fstat() (*FileInfo, error) {
	return &FileInfo{
		Name:  pathBase(s.Pathname()),
		Mode:  syscall.S_IFDIR | 0755,
		IsDir: true,
		Uid:   s.Permission().FileUID,
	}, nil
}

func (s *dirStream) IsSelectReadReady() bool { return true }

func (s *dirStream) IsSelectWriteReady() bool { return false }

func (s *dirStream) PollEvents() int16 { return unix.POLLIN }
