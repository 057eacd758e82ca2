package vfs

import (
	"encoding/binary"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// The readiness engine. One process-wide condition variable, paired
// with the VFS lock, is broadcast whenever any stream's readiness may
// have changed: data arrival, a peer close, a preopen completion, the
// host-ready signal. Poll, Select and EpollWait share the same loop:
// compute readiness, and if nothing is ready sleep on the cond var
// until the deadline.

// waitLocked sleeps on the condition variable, releasing the VFS lock
// for the duration. A nil deadline waits forever. Returns false once
// the deadline has passed.
func (v *VFS) waitLocked(deadline *time.Time) bool {
	if deadline == nil {
		v.cond.Wait()
		return true
	}
	now := time.Now()
	if !now.Before(*deadline) {
		return false
	}
	t := time.AfterFunc(deadline.Sub(now), func() {
		v.mu.Lock()
		v.cond.Broadcast()
		v.mu.Unlock()
	})
	v.cond.Wait()
	t.Stop()
	return time.Now().Before(*deadline)
}

// deadlineFor turns a poll-style timeout into a deadline. Negative
// means wait forever (nil), zero means poll once (a deadline already
// in the past).
func deadlineFor(timeout time.Duration) *time.Time {
	if timeout < 0 {
		return nil
	}
	d := time.Now().Add(timeout)
	return &d
}

// Poll implements poll(2) over the descriptor table. Unknown fds
// report POLLNVAL, per Linux.
func (v *VFS) Poll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	deadline := deadlineFor(timeout)
	for {
		n := v.pollOnceLocked(fds)
		if n > 0 {
			return n, nil
		}
		if !v.waitLocked(deadline) {
			return v.pollOnceLocked(fds), nil
		}
	}
}

func (v *VFS) pollOnceLocked(fds []unix.PollFd) int {
	n := 0
	for i := range fds {
		fds[i].Revents = 0
		if fds[i].Fd < 0 {
			continue
		}
		s := v.fds.get(int(fds[i].Fd))
		if s == nil {
			fds[i].Revents = unix.POLLNVAL
			n++
			continue
		}
		ev := s.PollEvents()
		revents := ev & (fds[i].Events | unix.POLLHUP | unix.POLLERR)
		if revents != 0 {
			fds[i].Revents = revents
			n++
		}
	}
	return n
}

// Select implements select(2). The timeout is decremented to reflect
// elapsed time, Linux style. A zero timeout never blocks.
func (v *VFS) Select(nfds int, readfds, writefds, exceptfds *unix.FdSet, tv *unix.Timeval) (int, error) {
	if nfds < 0 || nfds > fdSetSize {
		return -1, syscall.EINVAL
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	start := time.Now()
	var deadline *time.Time
	if tv != nil {
		d := start.Add(timevalDuration(tv))
		deadline = &d
	}
	var n int
	for {
		n = v.selectOnceLocked(nfds, readfds, writefds, exceptfds, false)
		if n > 0 {
			break
		}
		if !v.waitLocked(deadline) {
			n = v.selectOnceLocked(nfds, readfds, writefds, exceptfds, false)
			break
		}
	}
	// Final pass writes results back into the caller's sets.
	v.selectOnceLocked(nfds, readfds, writefds, exceptfds, true)
	if tv != nil {
		remaining := timevalDuration(tv) - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		*tv = unix.NsecToTimeval(remaining.Nanoseconds())
	}
	return n, nil
}

const fdSetSize = 1024

func timevalDuration(tv *unix.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// selectOnceLocked computes readiness for every fd in the three sets.
// With commit set the sets are rewritten in place to the result.
func (v *VFS) selectOnceLocked(nfds int, readfds, writefds, exceptfds *unix.FdSet, commit bool) int {
	var rout, wout, eout unix.FdSet
	n := 0
	for fd := 0; fd < nfds; fd++ {
		inRead := readfds != nil && readfds.IsSet(fd)
		inWrite := writefds != nil && writefds.IsSet(fd)
		inExcept := exceptfds != nil && exceptfds.IsSet(fd)
		if !inRead && !inWrite && !inExcept {
			continue
		}
		s := v.fds.get(fd)
		if s == nil {
			continue
		}
		if inRead && s.IsSelectReadReady() {
			rout.Set(fd)
			n++
		}
		if inWrite && s.IsSelectWriteReady() {
			wout.Set(fd)
			n++
		}
		if inExcept && s.IsSelectExceptionReady() {
			eout.Set(fd)
			n++
		}
	}
	if commit {
		if readfds != nil {
			*readfds = rout
		}
		if writefds != nil {
			*writefds = wout
		}
		if exceptfds != nil {
			*exceptfds = eout
		}
	}
	return n
}

// EpollCreate allocates an epoll stream and returns its fd.
func (v *VFS) EpollCreate() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	perm := Permission{FileUID: v.env.getUID(), IsWritable: true}
	fd, err := v.fds.add(newEpollStream(perm))
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// EpollCtl updates the registration set of an epoll fd.
func (v *VFS) EpollCtl(epfd int, op int, fd int, event *unix.EpollEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ep, ok := v.fds.get(epfd).(*epollStream)
	if !ok {
		return syscall.EINVAL
	}
	target := v.fds.get(fd)
	if target == nil {
		return syscall.EBADF
	}
	if target == Stream(ep) {
		return syscall.EINVAL
	}
	return ep.ctl(op, fd, target, event)
}

// EpollWait blocks until a registered target is ready or the timeout
// elapses, then fills events.
func (v *VFS) EpollWait(epfd int, events []unix.EpollEvent, timeout time.Duration) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ep, ok := v.fds.get(epfd).(*epollStream)
	if !ok {
		return -1, syscall.EINVAL
	}
	deadline := deadlineFor(timeout)
	for {
		if n := ep.readyEvents(events); n > 0 {
			return n, nil
		}
		if !v.waitLocked(deadline) {
			return ep.readyEvents(events), nil
		}
	}
}

func copyEpollData(dst []byte, ev *unix.EpollEvent) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(ev.Fd))
	binary.LittleEndian.PutUint32(dst[4:], uint32(ev.Pad))
}

func setEpollData(ev *unix.EpollEvent, src []byte) {
	ev.Fd = int32(binary.LittleEndian.Uint32(src[0:]))
	ev.Pad = int32(binary.LittleEndian.Uint32(src[4:]))
}
