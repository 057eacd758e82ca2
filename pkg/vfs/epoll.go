package vfs

import (
	"syscall"

	"golang.org/x/sys/unix"
)

type epollReg struct {
	target Stream
	events uint32
	data   [8]byte // user cookie, returned verbatim
}

// epollStream owns a registration set keyed by fd. Readiness is
// computed by polling each target's predicates; blocking happens in
// the shared readiness engine.
type epollStream struct {
	BaseStream
	regs map[int]*epollReg
}

func newEpollStream(perm Permission) *epollStream {
	return &epollStream{
		BaseStream: NewBaseStream("", perm, O_RDWR, "epoll"),
		regs:       make(map[int]*epollReg),
	}
}

func (s *epollStream) ctl(op int, fd int, target Stream, event *unix.EpollEvent) error {
	switch op {
	case unix.EPOLL_CTL_ADD:
		if _, ok := s.regs[fd]; ok {
			return syscall.EEXIST
		}
		if event == nil {
			return syscall.EFAULT
		}
		reg := &epollReg{target: target, events: event.Events}
		copyEpollData(reg.data[:], event)
		target.AddRef()
		s.regs[fd] = reg
	case unix.EPOLL_CTL_MOD:
		reg, ok := s.regs[fd]
		if !ok {
			return syscall.ENOENT
		}
		if event == nil {
			return syscall.EFAULT
		}
		reg.events = event.Events
		copyEpollData(reg.data[:], event)
	case unix.EPOLL_CTL_DEL:
		reg, ok := s.regs[fd]
		if !ok {
			return syscall.ENOENT
		}
		delete(s.regs, fd)
		if reg.target.Unref() {
			reg.target.Close()
		}
	default:
		return syscall.EINVAL
	}
	return nil
}

// readyEvents fills events with every registration whose target is
// currently ready, and returns the count.
func (s *epollStream) readyEvents(events []unix.EpollEvent) int {
	n := 0
	for _, reg := range s.regs {
		if n >= len(events) {
			break
		}
		ready := epollReadiness(reg.target) & reg.events
		if ready == 0 {
			continue
		}
		events[n].Events = ready
		setEpollData(&events[n], reg.data[:])
		n++
	}
	return n
}

func (s *epollStream) anyReady() bool {
	for _, reg := range s.regs {
		if epollReadiness(reg.target)&reg.events != 0 {
			return true
		}
	}
	return false
}

func (s *epollStream) Close() error {
	for fd, reg := range s.regs {
		delete(s.regs, fd)
		if reg.target.Unref() {
			reg.target.Close()
		}
	}
	return nil
}

// Nested epoll: an epoll fd is itself pollable.
func (s *epollStream) IsSelectReadReady() bool { return s.anyReady() }

func (s *epollStream) PollEvents() int16 {
	if s.anyReady() {
		return unix.POLLIN
	}
	return 0
}

func epollReadiness(s Stream) uint32 {
	var ev uint32
	if s.IsSelectReadReady() {
		ev |= unix.EPOLLIN
	}
	if s.IsSelectWriteReady() {
		ev |= unix.EPOLLOUT
	}
	if s.IsSelectExceptionReady() {
		ev |= unix.EPOLLERR
	}
	if s.PollEvents()&unix.POLLHUP != 0 {
		ev |= unix.EPOLLHUP
	}
	return ev
}
