package vfs

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// localStream is one end of an AF_UNIX pair or a pipe. The direction
// flags pick the sub-mode: pipes get a read end and a write end,
// socketpair gets two read-write ends. Peer linkage is symmetric;
// closing one end makes the peer read EOF and write EPIPE.
type localStream struct {
	BaseStream
	v        *VFS
	peer     *localStream
	buf      []byte
	readable bool
	writable bool
	peerGone bool
	shutRead bool
	shutWrite bool
}

func (v *VFS) newLocalPair(oflag OpenFlags, readWrite bool, kind string) (*localStream, *localStream) {
	perm := Permission{FileUID: v.env.getUID(), IsWritable: true}
	a := &localStream{
		BaseStream: NewBaseStream("", perm, oflag, kind),
		v:          v,
		readable:   true,
		writable:   readWrite,
	}
	b := &localStream{
		BaseStream: NewBaseStream("", perm, oflag, kind),
		v:          v,
		readable:   readWrite,
		writable:   true,
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *localStream) Read(b []byte) (int, error) {
	if !s.readable {
		return 0, syscall.EBADF
	}
	for len(s.buf) == 0 {
		if s.peerGone || s.shutRead {
			return 0, nil // EOF
		}
		if s.Oflag()&O_NONBLOCK != 0 {
			return 0, syscall.EAGAIN
		}
		s.v.waitLocked(nil)
	}
	n := copy(b, s.buf)
	s.buf = s.buf[n:]
	s.v.cond.Broadcast()
	return n, nil
}

func (s *localStream) Write(b []byte) (int, error) {
	if !s.writable {
		return 0, syscall.EBADF
	}
	if s.peerGone || s.shutWrite {
		return 0, syscall.EPIPE
	}
	s.peer.buf = append(s.peer.buf, b...)
	s.v.cond.Broadcast()
	return len(b), nil
}

func (s *localStream) Send(b []byte, flags int) (int, error) { return s.Write(b) }

func (s *localStream) Sendto(b []byte, flags int, to unix.Sockaddr) (int, error) {
	if to != nil {
		return 0, syscall.EISCONN
	}
	return s.Write(b)
}

func (s *localStream) Recv(b []byte, flags int) (int, error) { return s.Read(b) }

func (s *localStream) Recvfrom(b []byte, flags int) (int, unix.Sockaddr, error) {
	n, err := s.Read(b)
	return n, nil, err
}

func (s *localStream) Shutdown(how int) error {
	switch how {
	case unix.SHUT_RD:
		s.shutRead = true
	case unix.SHUT_WR:
		s.shutWrite = true
		if s.peer != nil {
			s.peer.shutRead = true
		}
	case unix.SHUT_RDWR:
		s.shutRead = true
		s.shutWrite = true
		if s.peer != nil {
			s.peer.shutRead = true
		}
	default:
		return syscall.EINVAL
	}
	s.v.cond.Broadcast()
	return nil
}

func (s *localStream) Getsockopt(level, name int) ([]byte, error) {
	if level == unix.SOL_SOCKET && name == unix.SO_ERROR {
		return []byte{0, 0, 0, 0}, nil
	}
	return nil, syscall.ENOPROTOOPT
}

func (s *localStream) Setsockopt(level, name int, val []byte) error { return nil }

func (s *localStream) Getpeername() (unix.Sockaddr, error) {
	if s.peer == nil || s.peerGone {
		return nil, syscall.ENOTCONN
	}
	return &unix.SockaddrUnix{}, nil
}

func (s *localStream) Getsockname() (unix.Sockaddr, error) {
	return &unix.SockaddrUnix{}, nil
}

func (s *localStream) Fstat() (*FileInfo, error) {
	mode := uint32(syscall.S_IFIFO | 0600)
	if s.StreamType() == "local" {
		mode = syscall.S_IFSOCK | 0777
	}
	return &FileInfo{Mode: mode, Uid: s.Permission().FileUID}, nil
}

func (s *localStream) IsSelectReadReady() bool {
	return s.readable && (len(s.buf) > 0 || s.peerGone || s.shutRead)
}

func (s *localStream) IsSelectWriteReady() bool {
	return s.writable && !s.peerGone
}

func (s *localStream) IsSelectExceptionReady() bool { return false }

func (s *localStream) PollEvents() int16 {
	var ev int16
	if s.readable && len(s.buf) > 0 {
		ev |= unix.POLLIN
	}
	if s.writable && !s.peerGone {
		ev |= unix.POLLOUT
	}
	if s.peerGone {
		ev |= unix.POLLHUP
		if s.readable {
			ev |= unix.POLLIN
		}
	}
	return ev
}

func (s *localStream) Close() error {
	if s.peer != nil {
		s.peer.peerGone = true
		s.peer.peer = nil
		s.peer = nil
	}
	s.v.cond.Broadcast()
	return nil
}

// unboundSocket is what socket(AF_UNIX, ...) returns before any
// connect. The in-process namespace has no listeners, so connect and
// bind report what a sandboxed process would see.
type unboundSocket struct {
	BaseStream
	v *VFS
}

func (s *unboundSocket) Connect(addr unix.Sockaddr) error { return syscall.ECONNREFUSED }

func (s *unboundSocket) Bind(addr unix.Sockaddr) error { return syscall.EACCES }

func (s *unboundSocket) Listen(backlog int) error { return syscall.EINVAL }

func (s *unboundSocket) Getsockname() (unix.Sockaddr, error) {
	return &unix.SockaddrUnix{}, nil
}
