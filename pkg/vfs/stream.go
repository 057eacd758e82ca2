package vfs

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Stream is the runtime object behind a descriptor: an open file,
// directory, pipe end, socket, epoll set, or anonymous mapping.
//
// Defaults in BaseStream fail with the errno Linux uses for the wrong
// kind of object: ENOTSOCK for socket calls, ENOTDIR for getdents,
// ENODEV for mmap, ENOTTY for ioctl, ESPIPE for positioned I/O on
// something unseekable, ENOSYS for fstatfs, EINVAL otherwise. Variants
// override only the operations meaningful to their kind.
type Stream interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Pread(b []byte, off int64) (int, error)
	Pwrite(b []byte, off int64) (int, error)
	Lseek(off int64, whence int) (int64, error)
	Fstat() (*FileInfo, error)
	Fstatfs() (*StatfsInfo, error)
	Ftruncate(length int64) error
	Fsync() error
	Fdatasync() error
	Ioctl(req uint64, arg []byte) (int, error)
	Getdents(count int) ([]DirEntry, error)

	Mmap(addr uintptr, length uintptr, prot int, flags int, off int64) (uintptr, error)
	Munmap(addr uintptr, length uintptr) error
	Mprotect(addr uintptr, length uintptr, prot int) error

	Connect(addr unix.Sockaddr) error
	Bind(addr unix.Sockaddr) error
	Listen(backlog int) error
	Accept() (Stream, unix.Sockaddr, error)
	Send(b []byte, flags int) (int, error)
	Sendto(b []byte, flags int, to unix.Sockaddr) (int, error)
	Recv(b []byte, flags int) (int, error)
	Recvfrom(b []byte, flags int) (int, unix.Sockaddr, error)
	Getsockopt(level, name int) ([]byte, error)
	Setsockopt(level, name int, val []byte) error
	Shutdown(how int) error
	Getpeername() (unix.Sockaddr, error)
	Getsockname() (unix.Sockaddr, error)

	IsSelectReadReady() bool
	IsSelectWriteReady() bool
	IsSelectExceptionReady() bool
	PollEvents() int16

	Pathname() string
	Permission() Permission
	Oflag() OpenFlags
	SetOflag(OpenFlags)
	StreamType() string

	// Reference counting. The VFS holds one reference per descriptor
	// and one per memory region; Close is called when the count hits
	// zero. All calls happen under the VFS lock.
	AddRef()
	Unref() bool
	Close() error
}

type BaseStream struct {
	refs  int
	path  string
	perm  Permission
	oflag OpenFlags
	kind  string
}

func NewBaseStream(path string, perm Permission, oflag OpenFlags, kind string) BaseStream {
	return BaseStream{path: path, perm: perm, oflag: oflag, kind: kind}
}

func (s *BaseStream) AddRef() { s.refs++ }

func (s *BaseStream) Unref() bool {
	s.refs--
	return s.refs <= 0
}

func (s *BaseStream) Close() error { return nil }

func (s *BaseStream) Pathname() string { return s.path }

func (s *BaseStream) Permission() Permission { return s.perm }

func (s *BaseStream) SetPermission(p Permission) { s.perm = p }

func (s *BaseStream) Oflag() OpenFlags { return s.oflag }

func (s *BaseStream) SetOflag(f OpenFlags) { s.oflag = f }

func (s *BaseStream) StreamType() string { return s.kind }

func (s *BaseStream) Read(b []byte) (int, error) { return 0, syscall.EINVAL }

func (s *BaseStream) Write(b []byte) (int, error) { return 0, syscall.EINVAL }

func (s *BaseStream) Pread(b []byte, off int64) (int, error) { return 0, syscall.ESPIPE }

func (s *BaseStream) Pwrite(b []byte, off int64) (int, error) { return 0, syscall.ESPIPE }

func (s *BaseStream) Lseek(off int64, whence int) (int64, error) { return 0, syscall.ESPIPE }

func (s *BaseStream) Fstat() (*FileInfo, error) { return nil, syscall.EINVAL }

func (s *BaseStream) Fstatfs() (*StatfsInfo, error) { return nil, syscall.ENOSYS }

func (s *BaseStream) Ftruncate(length int64) error { return syscall.EINVAL }

func (s *BaseStream) Fsync() error { return syscall.EINVAL }

func (s *BaseStream) Fdatasync() error { return syscall.EINVAL }

func (s *BaseStream) Ioctl(req uint64, arg []byte) (int, error) { return 0, syscall.ENOTTY }

func (s *BaseStream) Getdents(count int) ([]DirEntry, error) { return nil, syscall.ENOTDIR }

func (s *BaseStream) Mmap(addr uintptr, length uintptr, prot int, flags int, off int64) (uintptr, error) {
	return 0, syscall.ENODEV
}

func (s *BaseStream) Munmap(addr uintptr, length uintptr) error { return syscall.EINVAL }

func (s *BaseStream) Mprotect(addr uintptr, length uintptr, prot int) error { return syscall.EINVAL }

func (s *BaseStream) Connect(addr unix.Sockaddr) error { return syscall.ENOTSOCK }

func (s *BaseStream) Bind(addr unix.Sockaddr) error { return syscall.ENOTSOCK }

func (s *BaseStream) Listen(backlog int) error { return syscall.ENOTSOCK }

func (s *BaseStream) Accept() (Stream, unix.Sockaddr, error) { return nil, nil, syscall.ENOTSOCK }

func (s *BaseStream) Send(b []byte, flags int) (int, error) { return 0, syscall.ENOTSOCK }

func (s *BaseStream) Sendto(b []byte, flags int, to unix.Sockaddr) (int, error) {
	return 0, syscall.ENOTSOCK
}

func (s *BaseStream) Recv(b []byte, flags int) (int, error) { return 0, syscall.ENOTSOCK }

func (s *BaseStream) Recvfrom(b []byte, flags int) (int, unix.Sockaddr, error) {
	return 0, nil, syscall.ENOTSOCK
}

func (s *BaseStream) Getsockopt(level, name int) ([]byte, error) { return nil, syscall.ENOTSOCK }

func (s *BaseStream) Setsockopt(level, name int, val []byte) error { return syscall.ENOTSOCK }

func (s *BaseStream) Shutdown(how int) error { return syscall.ENOTSOCK }

func (s *BaseStream) Getpeername() (unix.Sockaddr, error) { return nil, syscall.ENOTSOCK }

func (s *BaseStream) Getsockname() (unix.Sockaddr, error) { return nil, syscall.ENOTSOCK }

func (s *BaseStream) IsSelectReadReady() bool { return false }

func (s *BaseStream) IsSelectWriteReady() bool { return false }

func (s *BaseStream) IsSelectExceptionReady() bool { return false }

func (s *BaseStream) PollEvents() int16 { return 0 }
