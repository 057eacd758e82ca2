package memfs

import (
	"syscall"
	"time"

	"ptl/pkg/vfs"

	"golang.org/x/sys/unix"
)

// fileStream is an open regular file. Offset state is per-open; the
// node is shared between every stream on the same file.
type fileStream struct {
	vfs.BaseStream
	fs   *FS
	node *node
	pos  int64
}

func (s *fileStream) Read(b []byte) (int, error) {
	if !s.Oflag().IsRead() {
		return 0, syscall.EBADF
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	if s.pos >= int64(len(s.node.data)) {
		return 0, nil
	}
	n := copy(b, s.node.data[s.pos:])
	s.pos += int64(n)
	s.node.atime = time.Now()
	return n, nil
}

func (s *fileStream) Write(b []byte) (int, error) {
	if !s.Oflag().IsWrite() {
		return 0, syscall.EBADF
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	if s.Oflag()&vfs.O_APPEND != 0 {
		s.pos = int64(len(s.node.data))
	}
	n := s.writeAt(b, s.pos)
	s.pos += int64(n)
	return n, nil
}

func (s *fileStream) writeAt(b []byte, off int64) int {
	end := off + int64(len(b))
	if end > int64(len(s.node.data)) {
		grown := make([]byte, end)
		copy(grown, s.node.data)
		s.node.data = grown
	}
	copy(s.node.data[off:], b)
	s.node.modTime = time.Now()
	return len(b)
}

func (s *fileStream) Pread(b []byte, off int64) (int, error) {
	if !s.Oflag().IsRead() {
		return 0, syscall.EBADF
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	if off >= int64(len(s.node.data)) {
		return 0, nil
	}
	return copy(b, s.node.data[off:]), nil
}

func (s *fileStream) Pwrite(b []byte, off int64) (int, error) {
	if !s.Oflag().IsWrite() {
		return 0, syscall.EBADF
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return s.writeAt(b, off), nil
}

func (s *fileStream) Lseek(off int64, whence int) (int64, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()

	var base int64
	switch whence {
	case unix.SEEK_SET:
		base = 0
	case unix.SEEK_CUR:
		base = s.pos
	case unix.SEEK_END:
		base = int64(len(s.node.data))
	default:
		return -1, syscall.EINVAL
	}
	if base+off < 0 {
		return -1, syscall.EINVAL
	}
	s.pos = base + off
	return s.pos, nil
}

func (s *fileStream) Fstat() (*vfs.FileInfo, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return s.fs.info(s.node.name, s.node), nil
}

func (s *fileStream) Fstatfs() (*vfs.StatfsInfo, error) {
	return s.fs.Statfs(s.Pathname())
}

func (s *fileStream) Ftruncate(length int64) error {
	if !s.Oflag().IsWrite() {
		return syscall.EINVAL
	}
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	truncateData(s.node, length)
	return nil
}

func (s *fileStream) Fsync() error { return nil }

func (s *fileStream) Fdatasync() error { return nil }

// The VFS only needs an address acknowledged; the in-memory backend
// has no host mapping to create.
func (s *fileStream) Mmap(addr uintptr, length uintptr, prot int, flags int, off int64) (uintptr, error) {
	if prot&syscall.PROT_WRITE != 0 && flags&unix.MAP_SHARED != 0 && !s.Oflag().IsWrite() {
		return 0, syscall.EACCES
	}
	return addr, nil
}

func (s *fileStream) Munmap(addr uintptr, length uintptr) error { return nil }

func (s *fileStream) Mprotect(addr uintptr, length uintptr, prot int) error { return nil }

func (s *fileStream) IsSelectReadReady() bool { return true }

func (s *fileStream) IsSelectWriteReady() bool { return true }

func (s *fileStream) PollEvents() int16 { return unix.POLLIN | unix.POLLOUT }
