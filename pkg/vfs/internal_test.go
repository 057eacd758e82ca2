package vfs

import (
	"syscall"
)

// fakeHandler is the minimal handler the internal tests mount: a flat
// set of directories, files and symlinks with no contents.
type fakeHandler struct {
	BaseHandler
	dirs  map[string]bool
	files map[string]bool
	links map[string]string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		dirs:  map[string]bool{"/": true},
		files: make(map[string]bool),
		links: make(map[string]string),
	}
}

func (h *fakeHandler) Stat(path string) (*FileInfo, error) {
	switch {
	case h.dirs[path]:
		return &FileInfo{Name: pathBase(path), Mode: syscall.S_IFDIR | 0755, IsDir: true}, nil
	case h.files[path]:
		return &FileInfo{Name: pathBase(path), Mode: syscall.S_IFREG | 0644}, nil
	case h.links[path] != "":
		return &FileInfo{
			Name: pathBase(path),
			Mode: syscall.S_IFLNK | 0777,
			Size: int64(len(h.links[path])),
		}, nil
	}
	return nil, syscall.ENOENT
}

func (h *fakeHandler) Readlink(path string) (string, error) {
	if target, ok := h.links[path]; ok {
		return target, nil
	}
	return "", syscall.EINVAL
}

// mappableStream acknowledges mapping calls and records the munmap
// ranges it sees.
type mappableStream struct {
	BaseStream
	munmaps [][2]uintptr
}

func newMappableStream(path string) *mappableStream {
	return &mappableStream{
		BaseStream: NewBaseStream(path, Permission{FileUID: RootUID, IsWritable: true}, O_RDWR, "fake"),
	}
}

func (s *mappableStream) Mmap(addr uintptr, length uintptr, prot int, flags int, off int64) (uintptr, error) {
	return addr, nil
}

func (s *mappableStream) Munmap(addr uintptr, length uintptr) error {
	s.munmaps = append(s.munmaps, [2]uintptr{addr, length})
	return nil
}

func (s *mappableStream) Mprotect(addr uintptr, length uintptr, prot int) error { return nil }

func (s *mappableStream) Fstat() (*FileInfo, error) {
	return &FileInfo{Name: pathBase(s.Pathname()), Mode: syscall.S_IFREG | 0644}, nil
}
