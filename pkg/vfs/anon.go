package vfs

// anonStream backs MAP_ANONYMOUS mappings. It answers the mapping
// operations and nothing file-like.
type anonStream struct {
	BaseStream
}

func newAnonStream() *anonStream {
	return &anonStream{
		BaseStream: NewBaseStream("", Permission{FileUID: RootUID, IsWritable: true}, O_RDWR, "anon"),
	}
}

func (s *anonStream) Mmap(addr uintptr, length uintptr, prot int, flags int, off int64) (uintptr, error) {
	return addr, nil
}

func (s *anonStream) Munmap(addr uintptr, length uintptr) error { return nil }

func (s *anonStream) Mprotect(addr uintptr, length uintptr, prot int) error { return nil }
