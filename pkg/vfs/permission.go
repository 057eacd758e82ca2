package vfs

const (
	// RootUID owns every mount until ChangeOwner reassigns it.
	RootUID uint32 = 0

	// FirstAppUID is the lowest UID treated as an application.
	// Anything below it is a system UID and may write everywhere.
	FirstAppUID uint32 = 10000
)

func IsAppUID(uid uint32) bool {
	return uid >= FirstAppUID
}

// Permission is what a mount lookup derives for a path: the UID that
// owns the file and whether the calling process may mutate it.
type Permission struct {
	FileUID    uint32
	IsWritable bool
}
