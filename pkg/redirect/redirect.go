// Package redirect layers virtual symlinks on top of another handler.
// The links live only in this process; the underlying handler never
// sees them. Path rewriting happens in the VFS normalizer, which
// observes the links through Readlink.
package redirect

import (
	"strings"
	"syscall"
	"time"

	"ptl/pkg/vfs"
)

type Handler struct {
	under vfs.Handler
	links map[string]string   // link path -> target path
	dirs  map[string][]string // directory path -> child link names
}

func New(under vfs.Handler) *Handler {
	return &Handler{
		under: under,
		links: make(map[string]string),
		dirs:  make(map[string][]string),
	}
}

// AddSymlink registers a virtual link at setup time, bypassing the
// writability checks Symlink goes through.
func (h *Handler) AddSymlink(target, linkpath string) {
	h.addLink(target, linkpath)
}

func (h *Handler) addLink(target, linkpath string) {
	h.links[linkpath] = target
	dir := parentDir(linkpath)
	name := baseName(linkpath)
	for _, existing := range h.dirs[dir] {
		if existing == name {
			return
		}
	}
	h.dirs[dir] = append(h.dirs[dir], name)
}

func (h *Handler) dropLink(linkpath string) {
	delete(h.links, linkpath)
	dir := parentDir(linkpath)
	name := baseName(linkpath)
	kept := h.dirs[dir][:0]
	for _, existing := range h.dirs[dir] {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(h.dirs, dir)
	} else {
		h.dirs[dir] = kept
	}
}

func (h *Handler) Initialize() error { return h.under.Initialize() }

func (h *Handler) Stat(path string) (*vfs.FileInfo, error) {
	if target, ok := h.links[path]; ok {
		return &vfs.FileInfo{
			Name: baseName(path),
			Mode: syscall.S_IFLNK | 0777,
			Size: int64(len(target)),
		}, nil
	}
	return h.under.Stat(path)
}

func (h *Handler) Open(path string, oflag vfs.OpenFlags, mode uint32) (vfs.Stream, error) {
	s, err := h.under.Open(path, oflag, mode)
	if err != nil || s.StreamType() != "dir" {
		return s, err
	}
	// Directory streams list through this handler so the virtual links
	// show up in getdents.
	s.Close()
	return vfs.NewDirStream(path, s.Permission(), s.Oflag(), func() (vfs.DirIterator, error) {
		return h.OnDirectoryContentsNeeded(path)
	}), nil
}

func (h *Handler) Mkdir(path string, mode uint32) error { return h.under.Mkdir(path, mode) }

func (h *Handler) Rmdir(path string) error { return h.under.Rmdir(path) }

func (h *Handler) Unlink(path string) error {
	if _, ok := h.links[path]; ok {
		h.dropLink(path)
		return nil
	}
	return h.under.Unlink(path)
}

func (h *Handler) Remove(path string) error {
	if _, ok := h.links[path]; ok {
		h.dropLink(path)
		return nil
	}
	return h.under.Remove(path)
}

func (h *Handler) Rename(oldpath, newpath string) error {
	if target, ok := h.links[oldpath]; ok {
		if _, clash := h.links[newpath]; clash {
			h.dropLink(newpath)
		}
		h.dropLink(oldpath)
		h.addLink(target, newpath)
		return nil
	}
	return h.under.Rename(oldpath, newpath)
}

func (h *Handler) Truncate(path string, length int64) error { return h.under.Truncate(path, length) }

func (h *Handler) Utimes(path string, atime, mtime time.Time) error {
	return h.under.Utimes(path, atime, mtime)
}

func (h *Handler) Readlink(path string) (string, error) {
	if target, ok := h.links[path]; ok {
		return target, nil
	}
	return h.under.Readlink(path)
}

func (h *Handler) Symlink(target, linkpath string) error {
	if _, ok := h.links[linkpath]; ok {
		return syscall.EEXIST
	}
	if _, err := h.under.Stat(linkpath); err == nil {
		return syscall.EEXIST
	}
	h.addLink(target, linkpath)
	return nil
}

func (h *Handler) Statfs(path string) (*vfs.StatfsInfo, error) { return h.under.Statfs(path) }

// OnDirectoryContentsNeeded augments the underlying listing with the
// virtual links living in the directory.
func (h *Handler) OnDirectoryContentsNeeded(path string) (vfs.DirIterator, error) {
	m := newDirMerger()
	if it, err := h.under.OnDirectoryContentsNeeded(path); err == nil {
		for {
			e, ok := it.Next()
			if !ok {
				break
			}
			m.add(e)
		}
	} else if len(h.dirs[path]) == 0 {
		return nil, err
	}
	for _, name := range h.dirs[path] {
		m.add(vfs.DirEntry{Name: name, Type: vfs.DTLnk})
	}
	return vfs.NewDirIterator(m.entries()), nil
}

func (h *Handler) IsWorldWritable(path string) bool { return h.under.IsWorldWritable(path) }

func (h *Handler) AddToCache(path string, info *vfs.FileInfo, exists bool) {
	h.under.AddToCache(path, info, exists)
}

func (h *Handler) InvalidateCache() { h.under.InvalidateCache() }

func (h *Handler) OnMounted(path string) { h.under.OnMounted(path) }

func (h *Handler) OnUnmounted(path string) { h.under.OnUnmounted(path) }

func parentDir(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func baseName(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}

var _ vfs.Handler = (*Handler)(nil)
