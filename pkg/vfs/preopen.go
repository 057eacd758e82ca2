package vfs

import "syscall"

// The preopen prefetcher. Before the host is ready, callers schedule
// paths they expect to open soon; once the host signals ready a single
// detached worker opens each one read-only and parks the fd in the
// cache. The first eligible open for the path takes the fd; mutating
// operations on the path throw the cache entry away.

// Cache entry values: a non-negative fd, preopenPending while the
// worker has not reached the path, or preopenFailed when the worker's
// open returned an error.
const (
	preopenPending = -2
	preopenFailed  = -1
)

// SchedulePreopen queues a speculative open of path. Must be called
// before the host-ready signal.
func (v *VFS) SchedulePreopen(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.preopenStarted {
		return syscall.EINVAL
	}
	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	v.scheduledPreopens = append(v.scheduledPreopens, resolved)
	v.preopened[resolved] = append(v.preopened[resolved], preopenPending)
	return nil
}

func (v *VFS) startPreopenLocked() {
	if v.preopenStarted {
		panic("vfs: preopen worker started twice")
	}
	v.preopenStarted = true
	// Detached: nothing joins it. On shutdown in-flight opens leak
	// with the process, which is exiting anyway.
	go v.performPreopens()
}

func (v *VFS) performPreopens() {
	v.mu.Lock()
	scheduled := append([]string(nil), v.scheduledPreopens...)
	v.mu.Unlock()

	for _, resolved := range scheduled {
		v.mu.Lock()
		if v.pendingPreopenIndexLocked(resolved) < 0 {
			// Already invalidated; do not resurrect the entry.
			v.mu.Unlock()
			continue
		}
		fd, err := v.openLocked(resolved, O_RDONLY, 0, false)
		if err != nil {
			warnf("preopen: open %s: %v", resolved, err)
			v.storePreopenResultLocked(resolved, preopenFailed)
		} else {
			v.storePreopenResultLocked(resolved, fd)
		}
		// Wake any open blocked on this entry.
		v.cond.Broadcast()
		v.mu.Unlock()
	}
}

func (v *VFS) pendingPreopenIndexLocked(resolved string) int {
	for i, fd := range v.preopened[resolved] {
		if fd == preopenPending {
			return i
		}
	}
	return -1
}

func (v *VFS) storePreopenResultLocked(resolved string, fd int) {
	idx := v.pendingPreopenIndexLocked(resolved)
	if idx < 0 {
		// Invalidated while the open was in flight. Drop the fd
		// rather than hand out a stale file.
		if fd >= 0 {
			v.closeLocked(fd)
		}
		return
	}
	v.preopened[resolved][idx] = fd
}

// takePreopenedLocked consumes a completed cache entry for resolved.
// It blocks while the entry is pending. Returns the fd, or -1 when
// there is nothing usable and the caller should open normally.
func (v *VFS) takePreopenedLocked(resolved string) int {
	for {
		fds, ok := v.preopened[resolved]
		if !ok || len(fds) == 0 {
			return -1
		}
		for i, fd := range fds {
			if fd == preopenPending {
				continue
			}
			v.preopened[resolved] = append(fds[:i], fds[i+1:]...)
			if len(v.preopened[resolved]) == 0 {
				delete(v.preopened, resolved)
			}
			if fd < 0 {
				// Error marker: the speculative open failed. Retry
				// for real; the file may exist by now.
				return -1
			}
			return fd
		}
		if !v.preopenStarted {
			// Nothing will ever complete these entries.
			return -1
		}
		warnf("preopen: waiting for slow preopen: %s", resolved)
		v.waitLocked(nil)
	}
}

// invalidatePreopensLocked closes and drops every cache entry for
// resolved. Called from every open that cannot use the cache and from
// unlink, remove, rename and truncate, so a stale fd is not handed
// out after those.
func (v *VFS) invalidatePreopensLocked(resolved string) {
	fds, ok := v.preopened[resolved]
	if !ok {
		return
	}
	delete(v.preopened, resolved)
	for _, fd := range fds {
		if fd >= 0 {
			v.closeLocked(fd)
		}
	}
	v.cond.Broadcast()
}
