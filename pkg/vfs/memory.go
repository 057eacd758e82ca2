package vfs

import (
	"syscall"

	"github.com/google/btree"
)

var pageSize = uintptr(syscall.Getpagesize())

func pageAlignDown(v uintptr) uintptr {
	return v &^ (pageSize - 1)
}

func pageAlignUp(v uintptr) uintptr {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func isPageAligned(v uintptr) bool {
	return v&(pageSize-1) == 0
}

// memRegion is one half-open interval [addr, addr+length) of mapped
// address space. Every region holds one reference on its backing
// stream; splitting a region adds references for the new pieces.
type memRegion struct {
	addr   uintptr
	length uintptr
	prot   int
	flags  int
	stream Stream // nil for regions whose stream already went away
	offset int64
	inode  uint64
}

func (r *memRegion) end() uintptr { return r.addr + r.length }

// memoryMap is the ordered set of non-overlapping mapped regions,
// keyed by start address.
type memoryMap struct {
	tree *btree.BTreeG[*memRegion]
}

func newMemoryMap() *memoryMap {
	return &memoryMap{
		tree: btree.NewG(8, func(a, b *memRegion) bool { return a.addr < b.addr }),
	}
}

// insert adds a region, rejecting any true overlap. Callers that want
// replace semantics (MAP_FIXED) clear the range first.
func (m *memoryMap) insert(r *memRegion) error {
	var conflict bool
	m.tree.DescendLessOrEqual(&memRegion{addr: r.addr}, func(prev *memRegion) bool {
		conflict = prev.end() > r.addr
		return false
	})
	if !conflict {
		m.tree.AscendGreaterOrEqual(&memRegion{addr: r.addr}, func(next *memRegion) bool {
			conflict = next.addr < r.end()
			return false
		})
	}
	if conflict {
		return syscall.EINVAL
	}
	m.tree.ReplaceOrInsert(r)
	if r.stream != nil {
		r.stream.AddRef()
	}
	return nil
}

// overlapping collects every region intersecting [addr, addr+length).
func (m *memoryMap) overlapping(addr, length uintptr) []*memRegion {
	end := addr + length
	var out []*memRegion
	m.tree.DescendLessOrEqual(&memRegion{addr: addr}, func(r *memRegion) bool {
		if r.end() > addr {
			out = append(out, r)
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(&memRegion{addr: addr + 1}, func(r *memRegion) bool {
		if r.addr >= end {
			return false
		}
		out = append(out, r)
		return true
	})
	return out
}

// carve splits every region straddling the range boundary so that the
// range [addr, addr+length) is covered by whole regions, and returns
// the regions fully inside the range. release drops a stream
// reference taken by a removed or shrunk region.
func (m *memoryMap) carve(addr, length uintptr, release func(Stream)) []*memRegion {
	end := addr + length
	var inside []*memRegion
	for _, r := range m.overlapping(addr, length) {
		if r.addr >= addr && r.end() <= end {
			inside = append(inside, r)
			continue
		}
		m.tree.Delete(r)
		if r.addr < addr {
			left := *r
			left.length = addr - r.addr
			m.tree.ReplaceOrInsert(&left)
			if left.stream != nil {
				left.stream.AddRef()
			}
		}
		lo := r.addr
		if lo < addr {
			lo = addr
		}
		hi := r.end()
		if hi > end {
			hi = end
		}
		mid := *r
		mid.addr = lo
		mid.length = hi - lo
		mid.offset = r.offset + int64(lo-r.addr)
		m.tree.ReplaceOrInsert(&mid)
		if mid.stream != nil {
			mid.stream.AddRef()
		}
		inside = append(inside, &mid)
		if r.end() > end {
			right := *r
			right.addr = end
			right.length = r.end() - end
			right.offset = r.offset + int64(end-r.addr)
			m.tree.ReplaceOrInsert(&right)
			if right.stream != nil {
				right.stream.AddRef()
			}
		}
		if r.stream != nil {
			release(r.stream)
		}
	}
	return inside
}

// removeRange drops every region piece inside [addr, addr+length).
// When invokeMunmap is set each piece's stream gets its Munmap call;
// a MAP_FIXED replacement skips it because the host mapping is
// already gone.
func (m *memoryMap) removeRange(addr, length uintptr, invokeMunmap bool, release func(Stream)) {
	for _, r := range m.carve(addr, length, release) {
		m.tree.Delete(r)
		if r.stream != nil {
			if invokeMunmap {
				r.stream.Munmap(r.addr, r.length)
			}
			release(r.stream)
		}
	}
}

// protectRange applies prot to every region piece in the range.
// Failure of one piece leaves earlier pieces applied.
func (m *memoryMap) protectRange(addr, length uintptr, prot int, release func(Stream)) error {
	for _, r := range m.carve(addr, length, release) {
		if r.stream != nil {
			if err := r.stream.Mprotect(r.addr, r.length, prot); err != nil {
				return err
			}
		}
		r.prot = prot
	}
	return nil
}

// isWriteMapped reports whether any live region with the inode is
// mapped writable. Host-backed handlers use this to decide whether
// flushing their cache could clobber application writes.
func (m *memoryMap) isWriteMapped(inode uint64) bool {
	found := false
	m.tree.Ascend(func(r *memRegion) bool {
		if r.inode == inode && r.prot&syscall.PROT_WRITE != 0 {
			found = true
			return false
		}
		return true
	})
	return found
}

func (m *memoryMap) len() int { return m.tree.Len() }

// MemoryRegionInfo is the introspection view of one mapped region.
type MemoryRegionInfo struct {
	Addr     uintptr
	Length   uintptr
	Prot     int
	Flags    int
	Pathname string
	Offset   int64
}

func (m *memoryMap) snapshot() []MemoryRegionInfo {
	out := make([]MemoryRegionInfo, 0, m.tree.Len())
	m.tree.Ascend(func(r *memRegion) bool {
		info := MemoryRegionInfo{
			Addr:   r.addr,
			Length: r.length,
			Prot:   r.prot,
			Flags:  r.flags,
			Offset: r.offset,
		}
		if r.stream != nil {
			info.Pathname = r.stream.Pathname()
		}
		out = append(out, info)
		return true
	})
	return out
}
