package redirect

import (
	"sort"

	"ptl/pkg/vfs"
)

type dirMerger struct {
	byName map[string]vfs.DirEntry
}

func newDirMerger() *dirMerger {
	return &dirMerger{byName: make(map[string]vfs.DirEntry)}
}

func (m *dirMerger) add(entry vfs.DirEntry) {
	if _, exists := m.byName[entry.Name]; exists {
		return
	}
	m.byName[entry.Name] = entry
}

func (m *dirMerger) entries() []vfs.DirEntry {
	result := make([]vfs.DirEntry, 0, len(m.byName))
	for _, e := range m.byName {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
