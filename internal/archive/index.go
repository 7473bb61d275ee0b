package archive

import (
	"io/fs"
	"sort"

	"github.com/islishude/inxcore/internal/locator"
)

// index is the in-memory directory tree of a container. Only metadata is
// kept; member content is never cached here.
type index struct {
	entries  map[string]*Entry
	children map[string][]string
	sorted   []string
}

func buildIndex(records []Record) *index {
	idx := &index{
		entries:  make(map[string]*Entry, len(records)),
		children: make(map[string][]string),
	}
	for i, rec := range records {
		p := locator.CleanVirtual(rec.Path)
		if p == "" {
			continue
		}
		e := &Entry{
			Path:           p,
			Size:           rec.Size,
			CompressedSize: rec.CompressedSize,
			IsDir:          rec.IsDir,
			ModTime:        rec.ModTime,
			Mode:           rec.Mode,
			Linkname:       rec.Linkname,
			Xattrs:         rec.Xattrs,
			ref:            i,
		}
		if e.IsDir {
			e.Size = 0
			e.ref = -1
		}
		// A file record never shadows a directory at the same path.
		if prev, ok := idx.entries[p]; ok && prev.IsDir && !e.IsDir {
			continue
		}
		idx.entries[p] = e
		idx.ensureParents(p)
	}
	for p := range idx.entries {
		idx.sorted = append(idx.sorted, p)
	}
	sort.Strings(idx.sorted)
	for _, p := range idx.sorted {
		parent := parentOf(p)
		idx.children[parent] = append(idx.children[parent], p)
	}
	return idx
}

// ensureParents synthesizes missing ancestors of p. An ancestor previously
// recorded as a file is promoted to a directory so its children stay
// reachable.
func (idx *index) ensureParents(p string) {
	for dir := parentOf(p); dir != ""; dir = parentOf(dir) {
		if e, ok := idx.entries[dir]; ok {
			if e.IsDir {
				return
			}
			e.IsDir = true
			e.Size = 0
			e.ref = -1
			continue
		}
		idx.entries[dir] = &Entry{Path: dir, IsDir: true, Synthesized: true, CompressedSize: -1, ref: -1, Mode: 0o755 | fs.ModeDir}
	}
}

func (idx *index) lookup(p string) (Entry, bool) {
	e, ok := idx.entries[p]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// list returns the immediate children of dir ordered by path byte order.
func (idx *index) list(dir string) ([]Entry, error) {
	if dir != "" {
		e, ok := idx.entries[dir]
		if !ok {
			return nil, ErrNotFound
		}
		if !e.IsDir {
			return nil, ErrNotDir
		}
	}
	paths := idx.children[dir]
	out := make([]Entry, 0, len(paths))
	for _, p := range paths {
		out = append(out, *idx.entries[p])
	}
	return out, nil
}

func (idx *index) all() []Entry {
	out := make([]Entry, 0, len(idx.sorted))
	for _, p := range idx.sorted {
		out = append(out, *idx.entries[p])
	}
	return out
}
