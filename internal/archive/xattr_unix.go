//go:build unix

package archive

import (
	"golang.org/x/sys/unix"
)

// WriteXattrs applies extended attributes to an extracted path. Filesystems
// without xattr support (or with tight size limits) reject some of them;
// those are counted and skipped rather than failing the extraction.
func WriteXattrs(path string, xattrs map[string][]byte) (skipped int) {
	for k, v := range xattrs {
		if err := unix.Lsetxattr(path, k, v, 0); err != nil {
			skipped++
		}
	}
	return skipped
}
