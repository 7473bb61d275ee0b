package archive

import (
	"archive/tar"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
)

const (
	schilyXattrPrefix = "SCHILY.xattr."
	gotgzXattrPrefix  = "GOTGZ.xattr."
	gotgzACLPrefix    = "GOTGZ.acl."
)

// decodeXattrs collects extended attributes from PAX records written by GNU
// tar/star (raw values) and gotgz (base64 values). Undecodable records are
// dropped.
func decodeXattrs(hdr *tar.Header) map[string][]byte {
	var out map[string][]byte
	put := func(k string, v []byte) {
		if out == nil {
			out = make(map[string][]byte)
		}
		out[k] = v
	}
	for k, v := range hdr.PAXRecords {
		switch {
		case strings.HasPrefix(k, schilyXattrPrefix):
			put(strings.TrimPrefix(k, schilyXattrPrefix), []byte(v))
		case strings.HasPrefix(k, gotgzXattrPrefix):
			name, err := url.QueryUnescape(strings.TrimPrefix(k, gotgzXattrPrefix))
			if err != nil {
				continue
			}
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				continue
			}
			put(name, b)
		case strings.HasPrefix(k, gotgzACLPrefix):
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				continue
			}
			put(strings.TrimPrefix(k, gotgzACLPrefix), b)
		}
	}
	return out
}

// ObjectMetadata maps an entry to S3 user metadata for remote extraction.
func ObjectMetadata(e Entry) (map[string]string, bool) {
	meta := map[string]string{
		"inx-mode":  strconv.FormatInt(int64(e.Mode.Perm()), 8),
		"inx-mtime": strconv.FormatInt(e.ModTime.Unix(), 10),
	}
	if e.Linkname != "" {
		meta["inx-linkname"] = e.Linkname
	}
	total := 0
	for k, v := range meta {
		total += len(k) + len(v)
	}
	// AWS S3 has a limit of 2KB for user-defined metadata; the check is
	// approximate.
	return meta, total <= 1500
}
