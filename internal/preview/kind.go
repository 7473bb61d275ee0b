package preview

import (
	"bytes"
	"mime"
	"net/http"
	"path"
	"strings"
)

// SniffLen is the number of leading bytes used for content sniffing.
const SniffLen = 512

var kindByExt = map[string]Kind{
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".bmp":  KindImage,
	".tif":  KindImage,
	".tiff": KindImage,
	".webp": KindImage,
	".mp4":  KindVideo,
	".m4v":  KindVideo,
	".mov":  KindVideo,
	".mkv":  KindVideo,
	".webm": KindVideo,
	".avi":  KindVideo,
	".wmv":  KindVideo,
	".flv":  KindVideo,
	".mpg":  KindVideo,
	".mpeg": KindVideo,
	".pdf":  KindDocument,
	".txt":  KindDocument,
	".md":   KindDocument,
	".log":  KindDocument,
	".csv":  KindDocument,
	".json": KindDocument,
	".xml":  KindDocument,
	".yaml": KindDocument,
	".yml":  KindDocument,
	".go":   KindDocument,
	".odt":  KindDocument,
	".docx": KindDocument,
}

var extraMimeTypes = map[string]string{
	".md":   "text/markdown; charset=utf-8",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".go":   "text/x-go; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".mkv":  "video/x-matroska",
	".7z":   "application/x-7z-compressed",
	".zst":  "application/zstd",
	".xz":   "application/x-xz",
	".bz2":  "application/x-bzip2",
	".lz4":  "application/x-lz4",
	".tar":  "application/x-tar",
}

// Detect classifies an item by extension first and content second. It
// also returns the best known MIME type.
func Detect(name string, head []byte) (Kind, string) {
	ext := strings.ToLower(path.Ext(name))
	mt := mimeByExt(ext)
	if k, ok := kindByExt[ext]; ok {
		if mt == "" {
			mt = sniff(head)
		}
		return k, mt
	}
	if len(head) == 0 {
		if mt == "" {
			mt = "application/octet-stream"
		}
		return KindUnknown, mt
	}
	sniffed := sniff(head)
	if mt == "" {
		mt = sniffed
	}
	return kindByMime(sniffed), mt
}

func mimeByExt(ext string) string {
	if ext == "" {
		return ""
	}
	if mt, ok := extraMimeTypes[ext]; ok {
		return mt
	}
	return mime.TypeByExtension(ext)
}

func sniff(head []byte) string {
	if len(head) == 0 {
		return "application/octet-stream"
	}
	if bytes.HasPrefix(head, []byte("%PDF-")) {
		return "application/pdf"
	}
	return http.DetectContentType(head)
}

func kindByMime(mt string) Kind {
	base, _, _ := strings.Cut(mt, ";")
	switch {
	case strings.HasPrefix(base, "image/"):
		return KindImage
	case strings.HasPrefix(base, "video/"):
		return KindVideo
	case base == "application/pdf", base == "text/plain":
		return KindDocument
	default:
		return KindUnknown
	}
}

// IconName maps a MIME type to a freedesktop icon name.
func IconName(mt string) string {
	base, _, _ := strings.Cut(mt, ";")
	base = strings.TrimSpace(base)
	if base == "" || base == "application/octet-stream" {
		return "application-x-generic"
	}
	major, _, _ := strings.Cut(base, "/")
	switch major {
	case "text":
		return "text-x-generic"
	case "image":
		return "image-x-generic"
	case "audio":
		return "audio-x-generic"
	case "video":
		return "video-x-generic"
	}
	return strings.ReplaceAll(base, "/", "-")
}
