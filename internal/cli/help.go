package cli

import "fmt"

func HelpText(program string) string {
	if program == "" {
		program = "inx"
	}
	return fmt.Sprintf(`%s - browse, extract and preview archives

Usage:
  %s -t -f <container> [entries...]
  %s --stat -f <container> <entries...>
  %s -x -f <container> [-C <dest>] [entries...]
  %s -p [-f <container>] [-o <dir>] <files or entries...>
  %s [bundled flags] <container> [entries...]   (example: %s -xvf photos.zip -C out)

Modes:
  -t                List a virtual directory of the container
  --stat            Show the metadata of individual entries
  -x                Extract entries (all entries when none are given)
  -p                Render previews of local files, or of entries when -f is set

Main Options:
  -f <container>    Container: local path, s3://bucket/key, or S3 ARN
                    (zip, 7z, tar, compressed tar, or a single compressed file)
  -C <dir|s3://...> Extraction destination (default: current directory)
  --dir <path>      Virtual directory to list; extracted names are relative to it
  --conflict <overwrite|skip|rename>
                    What to do when a destination already exists (default: rename)
  -v                Verbose output
  -h, --help        Show this help message

Preview:
  --size <pixels>   Bounding box side for previews (default: %d)
  -o, --output <dir|s3://...>
                    Write PNG previews here; without it results are only reported

Exclude:
  --exclude <pattern>
  --exclude-from <file>
                    Skip extracting entries whose path or base name matches

Environment:
  INX_LOG_LEVEL, INX_LOG_FORMAT, INX_EXTRACT_CHUNK_KB, INX_EXTRACT_JOBS,
  INX_PREVIEW_WORKERS, INX_PREVIEW_CACHE_MB, INX_PREVIEW_MAX_MEMBER_MB,
  INX_PREVIEW_MAX_PIXELS, INX_FFMPEG, INX_PDFTOPPM, INX_SPILL_DIR, INX_S3_*
`, program, program, program, program, program, program, program, DefaultPreviewSize)
}
