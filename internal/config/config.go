// Package config reads the runtime settings of the host command from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	LogLevel  string
	LogFormat string

	// ChunkSize is the extraction copy unit in bytes.
	ChunkSize   int
	ExtractJobs int
	EventBuffer int

	PreviewWorkers     int
	PreviewCacheBytes  int64
	PreviewMemberBytes int64
	PreviewMaxPixels   int64
	FFmpeg             string
	PDFToPPM           string

	// SpillDir holds downloaded containers and temporary member copies.
	SpillDir string
}

func Default() Config {
	return Config{
		LogLevel:           "info",
		LogFormat:          "console",
		ChunkSize:          256 << 10,
		ExtractJobs:        2,
		EventBuffer:        64,
		PreviewWorkers:     4,
		PreviewCacheBytes:  64 << 20,
		PreviewMemberBytes: 64 << 20,
		PreviewMaxPixels:   100_000_000,
		FFmpeg:             "ffmpeg",
		PDFToPPM:           "pdftoppm",
	}
}

// Load starts from Default and applies the INX_* variables that are set.
// A set but malformed or non-positive number is an error.
func Load() (Config, error) {
	c := Default()
	c.LogLevel = strings.ToLower(defaultString(os.Getenv("INX_LOG_LEVEL"), c.LogLevel))
	c.LogFormat = strings.ToLower(defaultString(os.Getenv("INX_LOG_FORMAT"), c.LogFormat))
	c.FFmpeg = defaultString(os.Getenv("INX_FFMPEG"), c.FFmpeg)
	c.PDFToPPM = defaultString(os.Getenv("INX_PDFTOPPM"), c.PDFToPPM)
	c.SpillDir = strings.TrimSpace(os.Getenv("INX_SPILL_DIR"))

	var err error
	if c.ChunkSize, err = intFromEnv("INX_EXTRACT_CHUNK_KB", c.ChunkSize>>10); err != nil {
		return c, err
	}
	c.ChunkSize <<= 10
	if c.ExtractJobs, err = intFromEnv("INX_EXTRACT_JOBS", c.ExtractJobs); err != nil {
		return c, err
	}
	if c.EventBuffer, err = intFromEnv("INX_EXTRACT_EVENT_BUFFER", c.EventBuffer); err != nil {
		return c, err
	}
	if c.PreviewWorkers, err = intFromEnv("INX_PREVIEW_WORKERS", c.PreviewWorkers); err != nil {
		return c, err
	}
	if c.PreviewCacheBytes, err = int64FromEnv("INX_PREVIEW_CACHE_MB", c.PreviewCacheBytes>>20); err != nil {
		return c, err
	}
	c.PreviewCacheBytes <<= 20
	if c.PreviewMemberBytes, err = int64FromEnv("INX_PREVIEW_MAX_MEMBER_MB", c.PreviewMemberBytes>>20); err != nil {
		return c, err
	}
	c.PreviewMemberBytes <<= 20
	if c.PreviewMaxPixels, err = int64FromEnv("INX_PREVIEW_MAX_PIXELS", c.PreviewMaxPixels); err != nil {
		return c, err
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return c, fmt.Errorf("INX_LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return c, nil
}

func intFromEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	x, err := strconv.Atoi(v)
	if err != nil || x <= 0 {
		return def, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return x, nil
}

func int64FromEnv(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	x, err := strconv.ParseInt(v, 10, 64)
	if err != nil || x <= 0 {
		return def, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return x, nil
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
