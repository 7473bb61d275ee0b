package runner

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/islishude/inxcore/internal/archive/archivetest"
	"github.com/islishude/inxcore/internal/cli"
	"github.com/islishude/inxcore/internal/config"
)

type harness struct {
	r      *Runner
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	cfg := config.Default()
	cfg.SpillDir = t.TempDir()
	h.r = New(context.Background(), cfg, zerolog.Nop(), h.stdout, h.stderr)
	return h
}

func (h *harness) run(t *testing.T, opts cli.Options) RunResult {
	t.Helper()
	h.stdout.Reset()
	h.stderr.Reset()
	if opts.Conflict == "" {
		opts.Conflict = "rename"
	}
	if opts.Size == 0 {
		opts.Size = cli.DefaultPreviewSize
	}
	return h.r.Run(context.Background(), opts)
}

func fixtureZip(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fixture.zip")
	archivetest.WriteZip(t, p, []archivetest.File{
		{Name: "docs/a.txt", Body: "alpha"},
		{Name: "docs/a.tmp", Body: "scratch"},
		{Name: "docs/b/c.txt", Body: "gamma"},
		{Name: "cache/x.bin", Body: "xx"},
		{Name: "top.txt", Body: "top"},
	})
	return p
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func mustNotExist(t *testing.T, p string) {
	t.Helper()
	if _, err := os.Lstat(p); !os.IsNotExist(err) {
		t.Fatalf("%s exists (err = %v)", p, err)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	zp := fixtureZip(t)

	res := h.run(t, cli.Options{Mode: cli.ModeList, Container: zp})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d err = %v", res.ExitCode, res.Err)
	}
	if got := h.stdout.String(); got != "cache/\ndocs/\ntop.txt\n" {
		t.Fatalf("root listing = %q", got)
	}

	h.run(t, cli.Options{Mode: cli.ModeList, Container: zp, Dir: "docs"})
	if got := h.stdout.String(); got != "docs/a.tmp\ndocs/a.txt\ndocs/b/\n" {
		t.Fatalf("docs listing = %q", got)
	}

	h.run(t, cli.Options{Mode: cli.ModeList, Container: zp, Members: []string{"top.txt"}, Verbose: true})
	line := h.stdout.String()
	if !strings.Contains(line, "top.txt") || !strings.Contains(line, " 3 ") || !strings.HasPrefix(line, "-rw") {
		t.Fatalf("verbose line = %q", line)
	}

	res = h.run(t, cli.Options{Mode: cli.ModeList, Container: zp, Members: []string{"nope"}})
	if res.ExitCode != ExitWarning || !strings.Contains(h.stderr.String(), "nope") {
		t.Fatalf("missing entry exit = %d stderr = %q", res.ExitCode, h.stderr.String())
	}
}

func TestStat(t *testing.T) {
	h := newHarness(t)
	zp := fixtureZip(t)

	res := h.run(t, cli.Options{Mode: cli.ModeStat, Container: zp, Members: []string{"top.txt", "docs/b"}})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d err = %v", res.ExitCode, res.Err)
	}
	out := h.stdout.String()
	for _, want := range []string{"Path: top.txt", "Type: file", "Size: 3", "Path: docs/b", "Type: directory (implied)", "(zip)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stat output lacks %q:\n%s", want, out)
		}
	}
}

func TestExtractConflictPolicies(t *testing.T) {
	h := newHarness(t)
	zp := fixtureZip(t)
	dest := t.TempDir()

	res := h.run(t, cli.Options{Mode: cli.ModeExtract, Container: zp, Chdir: dest, Verbose: true})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d err = %v stderr = %s", res.ExitCode, res.Err, h.stderr.String())
	}
	if got := readFile(t, filepath.Join(dest, "docs", "b", "c.txt")); got != "gamma" {
		t.Fatalf("c.txt = %q", got)
	}
	if !strings.Contains(h.stdout.String(), "0 skipped, 0 failed") {
		t.Fatalf("summary = %q", h.stdout.String())
	}

	res = h.run(t, cli.Options{Mode: cli.ModeExtract, Container: zp, Chdir: dest, Conflict: "skip", Verbose: true, Members: []string{"top.txt"}})
	if res.ExitCode != ExitSuccess || !strings.Contains(h.stdout.String(), "top.txt (skipped: exists)") {
		t.Fatalf("skip run exit = %d stdout = %q", res.ExitCode, h.stdout.String())
	}

	res = h.run(t, cli.Options{Mode: cli.ModeExtract, Container: zp, Chdir: dest, Members: []string{"top.txt"}})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("rename run exit = %d err = %v", res.ExitCode, res.Err)
	}
	if got := readFile(t, filepath.Join(dest, "top (1).txt")); got != "top" {
		t.Fatalf("renamed copy = %q", got)
	}
}

func TestExtractDirectoryRelativeToBase(t *testing.T) {
	h := newHarness(t)
	zp := fixtureZip(t)
	dest := t.TempDir()

	res := h.run(t, cli.Options{Mode: cli.ModeExtract, Container: zp, Chdir: dest, Dir: "docs"})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d err = %v", res.ExitCode, res.Err)
	}
	if got := readFile(t, filepath.Join(dest, "a.txt")); got != "alpha" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "b", "c.txt")); got != "gamma" {
		t.Fatalf("b/c.txt = %q", got)
	}
	mustNotExist(t, filepath.Join(dest, "top.txt"))
	mustNotExist(t, filepath.Join(dest, "docs"))
}

func TestExtractExcludes(t *testing.T) {
	h := newHarness(t)
	zp := fixtureZip(t)
	dest := t.TempDir()
	exFile := filepath.Join(t.TempDir(), "exclude.txt")
	if err := os.WriteFile(exFile, []byte("# scratch files\n*.tmp\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := h.run(t, cli.Options{Mode: cli.ModeExtract, Container: zp, Chdir: dest, Exclude: []string{"cache"}, ExcludeFrom: []string{exFile}})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d err = %v", res.ExitCode, res.Err)
	}
	if got := readFile(t, filepath.Join(dest, "docs", "a.txt")); got != "alpha" {
		t.Fatalf("a.txt = %q", got)
	}
	readFile(t, filepath.Join(dest, "top.txt"))
	mustNotExist(t, filepath.Join(dest, "docs", "a.tmp"))
	mustNotExist(t, filepath.Join(dest, "cache"))
}

func TestIsExcluded(t *testing.T) {
	patterns := []string{"*.tmp", "build", "docs/private"}
	tests := map[string]bool{
		"a.tmp":              true,
		"x/y/z.tmp":          true,
		"build":              true,
		"src/build/out.o":    true,
		"docs/private/a.txt": true,
		"docs/public/a.txt":  false,
		"builder/a":          false,
	}
	for p, want := range tests {
		if got := isExcluded(patterns, p); got != want {
			t.Fatalf("isExcluded(%q) = %v, want %v", p, got, want)
		}
	}
}

func writePNGFile(t *testing.T, p string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func decodedSize(t *testing.T, p string) (int, int) {
	t.Helper()
	f, err := os.Open(p)
	if err != nil {
		t.Fatalf("open %s: %v", p, err)
	}
	defer f.Close() //nolint:errcheck
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode %s: %v", p, err)
	}
	return cfg.Width, cfg.Height
}

func TestPreviewLocalFiles(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.png")
	writePNGFile(t, photo, 300, 150)
	blob := filepath.Join(dir, "blob")
	if err := os.WriteFile(blob, []byte{0, 1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "thumbs")

	res := h.run(t, cli.Options{Mode: cli.ModePreview, Size: 100, Output: out, Members: []string{photo, blob, filepath.Join(dir, "missing.png")}})
	if res.ExitCode != ExitWarning {
		t.Fatalf("exit = %d err = %v", res.ExitCode, res.Err)
	}
	if w, hgt := decodedSize(t, filepath.Join(out, "photo.png.png")); w != 100 || hgt != 50 {
		t.Fatalf("thumbnail = %dx%d", w, hgt)
	}
	if !strings.Contains(h.stdout.String(), "icon application-x-generic") {
		t.Fatalf("stdout = %q", h.stdout.String())
	}
	if !strings.Contains(h.stderr.String(), "source unavailable") {
		t.Fatalf("stderr = %q", h.stderr.String())
	}
	mustNotExist(t, filepath.Join(out, "blob.png"))
}

func TestPreviewContainerEntries(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	writePNGFile(t, img, 40, 80)
	body, err := os.ReadFile(img)
	if err != nil {
		t.Fatal(err)
	}
	zp := filepath.Join(dir, "pics.zip")
	archivetest.WriteZip(t, zp, []archivetest.File{{Name: "pics/a.png", Body: string(body)}})
	out := t.TempDir()

	res := h.run(t, cli.Options{Mode: cli.ModePreview, Container: zp, Size: 20, Output: out, Members: []string{"pics/a.png"}})
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d err = %v stderr = %s", res.ExitCode, res.Err, h.stderr.String())
	}
	if w, hgt := decodedSize(t, filepath.Join(out, "a.png.png")); w != 10 || hgt != 20 {
		t.Fatalf("thumbnail = %dx%d", w, hgt)
	}

	res = h.run(t, cli.Options{Mode: cli.ModePreview, Members: []string{zp + "!/pics/a.png"}})
	if res.ExitCode != ExitSuccess || !strings.Contains(h.stdout.String(), "image 40x80") {
		t.Fatalf("member ref exit = %d stdout = %q", res.ExitCode, h.stdout.String())
	}
}

func TestRunFatalErrors(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, cli.Options{Mode: cli.ModeList, Container: filepath.Join(t.TempDir(), "none.zip")})
	if res.ExitCode != ExitFatal || res.Err == nil {
		t.Fatalf("missing container = %+v", res)
	}
	res = h.run(t, cli.Options{Mode: cli.Mode("c")})
	if res.ExitCode != ExitFatal {
		t.Fatalf("unknown mode = %+v", res)
	}
	res = h.run(t, cli.Options{Mode: cli.ModeExtract, Container: fixtureZip(t), Chdir: t.TempDir(), Members: []string{"nope"}})
	if res.ExitCode != ExitFatal {
		t.Fatalf("unknown entry = %+v", res)
	}
}
