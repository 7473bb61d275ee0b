package preview

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"
)

// Decoder renders an input at roughly the requested size. The generator
// scales whatever it returns to fit the box.
type Decoder interface {
	Decode(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error)
}

type DecoderFunc func(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error)

func (f DecoderFunc) Decode(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error) {
	return f(ctx, in, maxW, maxH)
}

// CommandRunner runs an external decoder and returns its standard output.
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrNoBackend)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// RasterDecoder decodes still images with the registered image formats.
type RasterDecoder struct {
	// MaxPixels rejects images whose declared size exceeds it; 0 means no
	// limit.
	MaxPixels int64
	// Budget, when set, is shared by every worker. A decode holds one unit
	// per declared pixel, capped at the budget's size, until the image has
	// been scaled down.
	Budget *PixelBudget
}

// PixelBudget bounds how many full-size decoded pixels live at once.
type PixelBudget struct {
	sem  *semaphore.Weighted
	size int64
}

func NewPixelBudget(pixels int64) *PixelBudget {
	return &PixelBudget{sem: semaphore.NewWeighted(pixels), size: pixels}
}

func (b *PixelBudget) acquire(ctx context.Context, pixels int64) (func(), error) {
	if b == nil || b.size <= 0 {
		return func() {}, nil
	}
	n := min(pixels, b.size)
	if err := b.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return func() { b.sem.Release(n) }, nil
}

func (d RasterDecoder) Decode(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error) {
	rc, err := in.Open()
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bufio.NewReader(rc))
	_ = rc.Close()
	if err != nil {
		return nil, err
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if d.MaxPixels > 0 && pixels > d.MaxPixels {
		return nil, fmt.Errorf("%s image %dx%d exceeds %d pixels", format, cfg.Width, cfg.Height, d.MaxPixels)
	}
	release, err := d.Budget.acquire(ctx, pixels)
	if err != nil {
		return nil, err
	}
	defer release()

	rc, err = in.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	img, _, err := image.Decode(bufio.NewReader(rc))
	if err != nil {
		return nil, err
	}
	return Scale(img, maxW, maxH), nil
}

// VideoDecoder grabs a representative frame with ffmpeg.
type VideoDecoder struct {
	Runner CommandRunner
	Binary string
	// Offset is where the frame is taken, in ffmpeg time syntax.
	Offset string
}

func (d VideoDecoder) Decode(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error) {
	if d.Runner == nil || d.Binary == "" {
		return nil, ErrNoBackend
	}
	p, err := in.File()
	if err != nil {
		return nil, err
	}
	offset := d.Offset
	if offset == "" {
		offset = "1"
	}
	out, err := d.Runner.Output(ctx, d.Binary, frameArgs(p, offset, maxW, maxH)...)
	if err == nil && len(out) == 0 {
		// Clips shorter than the offset yield no frame.
		out, err = d.Runner.Output(ctx, d.Binary, frameArgs(p, "", maxW, maxH)...)
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no video frame decoded")
	}
	return png.Decode(bytes.NewReader(out))
}

func frameArgs(file, offset string, maxW, maxH int) []string {
	args := []string{"-v", "error", "-nostdin"}
	if offset != "" {
		args = append(args, "-ss", offset)
	}
	args = append(args, "-i", file, "-frames:v", "1")
	if maxW > 0 && maxH > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", maxW, maxH))
	}
	return append(args, "-f", "image2pipe", "-c:v", "png", "-")
}

// DocumentDecoder renders the first page of a document. PDFs go through
// pdftoppm; plain text is drawn with a fixed bitmap font.
type DocumentDecoder struct {
	Runner   CommandRunner
	PDFToPPM string
	// TextColumns and TextRows bound the rendered text page.
	TextColumns int
	TextRows    int
}

func (d DocumentDecoder) Decode(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error) {
	head, err := in.Head(SniffLen)
	if err != nil {
		return nil, err
	}
	_, mt := Detect(in.Name, head)
	base, _, _ := strings.Cut(mt, ";")
	switch {
	case base == "application/pdf":
		return d.renderPDF(ctx, in, maxW, maxH)
	case strings.HasPrefix(base, "text/"), base == "application/json", base == "application/xml", base == "application/yaml":
		return d.renderText(in)
	default:
		return nil, fmt.Errorf("%s: %w", base, ErrNoBackend)
	}
}

func (d DocumentDecoder) renderPDF(ctx context.Context, in *Input, maxW, maxH int) (image.Image, error) {
	if d.Runner == nil || d.PDFToPPM == "" {
		return nil, ErrNoBackend
	}
	p, err := in.File()
	if err != nil {
		return nil, err
	}
	args := []string{"-png", "-f", "1", "-l", "1", "-singlefile"}
	if side := max(maxW, maxH); side > 0 {
		args = append(args, "-scale-to", strconv.Itoa(side))
	}
	out, err := d.Runner.Output(ctx, d.PDFToPPM, append(args, p)...)
	if err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(out))
}

const maxTextBytes = 64 * 1024

func (d DocumentDecoder) renderText(in *Input) (image.Image, error) {
	cols, rows := d.TextColumns, d.TextRows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 50
	}
	rc, err := in.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	raw, err := io.ReadAll(io.LimitReader(rc, maxTextBytes))
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(raw) && !utf8.Valid(raw[:max(0, len(raw)-utf8.UTFMax)]) {
		return nil, errors.New("text is not valid utf-8")
	}

	face := basicfont.Face7x13
	const margin = 8
	width := cols*face.Advance + 2*margin
	height := rows*face.Height + 2*margin
	page := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	dr := &font.Drawer{Dst: page, Src: image.NewUniform(color.Black), Face: face}
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	for i, line := range lines {
		if i >= rows {
			break
		}
		line = strings.ReplaceAll(line, "\t", "    ")
		if utf8.RuneCountInString(line) > cols {
			line = string([]rune(line)[:cols])
		}
		dr.Dot = fixed.P(margin, margin+face.Ascent+i*face.Height)
		dr.DrawString(line)
	}
	return page, nil
}
