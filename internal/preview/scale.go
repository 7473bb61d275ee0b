package preview

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Fit returns the largest size with the aspect ratio of w x h that fits in
// maxW x maxH. Images are never enlarged.
func Fit(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if maxW <= 0 {
		maxW = w
	}
	if maxH <= 0 {
		maxH = h
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	fw := max(1, int(math.Round(float64(w)*scale)))
	fh := max(1, int(math.Round(float64(h)*scale)))
	return min(fw, maxW), min(fh, maxH)
}

// Scale renders src into a new RGBA image that fits maxW x maxH.
func Scale(src image.Image, maxW, maxH int) *image.RGBA {
	b := src.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxW, maxH)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	// CatmullRom reads every source pixel; large reductions sample instead.
	var s draw.Scaler = draw.CatmullRom
	if b.Dx() >= 4*w || b.Dy() >= 4*h {
		s = draw.ApproxBiLinear
	}
	s.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// cloneImage copies src into a fresh RGBA with the same bounds.
func cloneImage(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}
