package pipeline

import (
	"fmt"
	"image"
	"image/png"
	"os"
)

// SSIM between two PNG files over 8x8 windows of the luma channel, averaged.
// Dimension mismatches compare over the shared top-left region; a structural
// rewrite that changes page size still scores poorly through content drift.
func ssimFiles(pathA, pathB string) (float64, error) {
	a, err := loadGray(pathA)
	if err != nil {
		return 0, err
	}
	b, err := loadGray(pathB)
	if err != nil {
		return 0, err
	}
	return ssim(a, b), nil
}

func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray, nil
}

const (
	ssimWindow = 8
	ssimC1     = 6.5025  // (0.01 * 255)^2
	ssimC2     = 58.5225 // (0.03 * 255)^2
)

func ssim(a, b *image.Gray) float64 {
	w := minInt(a.Bounds().Dx(), b.Bounds().Dx())
	h := minInt(a.Bounds().Dy(), b.Bounds().Dy())
	if w < ssimWindow || h < ssimWindow {
		return 0
	}

	var total float64
	var windows int
	for y := 0; y+ssimWindow <= h; y += ssimWindow {
		for x := 0; x+ssimWindow <= w; x += ssimWindow {
			total += windowSSIM(a, b, x, y)
			windows++
		}
	}
	if windows == 0 {
		return 0
	}
	return total / float64(windows)
}

func windowSSIM(a, b *image.Gray, ox, oy int) float64 {
	const n = ssimWindow * ssimWindow
	var sumA, sumB float64
	for y := 0; y < ssimWindow; y++ {
		for x := 0; x < ssimWindow; x++ {
			sumA += float64(a.GrayAt(ox+x, oy+y).Y)
			sumB += float64(b.GrayAt(ox+x, oy+y).Y)
		}
	}
	muA := sumA / n
	muB := sumB / n

	var varA, varB, cov float64
	for y := 0; y < ssimWindow; y++ {
		for x := 0; x < ssimWindow; x++ {
			da := float64(a.GrayAt(ox+x, oy+y).Y) - muA
			db := float64(b.GrayAt(ox+x, oy+y).Y) - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= n - 1
	varB /= n - 1
	cov /= n - 1

	num := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	den := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	if den == 0 {
		return 1
	}
	return num / den
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
