// Package img holds the image utilities used around remote generation:
// aspect-ratio normalization, input downscaling, decode and encode.
package img

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// TargetRatio is the width/height ratio every generated image is normalized to (9:16).
	TargetRatio = 9.0 / 16.0
	// RatioTolerance is how far from TargetRatio an image may be and still count as conforming.
	RatioTolerance = 0.02
	// MaxInputSide is the longest side allowed for images sent to a remote generator.
	MaxInputSide = 1024
)

// NormalizeAspect center-crops src to TargetRatio. Images already within
// RatioTolerance, or whose crop would change a side by at most one pixel,
// are returned unchanged, so the function is idempotent at any size.
func NormalizeAspect(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return src
	}

	current := float64(w) / float64(h)
	if math.Abs(current-TargetRatio) < RatioTolerance {
		return src
	}

	if current > TargetRatio {
		cw := roundSide(float64(h) * TargetRatio)
		if w-cw <= 1 {
			return src
		}
		return imaging.CropCenter(src, cw, h)
	}
	ch := roundSide(float64(w) / TargetRatio)
	if h-ch <= 1 {
		return src
	}
	return imaging.CropCenter(src, w, ch)
}

func roundSide(v float64) int {
	return max(1, int(math.Round(v)))
}

// FitWithin downscales src with Lanczos so its longest side is at most
// maxSide. Smaller images are returned unchanged.
func FitWithin(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return src
	}
	return imaging.Fit(src, maxSide, maxSide, imaging.Lanczos)
}

// Decode reads an encoded image, honouring EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return src, nil
}

// Open loads an image file from disk, honouring EXIF orientation.
func Open(path string) (image.Image, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return src, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// PrepareInput opens the image at path, downscales it to MaxInputSide and
// returns it PNG-encoded, ready to hand to a generator.
func PrepareInput(path string) ([]byte, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	return EncodePNG(FitWithin(src, MaxInputSide))
}
