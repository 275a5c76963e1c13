package img

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func createTestImage(t *testing.T, path string, w, h int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, newTestImage(w, h)))
	require.NoError(t, f.Close())
}

func size(img image.Image) (int, int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestNormalizeAspect_ConformingUnchanged(t *testing.T) {
	src := newTestImage(900, 1600)
	got := NormalizeAspect(src)
	assert.True(t, got == image.Image(src), "conforming image must be returned as is")
}

func TestNormalizeAspect_WithinTolerance(t *testing.T) {
	// 0.57 is within 0.02 of 0.5625
	src := newTestImage(570, 1000)
	got := NormalizeAspect(src)
	w, h := size(got)
	assert.Equal(t, 570, w)
	assert.Equal(t, 1000, h)
}

func TestNormalizeAspect_WideIsCroppedHorizontally(t *testing.T) {
	got := NormalizeAspect(newTestImage(1600, 900))
	w, h := size(got)
	assert.Equal(t, 506, w)
	assert.Equal(t, 900, h)
}

func TestNormalizeAspect_TallIsCroppedVertically(t *testing.T) {
	got := NormalizeAspect(newTestImage(900, 2000))
	w, h := size(got)
	assert.Equal(t, 900, w)
	assert.Equal(t, 1600, h)
}

func TestNormalizeAspect_Idempotent(t *testing.T) {
	for _, dims := range [][2]int{{1600, 900}, {1024, 1024}, {300, 1200}, {1000, 1777}} {
		once := NormalizeAspect(newTestImage(dims[0], dims[1]))
		twice := NormalizeAspect(once)

		w1, h1 := size(once)
		w2, h2 := size(twice)
		assert.Equal(t, w1, w2, "width for %v", dims)
		assert.Equal(t, h1, h2, "height for %v", dims)
		assert.Less(t, math.Abs(float64(w1)/float64(h1)-TargetRatio), RatioTolerance, "ratio for %v", dims)
	}
}

func TestNormalizeAspect_SmallImagesIdempotent(t *testing.T) {
	for _, dims := range [][2]int{{100, 2}, {10, 100}, {1000, 17}, {1, 1}, {2, 1}} {
		once := NormalizeAspect(newTestImage(dims[0], dims[1]))
		twice := NormalizeAspect(once)

		assert.True(t, twice == once, "second pass must not crop %v", dims)
		w, h := size(once)
		assert.GreaterOrEqual(t, w, 1, "width for %v", dims)
		assert.GreaterOrEqual(t, h, 1, "height for %v", dims)
	}

	w, h := size(NormalizeAspect(newTestImage(100, 2)))
	assert.Equal(t, 1, w)
	assert.Equal(t, 2, h)
	w, h = size(NormalizeAspect(newTestImage(10, 100)))
	assert.Equal(t, 10, w)
	assert.Equal(t, 18, h)
}

func TestFitWithin(t *testing.T) {
	w, h := size(FitWithin(newTestImage(2048, 1024), MaxInputSide))
	assert.Equal(t, 1024, w)
	assert.Equal(t, 512, h)

	small := newTestImage(800, 600)
	assert.True(t, FitWithin(small, MaxInputSide) == image.Image(small))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := EncodePNG(newTestImage(40, 20))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	w, h := size(got)
	assert.Equal(t, 40, w)
	assert.Equal(t, 20, h)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("not an image"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "decode"))
}

func TestPrepareInput_Downscales(t *testing.T) {
	path := filepath.Join(t.TempDir(), "person.png")
	createTestImage(t, path, 1200, 2400)

	data, err := PrepareInput(path)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	w, h := size(got)
	assert.Equal(t, 512, w)
	assert.Equal(t, 1024, h)
}

func TestPrepareInput_MissingFile(t *testing.T) {
	_, err := PrepareInput(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}
