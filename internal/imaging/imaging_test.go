package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadRGBForcesOpaque(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "half.png")
	writePNG(t, path, solid(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 128}))

	img, err := LoadRGB(path)
	require.NoError(t, err)
	got := img.NRGBAAt(1, 1)
	assert.EqualValues(t, 0xff, got.A)
}

func TestBlendWithMask(t *testing.T) {
	base := solid(2, 2, color.NRGBA{R: 0, G: 0, B: 0, A: 255})
	material := solid(2, 2, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.SetGray(0, 0, color.Gray{Y: 0})   // keep base
	mask.SetGray(1, 0, color.Gray{Y: 255}) // full material
	mask.SetGray(0, 1, color.Gray{Y: 128}) // half blend
	mask.SetGray(1, 1, color.Gray{Y: 128})

	out := BlendWithMask(base, material, mask)

	assert.Equal(t, color.NRGBA{A: 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 200, G: 100, B: 50, A: 255}, out.NRGBAAt(1, 0))

	half := out.NRGBAAt(0, 1)
	assert.InDelta(t, 100, int(half.R), 1)
	assert.InDelta(t, 50, int(half.G), 1)
	assert.InDelta(t, 25, int(half.B), 1)
}

func TestAlphaOver(t *testing.T) {
	dst := solid(2, 2, color.NRGBA{R: 0, G: 0, B: 0, A: 255})
	src := solid(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 128})

	AlphaOver(dst, src)

	got := dst.NRGBAAt(0, 0)
	assert.InDelta(t, 128, int(got.R), 2)
	assert.EqualValues(t, 255, got.A)
}

func TestResizeRGBNoopOnSameSize(t *testing.T) {
	img := solid(8, 8, color.NRGBA{R: 1, A: 255})
	assert.Same(t, img, ResizeRGB(img, 8, 8, Linear))

	resized := ResizeRGB(img, 4, 4, Linear)
	assert.Equal(t, 4, resized.Bounds().Dx())
	assert.Equal(t, 4, resized.Bounds().Dy())
}

func TestFlipHorizontal(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 200, A: 255})

	flipped := FlipHorizontal(img)
	assert.EqualValues(t, 200, flipped.NRGBAAt(0, 0).R)
	assert.EqualValues(t, 10, flipped.NRGBAAt(1, 0).R)
}

func TestRotations(t *testing.T) {
	// 2x1 image: left red, right green.
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})

	cw := Rotate90CW(img)
	require.Equal(t, image.Rect(0, 0, 1, 2), cw.Bounds())
	// clockwise: left pixel moves to the top
	assert.EqualValues(t, 255, cw.NRGBAAt(0, 0).R)
	assert.EqualValues(t, 255, cw.NRGBAAt(0, 1).G)

	ccw := Rotate90CCW(img)
	require.Equal(t, image.Rect(0, 0, 1, 2), ccw.Bounds())
	// counter-clockwise: right pixel moves to the top
	assert.EqualValues(t, 255, ccw.NRGBAAt(0, 0).G)
	assert.EqualValues(t, 255, ccw.NRGBAAt(0, 1).R)
}

func TestCrop(t *testing.T) {
	img := solid(4, 4, color.NRGBA{R: 7, A: 255})
	img.SetNRGBA(2, 3, color.NRGBA{B: 9, A: 255})

	crop := Crop(img, 2, 2, 2, 2)
	require.Equal(t, image.Rect(0, 0, 2, 2), crop.Bounds())
	assert.EqualValues(t, 9, crop.NRGBAAt(0, 1).B)
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(solid(16, 16, color.NRGBA{R: 128, G: 64, B: 32, A: 255}), 80)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}
