// Package imaging wraps the raster operations the compositor and splitter
// need: RGB loading, mask blending, alpha compositing, resizing, rotation,
// cropping and JPEG encoding.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"github.com/disintegration/gift"
	"golang.org/x/image/draw"

	_ "image/png" // register PNG decoder
)

// LoadRGB decodes the image at path into 8-bit RGB (opaque NRGBA).
func LoadRGB(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return EnsureRGB(img), nil
}

// LoadNRGBA decodes the image at path keeping its alpha channel.
func LoadNRGBA(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n, nil
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst, nil
}

// EnsureRGB converts any image to opaque 8-bit NRGBA.
func EnsureRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// LoadGray decodes the image at path as a single-channel mask. Multi-band
// sources are collapsed to grayscale.
func LoadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ToGray(img), nil
}

// ToGray collapses an image to one 8-bit channel.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Interpolation selects the resampling kernel.
type Interpolation int

const (
	// Linear is the kernel for face resizes in the LOD pyramid.
	Linear Interpolation = iota
	// Cubic (Catmull-Rom) is the kernel for material and mask resizes.
	Cubic
)

func scaler(interp Interpolation) draw.Scaler {
	if interp == Cubic {
		return draw.CatmullRom
	}
	return draw.BiLinear
}

// ResizeRGB scales img to width×height. A no-op when dimensions already match.
func ResizeRGB(img *image.NRGBA, width, height int, interp Interpolation) *image.NRGBA {
	if img.Bounds().Dx() == width && img.Bounds().Dy() == height {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	scaler(interp).Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizeGray scales a mask to width×height.
func ResizeGray(img *image.Gray, width, height int, interp Interpolation) *image.Gray {
	if img.Bounds().Dx() == width && img.Bounds().Dy() == height {
		return img
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	scaler(interp).Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// BlendWithMask blends material over base channelwise weighted by mask/255.
// All inputs must share dimensions. Math runs in floating point with
// clamp-to-range on the cast back to 8 bits.
func BlendWithMask(base, material *image.NRGBA, mask *image.Gray) *image.NRGBA {
	b := base.Bounds()
	out := image.NewNRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			w := float64(mask.GrayAt(x, y).Y) / 255.0
			bp := base.NRGBAAt(x, y)
			mp := material.NRGBAAt(x, y)

			blend := func(bv, mv uint8) uint8 {
				v := float64(bv)*(1.0-w) + float64(mv)*w
				return uint8(math.Round(math.Min(255, math.Max(0, v))))
			}

			out.SetNRGBA(x, y, color.NRGBA{
				R: blend(bp.R, mp.R),
				G: blend(bp.G, mp.G),
				B: blend(bp.B, mp.B),
				A: 0xff,
			})
		}
	}
	return out
}

// AlphaOver composites src over dst in place using non-premultiplied alpha.
func AlphaOver(dst *image.NRGBA, src image.Image) {
	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			s := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			if s.A == 0 {
				continue
			}
			if s.A == 0xff {
				dst.SetNRGBA(x, y, s)
				continue
			}

			d := dst.NRGBAAt(x, y)
			sa := float64(s.A) / 255.0
			da := float64(d.A) / 255.0
			outA := sa + da*(1.0-sa)

			blend := func(sv, dv uint8) uint8 {
				outPremult := float64(sv)*sa + float64(dv)*da*(1.0-sa)
				return uint8(math.Round(outPremult / outA))
			}

			dst.SetNRGBA(x, y, color.NRGBA{
				R: blend(s.R, d.R),
				G: blend(s.G, d.G),
				B: blend(s.B, d.B),
				A: uint8(math.Round(outA * 255.0)),
			})
		}
	}
}

// FlipHorizontal mirrors img left-to-right.
func FlipHorizontal(img *image.NRGBA) *image.NRGBA {
	return applyFilter(img, gift.FlipHorizontal())
}

// Rotate90CW rotates img a quarter turn clockwise.
func Rotate90CW(img *image.NRGBA) *image.NRGBA {
	return applyFilter(img, gift.Rotate270())
}

// Rotate90CCW rotates img a quarter turn counter-clockwise.
func Rotate90CCW(img *image.NRGBA) *image.NRGBA {
	return applyFilter(img, gift.Rotate90())
}

// Crop extracts the rectangle at (x0,y0) with the given size.
func Crop(img *image.NRGBA, x0, y0, width, height int) *image.NRGBA {
	return applyFilter(img, gift.Crop(image.Rect(x0, y0, x0+width, y0+height)))
}

func applyFilter(img *image.NRGBA, filters ...gift.Filter) *image.NRGBA {
	g := gift.New(filters...)
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// EncodeJPEG encodes img at the given quality. No metadata is emitted.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
