// Package imaging prepares still frames for the detection and screenshot
// services: downscaling, cropping, colour enhancement and JPEG encoding.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
)

// ErrEmptyRegion is returned when a crop does not overlap the image.
var ErrEmptyRegion = errors.New("crop region is empty")

// Clone copies img into a fresh NRGBA with its origin at 0,0.
func Clone(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// FitWidth returns a copy of img no wider than maxWidth, keeping the aspect
// ratio. Images that already fit are copied unscaled.
func FitWidth(img image.Image, maxWidth int) *image.NRGBA {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return Clone(img)
	}

	h := int(math.Round(float64(b.Dy()) * float64(maxWidth) / float64(b.Dx())))
	if h < 1 {
		h = 1
	}
	out := image.NewNRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// Crop copies the part of img inside r. r is in img's coordinate space and
// is clipped to the image bounds.
func Crop(img image.Image, r image.Rectangle) (*image.NRGBA, error) {
	r = r.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return nil, ErrEmptyRegion
	}
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out, nil
}

// Saturate scales the HSL saturation of every pixel by factor, clamped to 1.
// The image is modified in place; alpha is untouched.
func Saturate(img *image.NRGBA, factor float64) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			row[i], row[i+1], row[i+2] = saturatePixel(row[i], row[i+1], row[i+2], factor)
		}
	}
}

func saturatePixel(r8, g8, b8 uint8, factor float64) (uint8, uint8, uint8) {
	r, g, b := float64(r8), float64(g8), float64(b8)
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	l := (hi + lo) / 2 / 255

	var h, s float64
	if hi != lo {
		d := hi - lo
		if l > 0.5 {
			s = d / (510 - hi - lo)
		} else {
			s = d / (hi + lo)
		}
		switch hi {
		case r:
			h = (g - b) / d
			if g < b {
				h += 6
			}
		case g:
			h = (b-r)/d + 2
		default:
			h = (r-g)/d + 4
		}
		h /= 6
	}

	s = math.Min(1, s*factor)

	if s == 0 {
		v := toByte(l * 255)
		return v, v, v
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return toByte(hueToRGB(p, q, h+1.0/3) * 255),
		toByte(hueToRGB(p, q, h) * 255),
		toByte(hueToRGB(p, q, h-1.0/3) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}

func toByte(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJPEGBase64 encodes img as JPEG and returns it base64 encoded,
// without a data URL prefix.
func EncodeJPEGBase64(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
