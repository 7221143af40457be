package style

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// encodeFrame resizes img to the model input and flattens it into a float
// tensor following opts.
func encodeFrame(img image.Image, opts Options) []float32 {
	w, h := opts.InputWidth, opts.InputHeight
	src := flatten(img)
	var dst image.Image = src
	if src.Rect.Dx() != w || src.Rect.Dy() != h {
		dst = resize.Resize(uint(w), uint(h), src, resize.Bicubic)
	}

	n := w * h
	data := make([]float32, 3*n)
	scale := float32(1)
	if opts.unit() {
		scale = 1.0 / 255
	}
	b := dst.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(dst.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			ch := [3]float32{float32(c.R) * scale, float32(c.G) * scale, float32(c.B) * scale}
			if opts.bgr() {
				ch[0], ch[2] = ch[2], ch[0]
			}
			p := y*w + x
			if opts.nhwc() {
				data[3*p], data[3*p+1], data[3*p+2] = ch[0], ch[1], ch[2]
			} else {
				data[p], data[n+p], data[2*n+p] = ch[0], ch[1], ch[2]
			}
		}
	}
	return data
}

// decodeFrame turns a model output tensor back into an image of size out.
func decodeFrame(data []float32, opts Options, out image.Point) (image.Image, error) {
	w, h := opts.InputWidth, opts.InputHeight
	n := w * h
	if len(data) < 3*n {
		return nil, fmt.Errorf("%w: output has %d values, want %d", ErrNoResult, len(data), 3*n)
	}
	scale := float32(1)
	if opts.unit() {
		scale = 255
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for p := 0; p < n; p++ {
		var ch [3]float32
		if opts.nhwc() {
			ch = [3]float32{data[3*p], data[3*p+1], data[3*p+2]}
		} else {
			ch = [3]float32{data[p], data[n+p], data[2*n+p]}
		}
		if opts.bgr() {
			ch[0], ch[2] = ch[2], ch[0]
		}
		i := p * 4
		img.Pix[i] = toByte(ch[0] * scale)
		img.Pix[i+1] = toByte(ch[1] * scale)
		img.Pix[i+2] = toByte(ch[2] * scale)
		img.Pix[i+3] = 0xff
	}
	if out.X <= 0 || out.Y <= 0 || out == img.Rect.Size() {
		return img, nil
	}
	return resize.Resize(uint(out.X), uint(out.Y), img, resize.Bicubic), nil
}

// flatten draws img onto an opaque RGBA canvas with a zero origin.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, image.Black, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Over)
	return dst
}

func toByte(v float32) uint8 {
	if v != v {
		return 0
	}
	return uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
}
