// Package composite blends a stylized frame with the original through a
// depth mask.
package composite

import (
	"image"
	"image/color"

	"github.com/stevecastle/artycam/depthmask"
	xdraw "golang.org/x/image/draw"
)

// Blend computes mask*a + (1-mask)*b for every pixel of a. The mask is
// anchored at a's origin; pixels it does not cover weigh 0. b is rescaled to
// a's size when they differ.
func Blend(a, b image.Image, mask *image.Gray16) *image.RGBA {
	ra := toRGBA(a, a.Bounds().Size())
	rb := toRGBA(b, ra.Rect.Size())
	out := image.NewRGBA(ra.Rect)

	w, h := ra.Rect.Dx(), ra.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var m uint32
			if mask != nil {
				p := image.Pt(mask.Rect.Min.X+x, mask.Rect.Min.Y+y)
				if p.In(mask.Rect) {
					m = uint32(mask.Gray16At(p.X, p.Y).Y)
				}
			}
			i := y*ra.Stride + x*4
			j := y*rb.Stride + x*4
			for c := 0; c < 4; c++ {
				out.Pix[i+c] = mix(ra.Pix[i+c], rb.Pix[j+c], m)
			}
		}
	}
	return out
}

// Apply composites according to mode. A nil mask, or the Whole mode, yields
// the filtered frame unchanged. Masked output always has the original's
// size; a filtered frame of another size is rescaled first.
func Apply(mode Mode, original, filtered image.Image, mask *image.Gray16) image.Image {
	if mask == nil || !mode.Masked() {
		return filtered
	}
	filtered = Fit(filtered, original.Bounds().Size())
	switch mode {
	case Background:
		// mask weighs pixels beyond the threshold, which is the background.
		return Blend(filtered, original, mask)
	default:
		return Blend(original, filtered, mask)
	}
}

// MaskImage renders a mask as an 8-bit grayscale picture.
func MaskImage(mask *image.Gray16) *image.Gray {
	if mask == nil {
		return image.NewGray(image.Rectangle{})
	}
	out := image.NewGray(image.Rect(0, 0, mask.Rect.Dx(), mask.Rect.Dy()))
	for y := 0; y < out.Rect.Dy(); y++ {
		for x := 0; x < out.Rect.Dx(); x++ {
			w := depthmask.Weight(mask, mask.Rect.Min.X+x, mask.Rect.Min.Y+y)
			out.SetGray(x, y, color.Gray{Y: uint8(w*255 + 0.5)})
		}
	}
	return out
}

func mix(a, b uint8, m uint32) uint8 {
	return uint8((uint32(a)*m + uint32(b)*(0xffff-m) + 0x7fff) / 0xffff)
}

// Fit returns img unchanged when it already has the given size, otherwise a
// CatmullRom-scaled copy with a zero origin.
func Fit(img image.Image, size image.Point) image.Image {
	if img.Bounds().Size() == size {
		return img
	}
	return toRGBA(img, size)
}

// toRGBA returns img as an RGBA image of the given size with a zero origin,
// scaling with CatmullRom when the size differs.
func toRGBA(img image.Image, size image.Point) *image.RGBA {
	b := img.Bounds()
	if r, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && b.Size() == size {
		return r
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	if b.Size() == size {
		xdraw.Draw(dst, dst.Rect, img, b.Min, xdraw.Src)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Rect, img, b, xdraw.Src, nil)
	}
	return dst
}
