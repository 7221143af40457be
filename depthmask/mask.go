package depthmask

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/stat"
)

const (
	// Slope is the gain of the linear ramp applied to clamped depth.
	Slope = 3.0
	// TransitionWidth widens the ramp beyond the 2/Slope it spans at full gain.
	TransitionWidth = 0.1

	MinIntensity     = 0.3
	MaxIntensity     = 1.0
	DefaultIntensity = 0.7
)

var (
	ErrEmptyDepth       = errors.New("depthmask: depth map is empty")
	ErrIntensityOutside = fmt.Errorf("depthmask: intensity must be within [%.1f, %.1f]", MinIntensity, MaxIntensity)
)

// FilterWidth is the depth span of the transition band.
func FilterWidth() float64 {
	return 2/Slope + TransitionWidth
}

// Bias returns the offset of the ramp for the given masking intensity.
func Bias(intensity float64) float64 {
	return -Slope * (intensity - FilterWidth()/2)
}

// ClampIntensity pins v into the accepted intensity range.
func ClampIntensity(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultIntensity
	}
	return math.Max(MinIntensity, math.Min(MaxIntensity, v))
}

// ValidIntensity returns ErrIntensityOutside when v cannot be used as is.
func ValidIntensity(v float64) error {
	if math.IsNaN(v) || v < MinIntensity || v > MaxIntensity {
		return fmt.Errorf("%w: got %v", ErrIntensityOutside, v)
	}
	return nil
}

// ScaleFactor is the ratio between the longest color and depth dimensions.
func ScaleFactor(color, depth image.Point) float64 {
	dm := max(depth.X, depth.Y)
	if dm <= 0 {
		return 0
	}
	return float64(max(color.X, color.Y)) / float64(dm)
}

// Ramp maps a single depth sample to its mask weight.
func Ramp(depth float32, intensity float64) float64 {
	v := Slope*float64(clampSample(depth)) + Bias(intensity)
	return math.Max(0, math.Min(1, v))
}

// Generate builds the mask for a color frame of size colorSize. The depth map
// is not modified. A zero colorSize keeps the depth resolution.
func Generate(d *DepthMap, intensity float64, colorSize image.Point) (*image.Gray16, error) {
	if d.Empty() {
		return nil, ErrEmptyDepth
	}
	intensity = ClampIntensity(intensity)

	src := d
	if d.Kind != Depth {
		src = d.ToDepth()
	}

	mask := image.NewGray16(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		row := src.Data[y*src.Width : (y+1)*src.Width]
		for x, v := range row {
			mask.SetGray16(x, y, color.Gray16{Y: toGray16(Ramp(v, intensity))})
		}
	}

	scale := ScaleFactor(colorSize, src.Size())
	if scale <= 0 {
		return mask, nil
	}
	w := int(math.Round(float64(src.Width) * scale))
	h := int(math.Round(float64(src.Height) * scale))
	if w == src.Width && h == src.Height {
		return mask, nil
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("depthmask: scale %v collapses %dx%d", scale, src.Width, src.Height)
	}
	return toGray16Image(resize.Resize(uint(w), uint(h), mask, resize.Bicubic)), nil
}

// Weight reads the mask at x, y as a value in [0, 1]. Pixels outside the
// mask weigh 0.
func Weight(m *image.Gray16, x, y int) float64 {
	if m == nil || !(image.Point{X: x, Y: y}).In(m.Rect) {
		return 0
	}
	return float64(m.Gray16At(x, y).Y) / 0xffff
}

// Coverage is the mean mask weight, i.e. the fraction of the frame that sits
// beyond the masking threshold.
func Coverage(m *image.Gray16) float64 {
	if m == nil || m.Rect.Empty() {
		return 0
	}
	b := m.Rect
	weights := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			weights = append(weights, Weight(m, x, y))
		}
	}
	return stat.Mean(weights, nil)
}

func toGray16(v float64) uint16 {
	return uint16(math.Round(math.Max(0, math.Min(1, v)) * 0xffff))
}

func toGray16Image(img image.Image) *image.Gray16 {
	if g, ok := img.(*image.Gray16); ok {
		return g
	}
	b := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x-b.Min.X, y-b.Min.Y, color.Gray16Model.Convert(img.At(x, y)))
		}
	}
	return out
}
