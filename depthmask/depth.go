// Package depthmask turns a low resolution depth map into a soft alpha mask
// sized for a color frame.
package depthmask

import (
	"fmt"
	"image"
	"math"
)

// Kind describes what the samples of a DepthMap measure.
type Kind int

const (
	// Depth samples are distances in meters.
	Depth Kind = iota
	// Disparity samples are inverse distances (1/m).
	Disparity
)

func (k Kind) String() string {
	switch k {
	case Depth:
		return "depth"
	case Disparity:
		return "disparity"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DepthMap is a single channel float32 buffer in row-major order.
type DepthMap struct {
	Width  int
	Height int
	Data   []float32
	Kind   Kind
}

// NewDepthMap allocates a zeroed depth map.
func NewDepthMap(w, h int, kind Kind) *DepthMap {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &DepthMap{Width: w, Height: h, Data: make([]float32, w*h), Kind: kind}
}

// Size returns the map dimensions as a point.
func (d *DepthMap) Size() image.Point {
	if d == nil {
		return image.Point{}
	}
	return image.Pt(d.Width, d.Height)
}

// Empty reports whether the map has no usable samples.
func (d *DepthMap) Empty() bool {
	return d == nil || d.Width <= 0 || d.Height <= 0 || len(d.Data) < d.Width*d.Height
}

// At returns the sample at x, y. Out of range reads return +Inf.
func (d *DepthMap) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return float32(math.Inf(1))
	}
	return d.Data[y*d.Width+x]
}

// Set stores v at x, y; out of range writes are ignored.
func (d *DepthMap) Set(x, y int, v float32) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return
	}
	d.Data[y*d.Width+x] = v
}

// Clone returns a deep copy.
func (d *DepthMap) Clone() *DepthMap {
	if d == nil {
		return nil
	}
	c := &DepthMap{Width: d.Width, Height: d.Height, Kind: d.Kind, Data: make([]float32, len(d.Data))}
	copy(c.Data, d.Data)
	return c
}

// Clamp clips every sample to [0, 1] in place. +Inf becomes 1, -Inf and NaN
// become 0.
func (d *DepthMap) Clamp() {
	for i, v := range d.Data {
		d.Data[i] = clampSample(v)
	}
}

// ToDepth returns the map expressed as metric depth. Depth maps are cloned
// unchanged; disparity samples are inverted, with non-positive or invalid
// disparity mapped to +Inf.
func (d *DepthMap) ToDepth() *DepthMap {
	out := d.Clone()
	if out == nil || d.Kind == Depth {
		return out
	}
	for i, v := range out.Data {
		f := float64(v)
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			out.Data[i] = float32(math.Inf(1))
			continue
		}
		out.Data[i] = float32(1 / f)
	}
	out.Kind = Depth
	return out
}

func clampSample(v float32) float32 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
