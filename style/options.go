package style

import (
	"encoding/json"
	"os"
	"strings"
)

// Options configures how a style model is fed and read.
type Options struct {
	// Path to the onnxruntime shared library. When empty the
	// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable is used.
	ORTSharedLibraryPath string

	InputName  string
	IndexName  string
	OutputName string

	InputWidth  int
	InputHeight int

	// StyleIndex fills the one-element style selector input.
	StyleIndex float32

	// InputLayout is "NCHW" or "NHWC".
	InputLayout string
	// ColorOrder is "RGB" or "BGR".
	ColorOrder string
	// PixelRange is "0_255" or "0_1" and applies to input and output.
	PixelRange string
}

// DefaultOptions matches the bundled style models: 256x256 BGR input in
// 0..255 plus a style index of 1.
func DefaultOptions() Options {
	return Options{
		InputName:   "image",
		IndexName:   "index",
		OutputName:  "stylizedImage",
		InputWidth:  256,
		InputHeight: 256,
		StyleIndex:  1,
		InputLayout: "NCHW",
		ColorOrder:  "BGR",
		PixelRange:  "0_255",
	}
}

func (o Options) nhwc() bool { return strings.EqualFold(strings.TrimSpace(o.InputLayout), "NHWC") }
func (o Options) bgr() bool  { return strings.EqualFold(strings.TrimSpace(o.ColorOrder), "BGR") }
func (o Options) unit() bool { return strings.TrimSpace(o.PixelRange) == "0_1" }

// ModelConfig is the optional per-model JSON sidecar.
type ModelConfig struct {
	Inputs struct {
		Image string `json:"image"`
		Index string `json:"index"`
	} `json:"inputs"`
	Output     string  `json:"output"`
	InputSize  []int   `json:"input_size"`
	Layout     string  `json:"layout"`
	ColorOrder string  `json:"color_order"`
	PixelRange string  `json:"pixel_range"`
	StyleIndex float32 `json:"style_index"`
}

// LoadModelConfig reads a sidecar file.
func LoadModelConfig(path string) (*ModelConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var mc ModelConfig
	if err := json.NewDecoder(f).Decode(&mc); err != nil {
		return nil, err
	}
	return &mc, nil
}

// ApplyToOptions overrides the fields the sidecar sets.
func (mc *ModelConfig) ApplyToOptions(opts *Options) {
	if mc == nil || opts == nil {
		return
	}
	if mc.Inputs.Image != "" {
		opts.InputName = mc.Inputs.Image
	}
	if mc.Inputs.Index != "" {
		opts.IndexName = mc.Inputs.Index
	}
	if mc.Output != "" {
		opts.OutputName = mc.Output
	}
	// [H, W] or [C, H, W]
	switch len(mc.InputSize) {
	case 2:
		opts.InputHeight, opts.InputWidth = mc.InputSize[0], mc.InputSize[1]
	case 3:
		opts.InputHeight, opts.InputWidth = mc.InputSize[1], mc.InputSize[2]
	}
	if mc.Layout != "" {
		opts.InputLayout = mc.Layout
	}
	if mc.ColorOrder != "" {
		opts.ColorOrder = mc.ColorOrder
	}
	if mc.PixelRange != "" {
		opts.PixelRange = mc.PixelRange
	}
	if mc.StyleIndex != 0 {
		opts.StyleIndex = mc.StyleIndex
	}
}
