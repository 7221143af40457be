// artycomp renders one photo offline: a color image and its depth file go
// through the same filter, mask and composite path as the live camera.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/stevecastle/artycam/capture"
	"github.com/stevecastle/artycam/composite"
	"github.com/stevecastle/artycam/deps"
	"github.com/stevecastle/artycam/depthmask"
	"github.com/stevecastle/artycam/pipeline"
	"github.com/stevecastle/artycam/platform"
	"github.com/stevecastle/artycam/style"
)

func main() {
	inPath := flag.String("in", "", "input color image path (PNG/JPEG/WEBP)")
	depthPath := flag.String("depth", "", "depth file: .adf float32 meters or a grayscale image")
	outPath := flag.String("out", "artycam.png", "output path (.png or .jpg)")
	maskOut := flag.String("mask-out", "", "optional path to write the depth mask as PNG")

	filterID := flag.String("filter", "none", "filter: none|night|stainedglass|roof")
	modeName := flag.String("mode", "whole", "image mode: whole|foreground|background")
	intensity := flag.Float64("intensity", depthmask.DefaultIntensity, "mask intensity in meters (0..5)")
	depthRange := flag.Float64("depth-range", 5, "meters represented by full-scale gray in image depth files")

	modelDir := flag.String("models", filepath.Join(platform.GetDataDir(), "models"), "directory holding <filter>.onnx models")
	ortPath := flag.String("ort", "", "onnxruntime shared library (defaults to the managed install)")
	quality := flag.Int("quality", 92, "JPEG quality")

	flag.Parse()
	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: --in <image> [--depth <depth>] [--filter night] [--mode background] [--out out.png]")
		os.Exit(2)
	}

	filter, err := style.ParseFilter(*filterID)
	if err != nil {
		fail(err)
	}
	mode, err := composite.ParseMode(*modeName)
	if err != nil {
		fail(err)
	}
	if err := depthmask.ValidIntensity(*intensity); err != nil {
		fail(err)
	}

	img, err := loadImage(*inPath)
	if err != nil {
		fail(fmt.Errorf("failed to load input image: %w", err))
	}

	slot := &capture.DepthSlot{}
	if *depthPath != "" {
		d, err := depthmask.ReadDepth(*depthPath, *depthRange)
		if err != nil {
			fail(fmt.Errorf("failed to load depth: %w", err))
		}
		slot.Store(&capture.DepthFrame{Map: d})
	} else if mode.Masked() {
		fmt.Fprintf(os.Stderr, "no --depth given, rendering %s over the whole frame\n", filter)
	}

	engine := style.NewEngine()
	defer engine.Close()
	if filter != style.None {
		lib := *ortPath
		if lib == "" {
			lib = deps.RuntimeLibraryPath(deps.Options{})
		}
		if err := style.InitRuntime(lib); err != nil {
			fail(err)
		}
		defer style.ShutdownRuntime()
		if _, err := engine.LoadModels(*modelDir, style.DefaultOptions()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		if !engine.Available(filter) {
			fail(fmt.Errorf("no model for %s in %s", filter, *modelDir))
		}
	}

	p := pipeline.New(engine, slot, nil, pipeline.Options{})
	r := p.Render(context.Background(), img, pipeline.Settings{Filter: filter, Mode: mode, Intensity: *intensity})
	if r.Mode != mode {
		fmt.Fprintf(os.Stderr, "rendered %s instead of %s\n", r.Mode, mode)
	}

	if err := saveImage(*outPath, r.Image, *quality); err != nil {
		fail(err)
	}
	if *maskOut != "" && r.Mask != nil {
		if err := saveImage(*maskOut, composite.MaskImage(r.Mask), 0); err != nil {
			fail(err)
		}
	}
	fmt.Printf("wrote %s (%dx%d, %s, %s)\n", *outPath, r.Image.Bounds().Dx(), r.Image.Bounds().Dy(), filter, r.Mode)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func saveImage(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
