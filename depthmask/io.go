package depthmask

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// adfMagic prefixes raw depth files: magic, uint32 width, uint32 height,
// then width*height little-endian float32 samples.
var adfMagic = [4]byte{'A', 'D', 'F', '1'}

// maxADFSamples bounds allocations when reading untrusted headers.
const maxADFSamples = 1 << 26

var ErrBadDepthFile = errors.New("depthmask: unrecognized depth file")

// ReadDepth loads a depth map from path. ".adf" files hold raw float32 depth;
// anything else is decoded as an image whose full-scale gray value equals
// pngRange meters (1 when pngRange <= 0).
func ReadDepth(path string, pngRange float64) (*DepthMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".adf") {
		d, err := DecodeADF(bufio.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return d, nil
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return FromImage(img, pngRange), nil
}

// WriteDepth stores d at path in the raw ".adf" layout.
func WriteDepth(path string, d *DepthMap) error {
	var buf bytes.Buffer
	if err := EncodeADF(&buf, d); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// DecodeADF reads a raw depth map.
func DecodeADF(r io.Reader) (*DepthMap, error) {
	var hdr struct {
		Magic  [4]byte
		Width  uint32
		Height uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDepthFile, err)
	}
	if hdr.Magic != adfMagic {
		return nil, ErrBadDepthFile
	}
	n := uint64(hdr.Width) * uint64(hdr.Height)
	if n == 0 || n > maxADFSamples {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDepthFile, hdr.Width, hdr.Height)
	}
	d := NewDepthMap(int(hdr.Width), int(hdr.Height), Depth)
	if err := binary.Read(r, binary.LittleEndian, d.Data); err != nil {
		return nil, fmt.Errorf("%w: short sample data: %v", ErrBadDepthFile, err)
	}
	return d, nil
}

// EncodeADF writes d as metric depth.
func EncodeADF(w io.Writer, d *DepthMap) error {
	if d.Empty() {
		return ErrEmptyDepth
	}
	src := d.ToDepth()
	hdr := struct {
		Magic  [4]byte
		Width  uint32
		Height uint32
	}{adfMagic, uint32(src.Width), uint32(src.Height)}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, src.Data[:src.Width*src.Height])
}

// FromImage converts a grayscale depth image to metric depth.
func FromImage(img image.Image, fullScale float64) *DepthMap {
	if fullScale <= 0 || math.IsNaN(fullScale) {
		fullScale = 1
	}
	b := img.Bounds()
	d := NewDepthMap(b.Dx(), b.Dy(), Depth)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			d.Set(x-b.Min.X, y-b.Min.Y, float32(float64(g.Y)/0xffff*fullScale))
		}
	}
	return d
}
