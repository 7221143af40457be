package main

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"runtime"
)

const iconSize = 32

// drawIcon renders a lens: a dark ring around a depth-shaded pupil.
func drawIcon() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, iconSize, iconSize))
	c := float64(iconSize-1) / 2
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			d := math.Hypot(float64(x)-c, float64(y)-c)
			switch {
			case d > c:
			case d > c-3:
				img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
			default:
				v := uint8(255 - 180*d/c)
				img.SetNRGBA(x, y, color.NRGBA{R: v / 3, G: v / 2, B: v, A: 255})
			}
		}
	}
	return img
}

// trayIcon returns PNG bytes, wrapped in an ICO container on Windows.
func trayIcon() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, drawIcon()); err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		return buf.Bytes(), nil
	}
	return wrapICO(buf.Bytes()), nil
}

// wrapICO builds a single-image ICO that embeds PNG data.
func wrapICO(pngData []byte) []byte {
	var out bytes.Buffer
	header := struct {
		Reserved, Type, Count uint16
	}{0, 1, 1}
	entry := struct {
		Width, Height, Colors, Reserved uint8
		Planes, BitCount                uint16
		Size, Offset                    uint32
	}{iconSize, iconSize, 0, 0, 1, 32, uint32(len(pngData)), 6 + 16}
	binary.Write(&out, binary.LittleEndian, header)
	binary.Write(&out, binary.LittleEndian, entry)
	out.Write(pngData)
	return out.Bytes()
}
