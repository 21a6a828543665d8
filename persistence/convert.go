package persistence

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/sl3dscan/acquire/framestore"
)

// toImage normalizes a Frame Record's raw pixel buffer into a stdlib
// image.Image, per spec.md §6's "8/16-bit gray or BGR/BGRA" PNG
// encoding rule. Gray16 bytes are little-endian on the wire (the
// vendor/sensor convention framestore.Record documents) but
// image.Gray16 is big-endian internally, so each sample is decoded
// through color.Gray16 rather than copied.
func toImage(r framestore.Record) (image.Image, error) {
	switch r.Format {
	case framestore.PixelFormatGray8:
		img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
		for y := 0; y < r.Height; y++ {
			srcOff := y * r.Stride
			dstOff := y * img.Stride
			copy(img.Pix[dstOff:dstOff+r.Width], r.Pixels[srcOff:srcOff+r.Width])
		}
		return img, nil

	case framestore.PixelFormatGray16:
		img := image.NewGray16(image.Rect(0, 0, r.Width, r.Height))
		for y := 0; y < r.Height; y++ {
			row := r.Pixels[y*r.Stride:]
			for x := 0; x < r.Width; x++ {
				v := binary.LittleEndian.Uint16(row[x*2:])
				img.SetGray16(x, y, color.Gray16{Y: v})
			}
		}
		return img, nil

	case framestore.PixelFormatBGR8:
		img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
		for y := 0; y < r.Height; y++ {
			row := r.Pixels[y*r.Stride:]
			for x := 0; x < r.Width; x++ {
				b, g, red := row[x*3], row[x*3+1], row[x*3+2]
				img.SetNRGBA(x, y, color.NRGBA{R: red, G: g, B: b, A: 255})
			}
		}
		return img, nil

	case framestore.PixelFormatBGRA8:
		img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
		for y := 0; y < r.Height; y++ {
			row := r.Pixels[y*r.Stride:]
			for x := 0; x < r.Width; x++ {
				b, g, red, a := row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]
				img.SetNRGBA(x, y, color.NRGBA{R: red, G: g, B: b, A: a})
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("persistence: unsupported pixel format %d", r.Format)
	}
}
