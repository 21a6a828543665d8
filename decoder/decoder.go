// Package decoder declares the bitmap decoder external collaborator:
// image file decoding into in-memory bitmaps is explicitly out of
// scope for the engine itself, but the Pattern Decoder thread (one per
// projector) needs a synchronous contract to pull against, and a solid
// fill generator for black-frame padding and solid-color patterns.
package decoder

import (
	"image"
	"image/color"
)

// PixelFormat mirrors framestore.PixelFormat's values so a decoded
// Bitmap can be handed to the Frame Store's Record without conversion
// when a decoder result is, unusually, also used as a capture
// placeholder (e.g. synthetic test fixtures).
type PixelFormat uint8

const (
	PixelFormatGray8 PixelFormat = iota
	PixelFormatGray16
	PixelFormatBGR8
	PixelFormatBGRA8
)

// Bitmap is a decoded image ready for presentation: width, height,
// stride and pixel format describe the byte layout of Bytes, matching
// framestore.Record's conventions so a captured frame and a presented
// pattern share one mental model.
type Bitmap struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Bytes  []byte
}

// Dimensions satisfies pattern.Bitmap so a *Bitmap can be stored
// directly in a pattern.Descriptor.
func (b *Bitmap) Dimensions() (int, int) { return b.Width, b.Height }

// ColorModel, Bounds and At satisfy image.Image so a *Bitmap can be
// handed directly to a display.Surface's Present.
func (b *Bitmap) ColorModel() color.Model {
	if b.Format == PixelFormatGray8 || b.Format == PixelFormatGray16 {
		return color.GrayModel
	}
	return color.NRGBAModel
}

func (b *Bitmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

func (b *Bitmap) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return color.NRGBA{}
	}
	bpp := bytesPerPixel(b.Format)
	off := y*b.Stride + x*bpp
	if off+bpp > len(b.Bytes) {
		return color.NRGBA{}
	}
	switch b.Format {
	case PixelFormatGray8:
		return color.Gray{Y: b.Bytes[off]}
	case PixelFormatGray16:
		return color.Gray16{Y: uint16(b.Bytes[off])<<8 | uint16(b.Bytes[off+1])}
	case PixelFormatBGR8:
		return color.NRGBA{R: b.Bytes[off+2], G: b.Bytes[off+1], B: b.Bytes[off], A: 255}
	case PixelFormatBGRA8:
		return color.NRGBA{R: b.Bytes[off+2], G: b.Bytes[off+1], B: b.Bytes[off], A: b.Bytes[off+3]}
	default:
		return color.NRGBA{}
	}
}

func bytesPerPixel(f PixelFormat) int {
	switch f {
	case PixelFormatGray8:
		return 1
	case PixelFormatGray16:
		return 2
	case PixelFormatBGR8:
		return 3
	case PixelFormatBGRA8:
		return 4
	default:
		return 1
	}
}

// Decoder turns a URI into a decoded Bitmap, or synthesizes a
// solid-color one. Implementations must be safe for concurrent use:
// one Pattern Decoder thread exists per projector but a bitmap cache
// may be shared across them.
type Decoder interface {
	// Decode loads and decodes the image addressed by uri.
	Decode(uri string) (*Bitmap, error)
	// Solid synthesizes a single-color bitmap of the given size.
	Solid(c color.NRGBA, width, height int) (*Bitmap, error)
}
