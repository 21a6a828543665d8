package decoder

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
)

// DirDecoder decodes PNG files from a base directory, joining the
// relative uri it is given with that directory. It is the default
// implementation used outside of vendor-specific pattern generators.
type DirDecoder struct {
	BaseDir string
}

// NewDirDecoder returns a decoder rooted at baseDir.
func NewDirDecoder(baseDir string) *DirDecoder {
	return &DirDecoder{BaseDir: baseDir}
}

// Decode reads and PNG-decodes the file at uri (relative to BaseDir),
// converting it to 8-bit BGRA to match the engine's internal pixel
// convention.
func (d *DirDecoder) Decode(uri string) (*Bitmap, error) {
	path := uri
	if d.BaseDir != "" {
		path = d.BaseDir + string(os.PathSeparator) + uri
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decoder: open %s: %w", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoder: decode %s: %w", path, err)
	}
	return toBGRABitmap(img), nil
}

// Solid synthesizes a flat BGRA bitmap of the given color and size.
func (d *DirDecoder) Solid(c color.NRGBA, width, height int) (*Bitmap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("decoder: invalid solid size %dx%d", width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return toBGRABitmap(img), nil
}

func toBGRABitmap(src image.Image) *Bitmap {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := w * 4
	out := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		row := out[y*stride : (y+1)*stride]
		for x := 0; x < w; x++ {
			r, g, bl, a := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := x * 4
			row[i+0] = byte(bl >> 8)
			row[i+1] = byte(g >> 8)
			row[i+2] = byte(r >> 8)
			row[i+3] = byte(a >> 8)
		}
	}
	return &Bitmap{Width: w, Height: h, Stride: stride, Format: PixelFormatBGRA8, Bytes: out}
}

var _ Decoder = (*DirDecoder)(nil)
