package main

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/sl3dscan/acquire/decoder"
)

func writeTestPNG(t *testing.T, dir, name string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x + y)})
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPatternSequenceOrdersByName(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, dir, "002.png")
	writeTestPNG(t, dir, "000.png")
	writeTestPNG(t, dir, "001.png")

	dec := decoder.NewDirDecoder(dir)
	q, err := loadPatternSequence(dir, dec, 0, 0)
	if err != nil {
		t.Fatalf("loadPatternSequence: %v", err)
	}

	for i := 0; i < 3; i++ {
		desc, err := q.TryDequeue()
		if err != nil {
			t.Fatalf("expected %d descriptors, queue ran dry at %d: %v", 3, i, err)
		}
		if desc.Index != i {
			t.Fatalf("descriptor %d has Index %d, want %d", i, desc.Index, i)
		}
	}
}
