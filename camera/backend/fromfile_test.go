package backend

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writePNG(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: 1000})
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

func TestFromFileDeliversFramesInOrder(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "a_000.png", 4, 4)
	writePNG(t, dir, "a_001.png", 4, 4)

	f := NewFromFile(dir)
	if err := f.Open(""); err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var frames []Frame
	ready := make(chan struct{}, 2)
	cb := Callbacks{
		OnFrameReady: func(fr Frame) {
			mu.Lock()
			frames = append(frames, fr)
			mu.Unlock()
			ready <- struct{}{}
		},
	}
	if err := f.ArmStream(4, cb); err != nil {
		t.Fatal(err)
	}
	defer f.DisarmStream()

	if err := f.Trigger(); err != nil {
		t.Fatal(err)
	}
	if err := f.Trigger(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame delivery")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Width != 4 || frames[0].Height != 4 {
		t.Fatalf("unexpected frame dims %+v", frames[0])
	}
}

func TestFromFileInvalidTriggerWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	f := NewFromFile(dir)
	if err := f.Open(""); err != nil {
		t.Fatal(err)
	}
	invalid := make(chan struct{}, 1)
	cb := Callbacks{OnInvalidTrigger: func() { invalid <- struct{}{} }}
	if err := f.ArmStream(2, cb); err != nil {
		t.Fatal(err)
	}
	defer f.DisarmStream()

	if err := f.Trigger(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-invalid:
	case <-time.After(time.Second):
		t.Fatal("expected invalid trigger callback")
	}
}

func TestFromFileAdjustRescanInputDirectory(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writePNG(t, dirB, "b_000.png", 2, 2)

	f := NewFromFile(dirA)
	if err := f.Open(""); err != nil {
		t.Fatal(err)
	}
	if err := f.AdjustRescanInputDirectory(dirB); err != nil {
		t.Fatal(err)
	}
	ready := make(chan struct{}, 1)
	cb := Callbacks{OnFrameReady: func(Frame) { ready <- struct{}{} }}
	if err := f.ArmStream(2, cb); err != nil {
		t.Fatal(err)
	}
	defer f.DisarmStream()
	if err := f.Trigger(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("expected frame from rescanned directory")
	}
}

func TestVendorStubsReturnErrVendorSDKUnavailable(t *testing.T) {
	backends := []Backend{NewPylon(), NewSapera(), NewSpinnaker(), NewFlyCapture()}
	for _, b := range backends {
		if err := b.Open(""); err != ErrVendorSDKUnavailable {
			t.Fatalf("%T: expected ErrVendorSDKUnavailable, got %v", b, err)
		}
	}
}
