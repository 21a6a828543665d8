package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/camera/backend/backendtest"
	"github.com/sl3dscan/acquire/coordinator"
	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/display"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/presenter"
)

func newTestSurface(t *testing.T) (*Surface, uint16) {
	t.Helper()
	root := t.TempDir()
	s := New("session-1", "gray-code", root)

	patterns := pattern.New(1, 4)
	patterns.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})

	pid := s.AddProjector(presenter.Config{
		RefreshPeriod: 16 * time.Millisecond,
		Delay:         time.Millisecond,
		Exposure:      time.Millisecond,
	}, display.NewFake(16*time.Millisecond), decoder.NewDirDecoder(""), patterns)

	return s, pid
}

func TestSurfaceAddCameraStartsWorkerAndDriver(t *testing.T) {
	s, pid := newTestSurface(t)
	defer s.Shutdown()

	be := &backendtest.Playback{
		ID: "cam-0",
		Ops: []backendtest.Outcome{
			{Frame: backend.Frame{Width: 2, Height: 2, Stride: 2, Format: backend.PixelFormatGray8, Bytes: make([]byte, 4)}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	camID, err := s.AddCamera(ctx, pid, "cam-0", be, coordinator.CameraConfig{
		Exposure:    time.Millisecond,
		Format:      backend.PixelFormatGray8,
		RingBuffers: 2,
	}, PersistenceConfig{SavePNG: true, HighWatermark: 2, LowWatermark: 0})
	if err != nil {
		t.Fatalf("AddCamera: %v", err)
	}

	s.mu.Lock()
	_, ok := s.workers[camID]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected a Persistence Worker to be registered for the new camera")
	}

	if _, err := s.CameraStatus(camID); err != nil {
		t.Fatalf("CameraStatus: %v", err)
	}
}

func TestSurfaceStatusReportsEveryProjectorAndCamera(t *testing.T) {
	s, pid := newTestSurface(t)
	defer s.Shutdown()

	be := &backendtest.Playback{ID: "cam-0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	camID, err := s.AddCamera(ctx, pid, "cam-0", be, coordinator.CameraConfig{
		Exposure: time.Millisecond,
		Format:   backend.PixelFormatGray8,
	}, PersistenceConfig{HighWatermark: 2})
	if err != nil {
		t.Fatalf("AddCamera: %v", err)
	}

	status := s.Status()
	if len(status.Projectors) != 1 || status.Projectors[0].ID != pid {
		t.Fatalf("expected one projector %d in status, got %+v", pid, status.Projectors)
	}
	if len(status.Cameras) != 1 || status.Cameras[0].ID != camID {
		t.Fatalf("expected one camera %d in status, got %+v", camID, status.Cameras)
	}
	if status.Projectors[0].State != "Idle" {
		t.Fatalf("expected Idle state before StartContinuous, got %s", status.Projectors[0].State)
	}
}

func TestSurfaceStartSequentialBatchWritesManifest(t *testing.T) {
	s, pid := newTestSurface(t)
	defer s.Shutdown()

	be := &backendtest.Playback{
		ID: "cam-0",
		Ops: []backendtest.Outcome{
			{Frame: backend.Frame{Width: 1, Height: 1, Stride: 1, Format: backend.PixelFormatGray8, Bytes: []byte{7}}},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.AddCamera(ctx, pid, "cam-0", be, coordinator.CameraConfig{
		Exposure: time.Millisecond,
		Format:   backend.PixelFormatGray8,
	}, PersistenceConfig{HighWatermark: 2}); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}

	if err := s.StartContinuous(ctx, pid); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}

	results, err := s.StartSequentialBatch(ctx, map[uint16]int{pid: 1})
	if err != nil {
		t.Fatalf("StartSequentialBatch: %v", err)
	}
	if res, ok := results[pid]; !ok || res.Err != nil {
		t.Fatalf("expected a successful result for projector %d, got %+v", pid, results)
	}

	manifestPath := filepath.Join(s.sessionDir(), "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("expected manifest written at %s: %v", manifestPath, err)
	}
}

func TestSurfaceRemoveCameraStopsWorker(t *testing.T) {
	s, pid := newTestSurface(t)
	defer s.Shutdown()

	be := &backendtest.Playback{ID: "cam-0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	camID, err := s.AddCamera(ctx, pid, "cam-0", be, coordinator.CameraConfig{
		Exposure: time.Millisecond,
		Format:   backend.PixelFormatGray8,
	}, PersistenceConfig{HighWatermark: 2})
	if err != nil {
		t.Fatalf("AddCamera: %v", err)
	}

	if err := s.RemoveCamera(camID); err != nil {
		t.Fatalf("RemoveCamera: %v", err)
	}

	s.mu.Lock()
	_, ok := s.workers[camID]
	s.mu.Unlock()
	if ok {
		t.Fatal("expected the Persistence Worker to be removed along with the camera")
	}
}

func TestSurfaceShutdownStopsEverything(t *testing.T) {
	s, pid := newTestSurface(t)

	be := &backendtest.Playback{ID: "cam-0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.AddCamera(ctx, pid, "cam-0", be, coordinator.CameraConfig{
		Exposure: time.Millisecond,
		Format:   backend.PixelFormatGray8,
	}, PersistenceConfig{HighWatermark: 2}); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if err := s.StartContinuous(ctx, pid); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s.mu.Lock()
	n := len(s.workers)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no workers left after Shutdown, got %d", n)
	}
}
