package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/display/displaytest"
	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/presenter"
	"github.com/sl3dscan/acquire/topology"
)

func newTestCoordinator() (*Coordinator, *fabric.Fabric) {
	fab := fabric.New()
	topo := topology.New(fab)
	return New(fab, topo, metadata.New()), fab
}

func addTestProjector(t *testing.T, c *Coordinator, cfg presenter.Config) (uint16, *displaytest.Surface, *pattern.Queue) {
	t.Helper()
	surf := displaytest.NewSurface()
	patterns := pattern.New(2, 32)
	dec := decoder.NewDirDecoder("")
	id := c.AddProjector(cfg, surf, dec, patterns)
	return id, surf, patterns
}

func TestAddProjectorAndCamera(t *testing.T) {
	c, _ := newTestCoordinator()
	id, _, _ := addTestProjector(t, c, presenter.Config{})

	store := framestore.New()
	camID, err := c.AddCamera(context.Background(), id, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{RingBuffers: 2})
	if err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if len(c.projectorsWithCameras()) != 1 {
		t.Fatalf("expected 1 projector with cameras, got %d", len(c.projectorsWithCameras()))
	}
	if err := c.RemoveCamera(camID); err != nil {
		t.Fatalf("RemoveCamera: %v", err)
	}
	if len(c.projectorsWithCameras()) != 0 {
		t.Fatal("expected 0 projectors with cameras after removal")
	}
}

func TestTopologyMutationRejectedWhileRunning(t *testing.T) {
	c, _ := newTestCoordinator()
	id, _, patterns := addTestProjector(t, c, presenter.Config{})
	patterns.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})

	if err := c.StartContinuous(context.Background(), id); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}

	store := framestore.New()
	if _, err := c.AddCamera(context.Background(), id, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{}); err != ErrMustBeStopped {
		t.Fatalf("expected ErrMustBeStopped, got %v", err)
	}
	if err := c.RemoveProjector(id); err != ErrMustBeStopped {
		t.Fatalf("expected ErrMustBeStopped, got %v", err)
	}
}

func TestStopContinuousIdempotent(t *testing.T) {
	c, _ := newTestCoordinator()
	id, _, patterns := addTestProjector(t, c, presenter.Config{})
	patterns.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})

	if err := c.StopContinuous(id); err != nil {
		t.Fatalf("StopContinuous on never-started projector: %v", err)
	}
	if err := c.StartContinuous(context.Background(), id); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	if err := c.StopContinuous(id); err != nil {
		t.Fatalf("StopContinuous: %v", err)
	}
	if err := c.StopContinuous(id); err != nil {
		t.Fatalf("second StopContinuous should be a no-op, got %v", err)
	}
}

func TestStartSequentialBatchRunsProjectorsInOrder(t *testing.T) {
	c, fab := newTestCoordinator()
	id1, surf1, patterns1 := addTestProjector(t, c, presenter.Config{RefreshPeriod: time.Millisecond})
	id2, surf2, patterns2 := addTestProjector(t, c, presenter.Config{RefreshPeriod: time.Millisecond})

	store := framestore.New()
	if _, err := c.AddCamera(context.Background(), id1, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{}); err != nil {
		t.Fatalf("AddCamera 1: %v", err)
	}
	if _, err := c.AddCamera(context.Background(), id2, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{}); err != nil {
		t.Fatalf("AddCamera 2: %v", err)
	}

	for _, q := range []*pattern.Queue{patterns1, patterns2} {
		q.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})
		q.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 1})
		q.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 2})
	}

	if err := c.StartContinuous(context.Background(), id1); err != nil {
		t.Fatalf("StartContinuous 1: %v", err)
	}
	if err := c.StartContinuous(context.Background(), id2); err != nil {
		t.Fatalf("StartContinuous 2: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results := c.StartSequentialBatch(ctx, map[uint16]int{id1: 2, id2: 2})
	for id, err := range results {
		if err != nil {
			t.Fatalf("projector %d batch error: %v", id, err)
		}
	}
	if surf1.PresentCount < 2 || surf2.PresentCount < 2 {
		t.Fatalf("expected at least 2 presents each, got %d and %d", surf1.PresentCount, surf2.PresentCount)
	}

	signalled, _ := fab.Signalled(fabric.Key{Group: fabric.GroupProjector, ID: int(id1), Name: presenter.LatchPresent})
	if !signalled {
		t.Fatal("expected projector 1 to be resumed to continuous after its sequential slot")
	}
}

func TestStartSimultaneousBatchPadsShorterQueues(t *testing.T) {
	c, _ := newTestCoordinator()
	id1, surf1, patterns1 := addTestProjector(t, c, presenter.Config{RefreshPeriod: time.Millisecond})
	id2, surf2, patterns2 := addTestProjector(t, c, presenter.Config{RefreshPeriod: time.Millisecond})

	store := framestore.New()
	if _, err := c.AddCamera(context.Background(), id1, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{}); err != nil {
		t.Fatalf("AddCamera 1: %v", err)
	}
	if _, err := c.AddCamera(context.Background(), id2, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{}); err != nil {
		t.Fatalf("AddCamera 2: %v", err)
	}

	patterns1.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})
	patterns2.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})
	patterns2.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 1})
	patterns2.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 2})

	if err := c.StartContinuous(context.Background(), id1); err != nil {
		t.Fatalf("StartContinuous 1: %v", err)
	}
	if err := c.StartContinuous(context.Background(), id2); err != nil {
		t.Fatalf("StartContinuous 2: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results := c.StartSimultaneousBatch(ctx, map[uint16]int{id1: 1, id2: 3})
	for id, err := range results {
		if err != nil {
			t.Fatalf("projector %d batch error: %v", id, err)
		}
	}
	if surf1.PresentCount < 3 {
		t.Fatalf("expected projector 1's queue to be padded to 3 presents, got %d", surf1.PresentCount)
	}
	if surf2.PresentCount < 3 {
		t.Fatalf("expected 3 presents on projector 2, got %d", surf2.PresentCount)
	}
}

func TestStartSimultaneousBatchNoProjectorsIsNoop(t *testing.T) {
	c, _ := newTestCoordinator()
	results := c.StartSimultaneousBatch(context.Background(), map[uint16]int{})
	if len(results) != 0 {
		t.Fatalf("expected empty result map, got %v", results)
	}
}

func TestApplyConfigRejectedWhileRunning(t *testing.T) {
	c, _ := newTestCoordinator()
	id, _, patterns := addTestProjector(t, c, presenter.Config{RefreshPeriod: time.Millisecond})
	patterns.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})
	if err := c.StartContinuous(context.Background(), id); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.projectors[id].presenter.State() != presenter.Continuous && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := c.ApplyConfig(Config{SavePNG: true}); err == nil {
		t.Fatal("expected ApplyConfig to reject a running projector")
	}
}

func TestApplyConfigPropagatesToStoppedProjectors(t *testing.T) {
	c, _ := newTestCoordinator()
	id, _, _ := addTestProjector(t, c, presenter.Config{})

	if err := c.ApplyConfig(Config{SavePNG: true, SaveRaw: true, DefaultDelay: 5 * time.Millisecond}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	entry := c.projectors[id]
	stats := entry.presenter.Stats()
	if stats.State != presenter.Idle {
		t.Fatalf("expected projector to remain Idle, got %s", stats.State)
	}
}

func TestProjectorAndCameraStatsUnknownID(t *testing.T) {
	c, _ := newTestCoordinator()
	if _, err := c.ProjectorStats(99); err == nil {
		t.Fatal("expected an error for an unknown projector id")
	}
	if _, err := c.CameraStats(99); err == nil {
		t.Fatal("expected an error for an unknown camera id")
	}
	if _, err := c.Presenter(99); err == nil {
		t.Fatal("expected an error for an unknown projector id")
	}
}

func TestShutdownStopsRunningProjectorsAndCameras(t *testing.T) {
	c, _ := newTestCoordinator()
	id, _, patterns := addTestProjector(t, c, presenter.Config{RefreshPeriod: time.Millisecond})
	patterns.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: 0})

	store := framestore.New()
	if _, err := c.AddCamera(context.Background(), id, "", backend.NewFromFile(t.TempDir()), store, CameraConfig{RingBuffers: 2}); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if err := c.StartContinuous(context.Background(), id); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}

	if errs := c.Shutdown(); len(errs) != 0 {
		t.Fatalf("expected no shutdown errors, got %v", errs)
	}

	entry := c.projectors[id]
	if entry.started {
		t.Fatal("expected the projector to be marked stopped after Shutdown")
	}
}
