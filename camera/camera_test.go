package camera

import (
	"context"
	"testing"
	"time"

	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/camera/backend/backendtest"
	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/pattern"
)

func newTestDriver(t *testing.T, ops []backendtest.Outcome) (*Driver, *fabric.Fabric, *metadata.Queue, *framestore.Store, *backendtest.Playback) {
	t.Helper()
	d, _, fab, meta, store, pb := newTestDriverWithPatterns(t, ops)
	return d, fab, meta, store, pb
}

func newTestDriverWithPatterns(t *testing.T, ops []backendtest.Outcome) (*Driver, *pattern.Queue, *fabric.Fabric, *metadata.Queue, *framestore.Store, *backendtest.Playback) {
	t.Helper()
	fab := fabric.New()
	meta := metadata.New()
	store := framestore.New()
	patterns := pattern.New(0, 20)
	pb := &backendtest.Playback{Ops: ops}
	d := NewDriver(1, pb, fab, meta, store, patterns)
	d.Declare()
	return d, patterns, fab, meta, store, pb
}

func TestDriverDeliversFrameAndSetsReady(t *testing.T) {
	d, fab, meta, store, _ := newTestDriver(t, []backendtest.Outcome{
		{Frame: backend.Frame{Width: 4, Height: 4, Stride: 8, Format: backend.PixelFormatGray16, Bytes: make([]byte, 32)}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", time.Millisecond, backend.PixelFormatGray16, 2); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{Key: metadata.Key{CameraID: 1, PatternIndex: 0}})
	if err := fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger}); err != nil {
		t.Fatal(err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := fab.WaitAll(waitCtx, []fabric.Key{{Group: fabric.GroupCamera, ID: 1, Name: LatchReady}}); err != nil {
		t.Fatalf("expected camera_ready to be set: %v", err)
	}

	rec, ok := store.Pop(1)
	if !ok {
		t.Fatal("expected a frame record in the store")
	}
	if rec.Width != 4 || rec.Height != 4 {
		t.Fatalf("unexpected record dims %+v", rec)
	}
}

func TestDriverBatchLastSetsMainEndCamera(t *testing.T) {
	d, fab, meta, store, _ := newTestDriver(t, []backendtest.Outcome{
		{Frame: backend.Frame{Width: 1, Height: 1}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", 0, backend.PixelFormatGray16, 1); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{Key: metadata.Key{CameraID: 1}, Flags: metadata.FlagIsBatch | metadata.FlagIsLast})
	fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	endKey := fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchEndCamera}
	if err := fab.WaitAll(waitCtx, []fabric.Key{endKey}); err != nil {
		t.Fatalf("expected main_end_camera to be set: %v", err)
	}
	if store.NumBatch() != 1 {
		t.Fatalf("expected NumBatch 1, got %d", store.NumBatch())
	}
}

func TestDriverInvalidTriggerRaisesRepeat(t *testing.T) {
	d, fab, meta, _, _ := newTestDriver(t, []backendtest.Outcome{{Invalid: true}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", 0, backend.PixelFormatGray16, 1); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{Key: metadata.Key{CameraID: 1}})
	fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	repeatKey := fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchRepeatTrigger}
	if err := fab.WaitAll(waitCtx, []fabric.Key{repeatKey}); err != nil {
		t.Fatalf("expected camera_repeat_trigger to be set: %v", err)
	}
}

func TestDriverSkippedFrameBumpsTimeout(t *testing.T) {
	d, fab, meta, _, _ := newTestDriver(t, []backendtest.Outcome{{Skipped: true}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", 0, backend.PixelFormatGray16, 1); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{Key: metadata.Key{CameraID: 1}})
	fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	readyKey := fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchReady}
	if err := fab.WaitAll(waitCtx, []fabric.Key{readyKey}); err != nil {
		t.Fatalf("expected camera_ready after skip: %v", err)
	}
	stats := d.Stats()
	if stats.SkipCount != 1 {
		t.Fatalf("expected skip count 1, got %d", stats.SkipCount)
	}
	if stats.TimeoutStep != 50*time.Millisecond {
		t.Fatalf("expected timeout step bumped to 50ms, got %v", stats.TimeoutStep)
	}
}

func TestDriverRequeuesInvalidTriggerThroughPatternQueue(t *testing.T) {
	d, patterns, fab, meta, _, pb := newTestDriverWithPatterns(t, []backendtest.Outcome{{Invalid: true}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", 0, backend.PixelFormatGray8, 1); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{
		Key:     metadata.Key{CameraID: 1, PatternIndex: 4},
		Pattern: pattern.Descriptor{Index: 4},
	})
	fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	repeatKey := fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchRepeatTrigger}
	if err := fab.WaitAll(waitCtx, []fabric.Key{repeatKey}); err != nil {
		t.Fatalf("expected camera_repeat_trigger: %v", err)
	}

	desc, err := patterns.TryDequeue()
	if err != nil {
		t.Fatalf("expected the failed pattern to be re-enqueued, got %v", err)
	}
	if desc.Index != 4 {
		t.Fatalf("expected re-enqueued descriptor to keep index 4, got %d", desc.Index)
	}
	if desc.Retry != 1 {
		t.Fatalf("expected Retry incremented to 1, got %d", desc.Retry)
	}
	if pb.Count != 1 {
		t.Fatalf("expected exactly one trigger attempt from this driver, got %d", pb.Count)
	}
}

func TestDriverExhaustsRetriesAndLeavesUnacquiredRecord(t *testing.T) {
	d, patterns, fab, meta, store, pb := newTestDriverWithPatterns(t, []backendtest.Outcome{{Invalid: true}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", 0, backend.PixelFormatGray8, 1); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{
		Key:     metadata.Key{CameraID: 1, PatternIndex: 4},
		Pattern: pattern.Descriptor{Index: 4, Retry: maxRetries},
	})
	fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	invalidKey := fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchInvalidTrigger}
	if err := fab.WaitAll(waitCtx, []fabric.Key{invalidKey}); err != nil {
		t.Fatalf("expected camera_invalid_trigger after retries exhaust: %v", err)
	}

	rec, ok := store.Pop(1)
	if !ok {
		t.Fatal("expected an unacquired placeholder record in the store")
	}
	if rec.Acquired {
		t.Fatal("expected Acquired=false once retries are exhausted")
	}
	if rec.Key.PatternIndex != 4 {
		t.Fatalf("expected placeholder to keep pattern index 4, got %d", rec.Key.PatternIndex)
	}
	if rec.RetryCount != maxRetries {
		t.Fatalf("expected RetryCount %d, got %d", maxRetries, rec.RetryCount)
	}
	if _, err := patterns.TryDequeue(); err != pattern.ErrEmpty {
		t.Fatalf("expected no pattern re-enqueued once retries exhaust, got %v", err)
	}
	if pb.Count != 1 {
		t.Fatalf("expected exactly one trigger attempt, got %d", pb.Count)
	}
	if d.Stats().SkipCount != 1 {
		t.Fatalf("expected skip count 1, got %d", d.Stats().SkipCount)
	}
}

func TestDriverSuccessfulFrameRecordsPriorRetryCount(t *testing.T) {
	d, _, fab, meta, store, _ := newTestDriverWithPatterns(t, []backendtest.Outcome{
		{Frame: backend.Frame{Width: 2, Height: 2, Stride: 2, Format: backend.PixelFormatGray8, Bytes: make([]byte, 4)}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Start(ctx, "", 0, backend.PixelFormatGray8, 1); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	meta.Push(metadata.Metadata{
		Key:     metadata.Key{CameraID: 1, PatternIndex: 4},
		Pattern: pattern.Descriptor{Index: 4, Retry: 1},
	})
	fab.Set(fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchSendTrigger})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	readyKey := fabric.Key{Group: fabric.GroupCamera, ID: 1, Name: LatchReady}
	if err := fab.WaitAll(waitCtx, []fabric.Key{readyKey}); err != nil {
		t.Fatalf("expected camera_ready: %v", err)
	}

	rec, ok := store.Pop(1)
	if !ok {
		t.Fatal("expected a frame record in the store")
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected RetryCount 1 threaded from the originating pattern, got %d", rec.RetryCount)
	}
}

func TestAdjustRescanRejectedByNonRescannableBackend(t *testing.T) {
	d, _, _, _, _ := newTestDriver(t, nil)
	if err := d.AdjustRescanInputDirectory("/tmp"); err == nil {
		t.Fatal("expected error: backendtest.Playback does not implement Rescanner")
	}
}
