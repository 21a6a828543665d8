// Package camera implements the Camera Driver: one goroutine per
// camera that consumes the camera_send_trigger latch, dispatches the
// vendor backend's software trigger at the Presenter-scheduled
// instant, and feeds completed captures into the Frame Store in
// trigger-dispatch order.
package camera

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/timing"
)

// Latch names within fabric.GroupCamera for one camera id.
const (
	LatchSendTrigger    = "camera_send_trigger"
	LatchReady          = "camera_ready"
	LatchInvalidTrigger = "camera_invalid_trigger"
	LatchRepeatTrigger  = "camera_repeat_trigger"
	LatchEndCamera      = "main_end_camera"
	LatchTerminate      = "camera_terminate"
)

// maxTimeoutStep bounds how far bumpTimeout inflates the per-camera
// timeout before giving up on further increases.
const maxTimeoutStep = 2 * time.Second

// maxRetries bounds how many times a dropped or invalid trigger is
// re-enqueued at the head of the Pattern Queue before the driver gives
// up on that pattern and leaves an unacquired placeholder in the Frame
// Store.
const maxRetries = 2

// Driver runs one camera's trigger loop.
type Driver struct {
	ID      uint16
	Backend backend.Backend
	Fabric  *fabric.Fabric
	Meta    *metadata.Queue
	Store   *framestore.Store

	// Patterns is the projector's Pattern Queue. A dropped or invalid
	// trigger is resolved by re-enqueueing its originating Descriptor at
	// the head of Patterns with Retry incremented, rather than
	// re-dispatching the vendor trigger in place, so the failed pattern
	// flows back through the normal present/trigger cycle.
	Patterns *pattern.Queue
	Logger   *log.Logger

	mu          sync.Mutex
	inFlight    []metadata.Metadata
	timeoutStep time.Duration
	liveView    bool
	batch       bool
	format      backend.PixelFormat

	sem  chan struct{}
	stop chan struct{}
	done chan struct{}

	skipCount int64
}

// NewDriver wires a Driver against the shared fabric, metadata queue,
// frame store and the owning projector's Pattern Queue. Start must be
// called before any trigger arrives. Logger starts out writing to
// os.Stderr with a "camera[<id>] " prefix.
func NewDriver(id uint16, be backend.Backend, fab *fabric.Fabric, meta *metadata.Queue, store *framestore.Store, patterns *pattern.Queue) *Driver {
	return &Driver{
		ID:       id,
		Backend:  be,
		Fabric:   fab,
		Meta:     meta,
		Store:    store,
		Patterns: patterns,
		Logger:   log.New(os.Stderr, fmt.Sprintf("camera[%d] ", id), log.LstdFlags),
	}
}

func (d *Driver) key(name string) fabric.Key {
	return fabric.Key{Group: fabric.GroupCamera, ID: int(d.ID), Name: name}
}

// Declare registers this camera's latches in the fabric. The
// coordinator calls this once when the camera is added to the
// topology.
func (d *Driver) Declare() {
	for _, name := range []string{LatchSendTrigger, LatchReady, LatchInvalidTrigger, LatchRepeatTrigger, LatchEndCamera, LatchTerminate} {
		d.Fabric.Declare(d.key(name))
	}
}

// Start opens the vendor backend, configures it, arms streaming with
// ringBuffers outstanding triggers permitted, and launches the trigger
// loop. uniqueIdentifier selects which device Open claims.
func (d *Driver) Start(ctx context.Context, uniqueIdentifier string, exposure time.Duration, format backend.PixelFormat, ringBuffers int) (time.Duration, error) {
	if ringBuffers < 1 {
		ringBuffers = 1
	}
	if err := d.Backend.Open(uniqueIdentifier); err != nil {
		return 0, fmt.Errorf("camera: open: %w", err)
	}
	applied, err := d.Backend.Configure(exposure, format)
	if err != nil {
		return 0, fmt.Errorf("camera: configure: %w", err)
	}
	d.mu.Lock()
	d.format = format
	d.mu.Unlock()
	d.sem = make(chan struct{}, ringBuffers)
	cb := backend.Callbacks{
		OnFrameReady:     d.onFrameReady,
		OnFrameSkipped:   d.onFrameSkipped,
		OnInvalidTrigger: d.onInvalidTrigger,
	}
	if err := d.Backend.ArmStream(ringBuffers, cb); err != nil {
		return 0, fmt.Errorf("camera: arm stream: %w", err)
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(ctx)
	return applied, nil
}

// Stop disarms the backend and waits for the trigger loop to exit.
func (d *Driver) Stop() error {
	if d.stop != nil {
		close(d.stop)
		<-d.done
	}
	if err := d.Backend.DisarmStream(); err != nil {
		return err
	}
	return d.Backend.Close()
}

func (d *Driver) loop(ctx context.Context) {
	defer close(d.done)
	sendKey := d.key(LatchSendTrigger)
	terminateKey := d.key(LatchTerminate)
	keys := []fabric.Key{sendKey, terminateKey}
	for {
		hit, err := d.waitSendOrTerminate(ctx, keys)
		if err != nil {
			return
		}
		if hit == terminateKey {
			return
		}
		d.Fabric.Reset(sendKey)

		m, ok := d.Meta.Pop(d.ID)
		if !ok {
			continue
		}

		select {
		case d.sem <- struct{}{}:
		case <-d.stop:
			return
		}

		d.dispatch(m)
	}
}

// waitSendOrTerminate is fabric.WaitAny but also resolved by Stop,
// mirroring presenter.waitAnyOf.
func (d *Driver) waitSendOrTerminate(ctx context.Context, keys []fabric.Key) (fabric.Key, error) {
	type result struct {
		key fabric.Key
		err error
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	resCh := make(chan result, 1)
	go func() {
		k, err := d.Fabric.WaitAny(waitCtx, keys)
		resCh <- result{k, err}
	}()
	select {
	case r := <-resCh:
		return r.key, r.err
	case <-d.stop:
		cancel()
		<-resCh
		return fabric.Key{}, fmt.Errorf("camera: stopped")
	}
}

// dispatch invokes the vendor software trigger for m, bracketing it
// with QPC timestamps. m is pushed onto inFlight before Trigger is
// called, not after: some backends (notably the test Playback backend)
// invoke their result callback synchronously from within Trigger, and
// that callback must find m already waiting when it pops inFlight. A
// synchronous Trigger error is treated the same as an async
// invalid-trigger callback: routed through handleFailure, which
// re-enqueues m.Pattern at the Pattern Queue's head. The caller must
// already hold a sem slot for m.
func (d *Driver) dispatch(m metadata.Metadata) {
	if m.ScheduledTrigger != 0 {
		timing.SpinUntil(m.ScheduledTrigger)
	}
	m.QPCBeforeTrigger = timing.Now()

	d.mu.Lock()
	d.inFlight = append(d.inFlight, m)
	d.mu.Unlock()

	err := d.Backend.Trigger()
	after := timing.Now()

	d.mu.Lock()
	for i := range d.inFlight {
		if d.inFlight[i].Key == m.Key && d.inFlight[i].QPCAfterTrigger == 0 {
			d.inFlight[i].QPCAfterTrigger = after
			break
		}
	}
	d.mu.Unlock()

	if err != nil {
		if popped, ok := d.popInFlightByKey(m.Key); ok {
			d.handleFailure(popped, true)
		}
	}
}

// popInFlight removes and returns the oldest in-flight trigger's
// metadata. The vendor Callbacks interface carries no per-frame
// correlation id, so the driver correlates strictly by dispatch order:
// this is the "reorder buffer keyed by the metadata key" of the
// trigger loop's order-preservation requirement, degenerate to FIFO
// because that is the only ordering information available across the
// callback boundary.
func (d *Driver) popInFlight() (metadata.Metadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inFlight) == 0 {
		return metadata.Metadata{}, false
	}
	m := d.inFlight[0]
	d.inFlight = d.inFlight[1:]
	return m, true
}

// popInFlightByKey removes and returns the entry matching key
// regardless of its position, used only to unwind the entry dispatch
// just pushed when Trigger itself returns an error before any vendor
// callback could have fired for it.
func (d *Driver) popInFlightByKey(key metadata.Key) (metadata.Metadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, m := range d.inFlight {
		if m.Key == key {
			d.inFlight = append(d.inFlight[:i], d.inFlight[i+1:]...)
			return m, true
		}
	}
	return metadata.Metadata{}, false
}

// onFrameReady is the vendor backend's success callback. An orphan
// call (no matching in-flight dispatch) is a fatal invariant
// violation, not a no-op: it means the backend delivered a frame the
// driver never triggered, so it is logged and raises
// camera_invalid_trigger the same as an orphan onInvalidTrigger does.
func (d *Driver) onFrameReady(frame backend.Frame) {
	m, ok := d.popInFlight()
	if !ok {
		d.Logger.Printf("orphan frame-ready callback with no in-flight trigger")
		d.Fabric.Set(d.key(LatchInvalidTrigger))
		return
	}
	<-d.sem

	d.Store.Push(framestore.Record{
		Key:              m.Key,
		Filename:         m.Filename,
		Width:            frame.Width,
		Height:           frame.Height,
		Stride:           frame.Stride,
		Format:           framestore.PixelFormat(frame.Format),
		QPCBeforeTrigger: m.QPCBeforeTrigger,
		QPCAfterTrigger:  m.QPCAfterTrigger,
		Flags:            m.Flags,
		Acquired:         true,
		RetryCount:       m.Pattern.Retry,
		Pixels:           frame.Bytes,
	})
	if m.Flags.Has(metadata.FlagIsLast) {
		d.Fabric.Set(d.key(LatchEndCamera))
	}
	d.Fabric.Set(d.key(LatchReady))
}

func (d *Driver) onFrameSkipped() {
	if m, ok := d.popInFlight(); ok {
		d.handleFailure(m, false)
		return
	}
	atomic.AddInt64(&d.skipCount, 1)
	d.bumpTimeout()
	d.Fabric.Set(d.key(LatchReady))
}

// onInvalidTrigger is the vendor backend's invalid-trigger callback.
// An orphan call, like an orphan onFrameReady, raises the fatal
// invariant latch rather than being silently dropped.
func (d *Driver) onInvalidTrigger() {
	if m, ok := d.popInFlight(); ok {
		d.handleFailure(m, true)
		return
	}
	d.Logger.Printf("orphan invalid-trigger callback with no in-flight trigger")
	d.Fabric.Set(d.key(LatchInvalidTrigger))
}

// handleFailure processes a transient dropped or invalid trigger for
// m, whose sem slot is still held. Up to maxRetries it rebuilds m's
// originating Descriptor with Retry incremented and re-enqueues it at
// the head of the Pattern Queue, so the pattern is presented and
// triggered again from scratch rather than re-triggered in place. Once
// retries are exhausted, or no Pattern Queue is wired, it leaves an
// unacquired placeholder record in the Frame Store so the per-camera
// sequence keeps m's place (Testable Property 2), releases the sem
// slot and sets camera_ready so the Presenter's blocking wait, if any,
// unblocks rather than stalling on a trigger that will never complete.
func (d *Driver) handleFailure(m metadata.Metadata, setInvalidLatch bool) {
	atomic.AddInt64(&d.skipCount, 1)
	d.bumpTimeout()
	<-d.sem

	retry := m.Pattern.Retry
	if retry < maxRetries && d.Patterns != nil {
		d.Fabric.Set(d.key(LatchRepeatTrigger))
		next := m.Pattern
		next.Retry = retry + 1
		if err := d.Patterns.EnqueueFront(next); err == nil {
			if setInvalidLatch {
				d.Fabric.Set(d.key(LatchInvalidTrigger))
			}
			d.Fabric.Set(d.key(LatchReady))
			return
		}
		d.Logger.Printf("pattern %d: retry %d requeue failed, pattern queue full", m.Key.PatternIndex, retry+1)
	}
	d.Store.Push(framestore.Record{
		Key:              m.Key,
		Filename:         m.Filename,
		Format:           framestore.PixelFormat(d.currentFormat()),
		QPCBeforeTrigger: m.QPCBeforeTrigger,
		QPCAfterTrigger:  m.QPCAfterTrigger,
		Flags:            m.Flags,
		Acquired:         false,
		RetryCount:       retry,
	})
	if m.Flags.Has(metadata.FlagIsLast) {
		d.Fabric.Set(d.key(LatchEndCamera))
	}
	if setInvalidLatch {
		d.Fabric.Set(d.key(LatchInvalidTrigger))
	}
	d.Fabric.Set(d.key(LatchReady))
}

func (d *Driver) currentFormat() backend.PixelFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// bumpTimeout inflates the per-camera timeout in 50ms steps, bounded,
// per spec.md's frame-skip handling.
func (d *Driver) bumpTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timeoutStep < maxTimeoutStep {
		d.timeoutStep += 50 * time.Millisecond
	}
}

// SetExposure reconfigures the backend's exposure, returning the value
// actually applied.
func (d *Driver) SetExposure(exposure time.Duration) (time.Duration, error) {
	d.mu.Lock()
	format := d.format
	d.mu.Unlock()
	return d.Backend.Configure(exposure, format)
}

// SetLiveView records whether captured frames should also feed a
// preview surface. The Driver only stores the flag; nothing in the
// engine reads it back (the Presenter mirrors presented bitmaps by its
// own Config.LiveView).
func (d *Driver) SetLiveView(v bool) {
	d.mu.Lock()
	d.liveView = v
	d.mu.Unlock()
}

// SetBatch toggles batch mode bookkeeping.
func (d *Driver) SetBatch(v bool) {
	d.mu.Lock()
	d.batch = v
	d.mu.Unlock()
}

// AdjustRescanInputDirectory redirects a from-file backend's replay
// source. It errors if the underlying backend does not support
// rescanning.
func (d *Driver) AdjustRescanInputDirectory(dir string) error {
	r, ok := d.Backend.(backend.Rescanner)
	if !ok {
		return fmt.Errorf("camera: backend does not support adjust_rescan_input_directory")
	}
	return r.AdjustRescanInputDirectory(dir)
}

// Stats is a point-in-time view of driver-side capture health.
type Stats struct {
	SkipCount   int64
	TimeoutStep time.Duration
	InFlight    int
}

// Stats returns the current driver statistics.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		SkipCount:   atomic.LoadInt64(&d.skipCount),
		TimeoutStep: d.timeoutStep,
		InFlight:    len(d.inFlight),
	}
}
