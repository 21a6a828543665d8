// Package presenter implements the Presenter: one per-projector state
// machine that pulls decoded patterns from the Pattern Queue, aligns
// presentation to the display's VBLANK, schedules camera triggers, and
// tracks present/skip/retry statistics.
package presenter

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sl3dscan/acquire/camera"
	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/display"
	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/timing"
)

// State is one of the Presenter's per-projector state machine states.
type State int

const (
	Idle State = iota
	ContinuousReady
	Continuous
	PreparingBatch
	Batching
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ContinuousReady:
		return "ContinuousReady"
	case Continuous:
		return "Continuous"
	case PreparingBatch:
		return "PreparingBatch"
	case Batching:
		return "Batching"
	case Draining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Latch names within fabric.GroupProjector for one projector id.
const (
	LatchPresent        = "present"
	LatchRenderReady     = "render_ready"
	LatchMainPrepareDraw = "main_prepare_draw"
	LatchMainReadyDraw   = "main_ready_draw"
	LatchMainBegin       = "main_begin"
	LatchMainEndDraw     = "main_end_draw"
	LatchMainResumeDraw  = "main_resume_draw"
	LatchTerminate       = "terminate"
)

// ErrMissingPattern is the failure surfaced when the pattern queue is
// empty for longer than 2*T_r at the start of a batch step.
var ErrMissingPattern = fmt.Errorf("presenter: missing pattern")

// AttachedCamera is the subset of camera/topology information the
// Presenter needs to schedule a trigger: its id for fabric keys and
// metadata keys.
type AttachedCamera struct {
	ID uint16
}

// Config is a projector's timing model: refresh period, present-to-
// trigger delay, exposure, and whether the concurrent-delay
// optimization is permitted (valid only when Exposure <= Delay).
type Config struct {
	RefreshPeriod   time.Duration
	Delay           time.Duration
	Exposure        time.Duration
	ConcurrentDelay bool
	Blocking        bool
	SavePNG         bool
	SaveRaw         bool
	LiveView        bool
}

// Stats is a point-in-time snapshot of a Presenter's health.
type Stats struct {
	State          State
	PresentCounter int64
	SkipCounter    int64
	Present        timing.Snapshot
}

// Presenter drives one projector's display surface.
type Presenter struct {
	ProjectorID uint16
	Surface     display.Surface
	Patterns    *pattern.Queue
	Decoder     decoder.Decoder
	Fabric      *fabric.Fabric
	Meta        *metadata.Queue

	mu              sync.Mutex
	cfg             Config
	state           State
	presentCounter  int64
	skipCounter     int64
	lastPresent     timing.Tick
	haveLastPresent bool
	presentStats    *timing.Stats
	cameras         []AttachedCamera
	fullscreen      bool

	cmds chan command
	stop chan struct{}
	done chan struct{}

	// LiveView, if non-nil, receives a copy of every presented bitmap
	// while cfg.LiveView is set, for cmd/acquired's websocket preview
	// stream. Sends are non-blocking: a slow or absent consumer never
	// stalls presentation.
	LiveView chan<- *decoder.Bitmap

	// Reopen, if set, is called to obtain a replacement Surface after
	// Present returns display.ErrDeviceRemoved and the failed Surface
	// has been closed, matching display.go's documented "Close then
	// opening a replacement" recreation flow. A nil Reopen falls back to
	// retrying Present on the same, now-closed Surface, since
	// display.Surface exposes no generic "open a replacement"
	// primitive.
	Reopen func() (display.Surface, error)
}

type commandKind int

const (
	cmdPrepareBatch commandKind = iota
	cmdBeginBatch
	cmdResumeContinuous
)

type command struct {
	kind  commandKind
	count int
	done  chan error
}

// New wires a Presenter against its display surface, pattern queue and
// decoder.
func New(projectorID uint16, surface display.Surface, patterns *pattern.Queue, dec decoder.Decoder, fab *fabric.Fabric, meta *metadata.Queue, cfg Config) *Presenter {
	return &Presenter{
		ProjectorID:  projectorID,
		Surface:      surface,
		Patterns:     patterns,
		Decoder:      dec,
		Fabric:       fab,
		Meta:         meta,
		cfg:          cfg,
		presentStats: timing.NewStats(),
	}
}

func (p *Presenter) key(name string) fabric.Key {
	return fabric.Key{Group: fabric.GroupProjector, ID: int(p.ProjectorID), Name: name}
}

// Declare registers this projector's latches in the fabric.
func (p *Presenter) Declare() {
	for _, name := range []string{LatchPresent, LatchRenderReady, LatchMainPrepareDraw, LatchMainReadyDraw, LatchMainBegin, LatchMainEndDraw, LatchMainResumeDraw, LatchTerminate} {
		p.Fabric.Declare(p.key(name))
	}
}

// AttachCamera adds a camera to this projector's trigger fan-out.
func (p *Presenter) AttachCamera(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cameras = append(p.cameras, AttachedCamera{ID: id})
}

// DetachCamera removes a camera from this projector's trigger fan-out.
func (p *Presenter) DetachCamera(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.cameras[:0]
	for _, c := range p.cameras {
		if c.ID != id {
			out = append(out, c)
		}
	}
	p.cameras = out
}

// Start dequeues and pre-renders the first pattern, transitions to
// ContinuousReady and launches the main loop.
func (p *Presenter) Start(ctx context.Context) error {
	first, ok := p.Patterns.Dequeue()
	if !ok {
		return fmt.Errorf("presenter: pattern queue closed before start")
	}
	if err := p.present(ctx, first); err != nil {
		return err
	}
	p.Fabric.Set(p.key(LatchRenderReady))

	p.mu.Lock()
	p.state = ContinuousReady
	p.mu.Unlock()

	p.cmds = make(chan command)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it, with timeout
// bounding how long to wait for the current present/trigger cycle to
// finish. Stop also closes the Pattern Queue, so a blocking Dequeue on
// it (such as the one in Start) returns.
func (p *Presenter) Stop(timeout time.Duration) error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	p.Patterns.Close()
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("presenter: stop timed out after %s", timeout)
	}
}

func (p *Presenter) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		waitCtx, cancel := context.WithCancel(ctx)
		presentKey := p.key(LatchPresent)
		hit, err := p.waitAnyOf(waitCtx, []fabric.Key{presentKey}, cancel)
		cancel()
		if err != nil {
			return
		}
		_ = hit

		p.mu.Lock()
		p.state = Continuous
		p.mu.Unlock()

		if !p.runContinuous(ctx) {
			return
		}
	}
}

// waitAnyOf is WaitAny but also resolved by an incoming command so the
// Coordinator's PrepareBatch can interrupt a Continuous wait.
func (p *Presenter) waitAnyOf(ctx context.Context, keys []fabric.Key, cancel context.CancelFunc) (fabric.Key, error) {
	type result struct {
		key fabric.Key
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		k, err := p.Fabric.WaitAny(ctx, keys)
		resCh <- result{k, err}
	}()
	select {
	case r := <-resCh:
		return r.key, r.err
	case <-p.stop:
		cancel()
		<-resCh
		return fabric.Key{}, fmt.Errorf("presenter: stopped")
	}
}

// runContinuous runs the Continuous per-step loop until a PrepareBatch
// command arrives, stop_continuous clears the present latch, or the
// Presenter is stopped. Returns false if the Presenter should exit
// entirely, true if it should return to ContinuousReady and wait on
// present again. It polls the pattern queue rather than blocking on
// Dequeue so an incoming PrepareBatch command is never stuck behind an
// empty queue.
func (p *Presenter) runContinuous(ctx context.Context) bool {
	presentKey := p.key(LatchPresent)
	for {
		if handled, cont := p.pollCommand(ctx); handled {
			return cont
		}
		if signalled, err := p.Fabric.Signalled(presentKey); err == nil && !signalled {
			p.mu.Lock()
			p.state = ContinuousReady
			p.mu.Unlock()
			return true
		}

		desc, err := p.Patterns.TryDequeue()
		if err != nil {
			select {
			case <-p.stop:
				return false
			case cmd := <-p.cmds:
				if cmd.kind == cmdPrepareBatch {
					p.handlePrepareBatch(ctx, cmd)
					return true
				}
				cmd.done <- fmt.Errorf("presenter: unexpected command in Continuous state")
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if err := p.stepPresent(ctx, desc); err != nil {
			return false
		}
	}
}

// pollCommand makes a non-blocking check for stop or an incoming
// command. handled is true if the caller's loop should return
// immediately, with cont as its return value.
func (p *Presenter) pollCommand(ctx context.Context) (handled, cont bool) {
	select {
	case <-p.stop:
		return true, false
	case cmd := <-p.cmds:
		if cmd.kind == cmdPrepareBatch {
			p.handlePrepareBatch(ctx, cmd)
			return true, true
		}
		cmd.done <- fmt.Errorf("presenter: unexpected command in Continuous state")
		return false, false
	default:
		return false, false
	}
}

// stepPresent renders, presents, and (if cameras are attached)
// schedules a trigger for one pattern during Continuous mode. A
// present-to-present interval over 2*T_r marks the step skipped rather
// than triggering a capture for it.
func (p *Presenter) stepPresent(ctx context.Context, desc pattern.Descriptor) error {
	if err := p.present(ctx, desc); err != nil {
		return err
	}

	now := timing.Now()
	p.mu.Lock()
	skip := false
	if p.haveLastPresent {
		interval := now.Sub(p.lastPresent)
		p.presentStats.AddAt(now, interval.Seconds())
		if p.cfg.RefreshPeriod > 0 && interval > 2*p.cfg.RefreshPeriod {
			skip = true
		}
	}
	p.lastPresent = now
	p.haveLastPresent = true
	cams := append([]AttachedCamera(nil), p.cameras...)
	cfg := p.cfg
	p.mu.Unlock()

	if skip {
		atomic.AddInt64(&p.skipCounter, 1)
		return nil
	}
	atomic.AddInt64(&p.presentCounter, 1)

	if len(cams) == 0 {
		return nil
	}
	return p.scheduleTrigger(ctx, desc, cams, cfg, now, false, false)
}

func (p *Presenter) present(ctx context.Context, desc pattern.Descriptor) error {
	bmp, err := p.render(desc)
	if err != nil {
		return err
	}
	p.mirrorLiveView(bmp)
	p.mu.Lock()
	surf := p.Surface
	p.mu.Unlock()
	if err := surf.Present(ctx, bmp); err != nil {
		if err == display.ErrDeviceRemoved {
			return p.recreateSurface(ctx, surf, bmp)
		}
		return err
	}
	return nil
}

// recreateSurface implements display.go's Close-then-reopen recovery
// for a Present call that returned display.ErrDeviceRemoved: the
// failed surface is closed, a replacement is obtained via Reopen if
// one is configured, and bmp is presented exactly once more on
// whichever surface results.
func (p *Presenter) recreateSurface(ctx context.Context, failed display.Surface, bmp *decoder.Bitmap) error {
	_ = failed.Close()

	next := failed
	if p.Reopen != nil {
		replacement, err := p.Reopen()
		if err != nil {
			return fmt.Errorf("presenter: device removed, reopen failed: %w", err)
		}
		next = replacement
		p.mu.Lock()
		p.Surface = next
		p.mu.Unlock()
	}
	if err := next.Present(ctx, bmp); err != nil {
		return fmt.Errorf("presenter: device removed, recreation failed: %w", err)
	}
	return nil
}

func (p *Presenter) mirrorLiveView(bmp *decoder.Bitmap) {
	p.mu.Lock()
	on := p.cfg.LiveView
	sink := p.LiveView
	p.mu.Unlock()
	if !on || sink == nil {
		return
	}
	select {
	case sink <- bmp:
	default:
	}
}

func (p *Presenter) render(desc pattern.Descriptor) (*decoder.Bitmap, error) {
	switch desc.Kind {
	case pattern.KindBitmap:
		if bmp, ok := desc.Bitmap.(*decoder.Bitmap); ok {
			return bmp, nil
		}
		return nil, fmt.Errorf("presenter: bitmap pattern missing decoded bitmap")
	case pattern.KindSolidColor:
		return p.Decoder.Solid(desc.Color, 1920, 1080)
	case pattern.KindBlack:
		return p.Decoder.Solid(color.NRGBA{A: 255}, 1920, 1080)
	case pattern.KindFixedRepeat:
		if bmp, ok := desc.Bitmap.(*decoder.Bitmap); ok {
			return bmp, nil
		}
		return p.Decoder.Solid(color.NRGBA{A: 255}, 1920, 1080)
	default:
		return nil, fmt.Errorf("presenter: unknown pattern kind %d", desc.Kind)
	}
}

// scheduleTrigger pushes Frame Metadata for every attached camera and
// raises camera_send_trigger, honoring blocking vs non-blocking
// delay-handling and the concurrent-delay optimization.
func (p *Presenter) scheduleTrigger(ctx context.Context, desc pattern.Descriptor, cams []AttachedCamera, cfg Config, presentTick timing.Tick, batch bool, last bool) error {
	delay := cfg.Delay
	if desc.WheelDelay > 0 {
		delay += desc.WheelDelay
	}
	exposure := cfg.Exposure
	if desc.ExposureOverride > 0 {
		exposure = desc.ExposureOverride
	}
	trigger := presentTick.Add(delay)

	flags := metadata.Flags(0)
	if desc.Kind == pattern.KindFixedRepeat {
		flags |= metadata.FlagIsFixed
	}
	if batch {
		flags |= metadata.FlagIsBatch
	}
	if last {
		flags |= metadata.FlagIsLast
	}

	if cfg.Blocking {
		timing.SpinUntil(trigger)
	}

	readyKeys := make([]fabric.Key, 0, len(cams))
	for _, c := range cams {
		m := metadata.Metadata{
			Key:     metadata.Key{ProjectorID: p.ProjectorID, CameraID: c.ID, PatternIndex: uint32(desc.Index)},
			Flags:   flags,
			Pattern: desc,
		}
		if !cfg.Blocking {
			m.ScheduledTrigger = trigger
		}
		p.Meta.Push(m)
		sendKey := fabric.Key{Group: fabric.GroupCamera, ID: int(c.ID), Name: camera.LatchSendTrigger}
		if err := p.Fabric.Set(sendKey); err != nil {
			return fmt.Errorf("presenter: set send-trigger for camera %d: %w", c.ID, err)
		}
		readyKeys = append(readyKeys, fabric.Key{Group: fabric.GroupCamera, ID: int(c.ID), Name: camera.LatchReady})
	}

	concurrentOK := cfg.ConcurrentDelay && exposure <= cfg.Delay
	if cfg.Blocking || !concurrentOK {
		if err := p.Fabric.WaitAll(ctx, readyKeys); err != nil {
			return fmt.Errorf("presenter: waiting for camera acks: %w", err)
		}
		for _, k := range readyKeys {
			p.Fabric.Reset(k)
		}
	}
	return nil
}

// RequestPrepareBatch asks the loop to pause refill, drain outstanding
// triggers and raise main_ready_draw, blocking until that transition
// completes.
func (p *Presenter) RequestPrepareBatch(ctx context.Context) error {
	p.Fabric.Set(p.key(LatchMainPrepareDraw))
	done := make(chan error, 1)
	select {
	case p.cmds <- command{kind: cmdPrepareBatch, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Presenter) handlePrepareBatch(ctx context.Context, cmd command) {
	p.mu.Lock()
	p.state = PreparingBatch
	p.mu.Unlock()

	p.Fabric.Reset(p.key(LatchMainPrepareDraw))
	p.Fabric.Set(p.key(LatchMainReadyDraw))
	cmd.done <- nil

	p.waitBeginOrStop(ctx)
}

func (p *Presenter) waitBeginOrStop(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		case cmd := <-p.cmds:
			if cmd.kind == cmdBeginBatch {
				p.runBatch(ctx, cmd)
				return
			}
			cmd.done <- fmt.Errorf("presenter: unexpected command in PreparingBatch state")
		}
	}
}

// RequestBeginBatch transitions PreparingBatch -> Batching -> Draining,
// mandatorily presenting exactly count patterns (retries enabled, up
// to two re-enqueues each) and raising main_end_draw once the count is
// satisfied or the pattern queue has stayed empty past 2*T_r.
func (p *Presenter) RequestBeginBatch(ctx context.Context, count int) error {
	p.Fabric.Reset(p.key(LatchMainReadyDraw))
	p.Fabric.Set(p.key(LatchMainBegin))
	done := make(chan error, 1)
	select {
	case p.cmds <- command{kind: cmdBeginBatch, count: count, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Presenter) runBatch(ctx context.Context, cmd command) {
	p.Fabric.Reset(p.key(LatchMainBegin))
	p.mu.Lock()
	p.state = Batching
	abortThreshold := 2 * p.cfg.RefreshPeriod
	p.mu.Unlock()

	var err error
	for step := 0; step < cmd.count; step++ {
		desc, derr := p.Patterns.TryDequeue()
		if derr != nil {
			if abortThreshold <= 0 {
				err = ErrMissingPattern
				break
			}
			time.Sleep(abortThreshold)
			desc, derr = p.Patterns.TryDequeue()
			if derr != nil {
				err = ErrMissingPattern
				break
			}
		}
		if serr := p.stepPresentBatch(ctx, desc, step == cmd.count-1); serr != nil {
			err = serr
			break
		}
		select {
		case <-p.stop:
			err = fmt.Errorf("presenter: stopped mid-batch")
		default:
		}
		if err != nil {
			break
		}
	}

	p.mu.Lock()
	p.state = Draining
	p.mu.Unlock()
	p.Fabric.Set(p.key(LatchMainEndDraw))
	cmd.done <- err

	p.waitResumeOrStop(ctx)
}

func (p *Presenter) stepPresentBatch(ctx context.Context, desc pattern.Descriptor, last bool) error {
	if err := p.present(ctx, desc); err != nil {
		return p.handleBatchPresentFailure(desc, err)
	}
	atomic.AddInt64(&p.presentCounter, 1)

	p.mu.Lock()
	cams := append([]AttachedCamera(nil), p.cameras...)
	cfg := p.cfg
	p.mu.Unlock()
	now := timing.Now()
	if len(cams) == 0 {
		return nil
	}
	return p.scheduleTrigger(ctx, desc, cams, cfg, now, true, last)
}

func (p *Presenter) handleBatchPresentFailure(desc pattern.Descriptor, err error) error {
	if desc.Retry >= 2 {
		return nil // permanently failed; batch continues per spec.
	}
	desc.Retry++
	return p.Patterns.EnqueueFront(desc)
}

// RequestResumeContinuous transitions Draining -> ContinuousReady.
func (p *Presenter) RequestResumeContinuous(ctx context.Context) error {
	p.Fabric.Reset(p.key(LatchMainEndDraw))
	p.Fabric.Set(p.key(LatchMainResumeDraw))
	done := make(chan error, 1)
	select {
	case p.cmds <- command{kind: cmdResumeContinuous, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Presenter) waitResumeOrStop(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		case cmd := <-p.cmds:
			if cmd.kind == cmdResumeContinuous {
				p.Fabric.Reset(p.key(LatchMainResumeDraw))
				p.mu.Lock()
				p.state = ContinuousReady
				p.mu.Unlock()
				cmd.done <- nil
				return
			}
			cmd.done <- fmt.Errorf("presenter: unexpected command in Draining state")
		}
	}
}

// SetDelayBlocking updates the blocking-mode present-to-trigger delay.
func (p *Presenter) SetDelayBlocking(d time.Duration) {
	p.mu.Lock()
	p.cfg.Delay = d
	p.cfg.Blocking = true
	p.mu.Unlock()
}

// SetDelayNonBlocking updates the non-blocking-mode delay.
func (p *Presenter) SetDelayNonBlocking(d time.Duration) {
	p.mu.Lock()
	p.cfg.Delay = d
	p.cfg.Blocking = false
	p.mu.Unlock()
}

// SetPresentInterval updates the present period in whole VBLANKs,
// recomputing the refresh period used for skip detection.
func (p *Presenter) SetPresentInterval(vblanks int, refresh time.Duration) {
	p.mu.Lock()
	p.cfg.RefreshPeriod = refresh * time.Duration(vblanks)
	p.mu.Unlock()
}

// SetContinuous raises or clears the present latch, starting or
// stopping Continuous-mode streaming. The Coordinator calls this for
// start_continuous/stop_continuous.
func (p *Presenter) SetContinuous(v bool) error {
	if v {
		return p.Fabric.Set(p.key(LatchPresent))
	}
	return p.Fabric.Reset(p.key(LatchPresent))
}

// SetFullscreen toggles the surface's fullscreen mode.
func (p *Presenter) SetFullscreen(v bool) error {
	p.mu.Lock()
	p.fullscreen = v
	surf := p.Surface
	p.mu.Unlock()
	return surf.SetFullscreen(v)
}

// SetSavePNG and SetSaveRaw record the save flags in this Presenter's
// Config only; Persistence Workers take theirs from persistence.Config.
func (p *Presenter) SetSavePNG(v bool) {
	p.mu.Lock()
	p.cfg.SavePNG = v
	p.mu.Unlock()
}

func (p *Presenter) SetSaveRaw(v bool) {
	p.mu.Lock()
	p.cfg.SaveRaw = v
	p.mu.Unlock()
}

// SetLiveView toggles whether presented frames also mirror to a
// preview surface.
func (p *Presenter) SetLiveView(v bool) {
	p.mu.Lock()
	p.cfg.LiveView = v
	p.mu.Unlock()
}

// State returns the Presenter's current state machine state, used by
// the Coordinator to gate configuration changes that are only valid
// while a projector is stopped.
func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the current presenter statistics.
func (p *Presenter) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:          p.state,
		PresentCounter: atomic.LoadInt64(&p.presentCounter),
		SkipCounter:    atomic.LoadInt64(&p.skipCounter),
		Present:        p.presentStats.Snapshot(),
	}
}
