// Package coordinator implements the Coordinator: the single owner of
// topology membership and the orchestrator of sequential and
// simultaneous batch acquisitions across projectors. Every verb is
// executed holding the Coordinator's own lock, mirroring
// lepton/bus.go's single owner-goroutine-serializes-access pattern
// generalized from one device to many.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/physic"

	"github.com/sl3dscan/acquire/camera"
	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/display"
	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/presenter"
	"github.com/sl3dscan/acquire/topology"
)

// Rendezvous counter names declared in fabric.GroupCoordinator during a
// simultaneous batch. The Coordinator declares them with a conditional
// set/reset refcount of N (projectors with ≥1 attached camera) before
// the batch and removes them after; nothing in the batch decrements or
// waits on them. Presents are not synchronized across projectors per
// step: every projector's independent batch loop is started inside the
// same window, and each Presenter serializes only its own camera acks
// (see DESIGN.md's "simultaneous batch rendezvous" entry).
const (
	LatchDrawSyncPresent  = "draw_sync_present"
	LatchDrawSyncVBlank   = "draw_sync_vblank"
	LatchDrawSyncTriggers = "draw_sync_triggers"
)

// ErrMustBeStopped is returned by topology mutation verbs once the
// affected projector has been started with StartContinuous;
// StopContinuous does not clear this, only Shutdown does. ApplyConfig
// wraps it when a projector is in neither presenter.Idle nor
// presenter.ContinuousReady.
var ErrMustBeStopped = fmt.Errorf("coordinator: projector must be stopped before topology mutation")

// projectorEntry bundles a Presenter with the bookkeeping the
// Coordinator needs (camera driver membership, started flag).
type projectorEntry struct {
	presenter *presenter.Presenter
	started   bool
}

// cameraEntry bundles a Camera Driver with its own started flag, since
// a camera can be added to a stopped projector well before the
// projector (and therefore the camera's backend) is started.
type cameraEntry struct {
	driver  *camera.Driver
	started bool
}

// CameraConfig carries the parameters camera.Driver.Start needs that
// AddCamera doesn't otherwise have a home for.
type CameraConfig struct {
	Exposure    time.Duration
	Format      backend.PixelFormat
	RingBuffers int
}

// Coordinator owns the topology table and every Presenter/Camera
// Driver, serializing verb execution behind mu.
type Coordinator struct {
	Fabric   *fabric.Fabric
	Topology *topology.Table
	Meta     *metadata.Queue

	mu         sync.Mutex
	projectors map[uint16]*projectorEntry
	cameras    map[uint16]*cameraEntry
}

// New wires a Coordinator against a shared fabric, topology table and
// metadata queue. Every Presenter and Camera Driver registered through
// AddProjector/AddCamera shares this one Metadata Queue.
func New(fab *fabric.Fabric, topo *topology.Table, meta *metadata.Queue) *Coordinator {
	return &Coordinator{
		Fabric:     fab,
		Topology:   topo,
		Meta:       meta,
		projectors: map[uint16]*projectorEntry{},
		cameras:    map[uint16]*cameraEntry{},
	}
}

// AddProjector registers a new projector's topology entry and wires a
// Presenter for it. The projector starts stopped (Idle); the caller
// must call StartContinuous before any batch verb is valid for it.
func (c *Coordinator) AddProjector(cfg presenter.Config, surface display.Surface, dec decoder.Decoder, patterns *pattern.Queue) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.Topology.AddProjector(topology.Projector{
		RefreshPeriod:   cfg.RefreshPeriod,
		Delay:           cfg.Delay,
		Exposure:        cfg.Exposure,
		ConcurrentDelay: cfg.ConcurrentDelay,
	})
	p := presenter.New(id, surface, patterns, dec, c.Fabric, c.Meta, cfg)
	p.Declare()
	c.projectors[id] = &projectorEntry{presenter: p}
	return id
}

// RemoveProjector stops and removes a projector and every camera
// attached to it. The projector must not be running.
func (c *Coordinator) RemoveProjector(id uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.projectors[id]
	if !ok {
		return fmt.Errorf("coordinator: unknown projector %d", id)
	}
	if entry.started {
		return ErrMustBeStopped
	}
	for _, cam := range c.Topology.CamerasForProjector(id) {
		if ce, ok := c.cameras[cam.ID]; ok && ce.started {
			ce.driver.Stop()
		}
		delete(c.cameras, cam.ID)
	}
	if err := c.Topology.RemoveProjector(id); err != nil {
		return err
	}
	delete(c.projectors, id)
	return nil
}

// AddCamera registers a camera under a projector, opens its vendor
// backend and arms streaming, and wires a Camera Driver for it.
func (c *Coordinator) AddCamera(ctx context.Context, projectorID uint16, uniqueIdentifier string, be backend.Backend, store *framestore.Store, cfg CameraConfig) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.projectors[projectorID]
	if !ok {
		return 0, fmt.Errorf("coordinator: unknown projector %d", projectorID)
	}
	if entry.started {
		return 0, ErrMustBeStopped
	}
	id, err := c.Topology.AddCamera(topology.Camera{ProjectorID: projectorID, UniqueIdentifier: uniqueIdentifier})
	if err != nil {
		return 0, err
	}
	d := camera.NewDriver(id, be, c.Fabric, c.Meta, store, entry.presenter.Patterns)
	d.Declare()
	if _, err := d.Start(ctx, uniqueIdentifier, cfg.Exposure, cfg.Format, cfg.RingBuffers); err != nil {
		c.Topology.RemoveCamera(id)
		return 0, err
	}
	c.cameras[id] = &cameraEntry{driver: d, started: true}
	entry.presenter.AttachCamera(id)
	return id, nil
}

// RemoveCamera stops the camera's backend, detaches it from its
// projector and removes it from the topology. Its projector must not
// be running.
func (c *Coordinator) RemoveCamera(id uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cam, ok := c.Topology.Camera(id)
	if !ok {
		return fmt.Errorf("coordinator: unknown camera %d", id)
	}
	if entry, ok := c.projectors[cam.ProjectorID]; ok && entry.started {
		return ErrMustBeStopped
	}
	if ce, ok := c.cameras[id]; ok && ce.started {
		if err := ce.driver.Stop(); err != nil {
			return err
		}
	}
	if err := c.Topology.RemoveCamera(id); err != nil {
		return err
	}
	delete(c.cameras, id)
	if entry, ok := c.projectors[cam.ProjectorID]; ok {
		entry.presenter.DetachCamera(id)
	}
	return nil
}

// StartContinuous starts (on first call) or resumes (on later calls)
// a projector's continuous preview loop.
func (c *Coordinator) StartContinuous(ctx context.Context, projectorID uint16) error {
	c.mu.Lock()
	entry, ok := c.projectors[projectorID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown projector %d", projectorID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !entry.started {
		if err := entry.presenter.Start(ctx); err != nil {
			return err
		}
		entry.started = true
	}
	return entry.presenter.SetContinuous(true)
}

// StopContinuous clears a projector's present latch. Idempotent: a
// second call on an already-stopped projector is a no-op, matching
// Testable Property 7.
func (c *Coordinator) StopContinuous(projectorID uint16) error {
	c.mu.Lock()
	entry, ok := c.projectors[projectorID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown projector %d", projectorID)
	}
	if !entry.started {
		return nil
	}
	return entry.presenter.SetContinuous(false)
}

// projectorsWithCameras returns, in topology order, every projector id
// that has at least one attached camera (the Open Question (c)
// resolution: projectors without cameras are excluded from batch
// rendezvous entirely).
func (c *Coordinator) projectorsWithCameras() []uint16 {
	var ids []uint16
	for _, p := range c.Topology.Projectors() {
		if len(p.Cameras) > 0 {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// StartSequentialBatch runs counts[id] patterns through each
// projector-with-cameras one at a time, in topology order. Projector A
// completes entirely before projector B begins.
func (c *Coordinator) StartSequentialBatch(ctx context.Context, counts map[uint16]int) map[uint16]error {
	c.mu.Lock()
	ids := c.projectorsWithCameras()
	entries := make(map[uint16]*projectorEntry, len(ids))
	for _, id := range ids {
		entries[id] = c.projectors[id]
	}
	c.mu.Unlock()

	results := make(map[uint16]error, len(ids))
	for _, id := range ids {
		results[id] = c.runOneBatch(ctx, entries[id].presenter, counts[id])
	}
	return results
}

// StartSimultaneousBatch pads every projector's pattern queue with
// black frames so all run the same step count, then prepares, begins
// and resumes every projector-with-cameras within the same rendezvous
// window.
func (c *Coordinator) StartSimultaneousBatch(ctx context.Context, counts map[uint16]int) map[uint16]error {
	c.mu.Lock()
	ids := c.projectorsWithCameras()
	entries := make(map[uint16]*presenter.Presenter, len(ids))
	for _, id := range ids {
		entries[id] = c.projectors[id].presenter
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return map[uint16]error{}
	}

	maxCount := 0
	for _, id := range ids {
		if counts[id] > maxCount {
			maxCount = counts[id]
		}
	}
	for _, id := range ids {
		for i := counts[id]; i < maxCount; i++ {
			entries[id].Patterns.Enqueue(pattern.Descriptor{Kind: pattern.KindBlack, Index: i})
		}
	}

	c.armRendezvous(len(ids))
	defer c.disarmRendezvous()

	results := make(map[uint16]error, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		id, p := id, entries[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.runOneBatch(ctx, p, maxCount)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (c *Coordinator) armRendezvous(n int) {
	for _, name := range []string{LatchDrawSyncPresent, LatchDrawSyncVBlank, LatchDrawSyncTriggers} {
		c.Fabric.DeclareConditional(fabric.Key{Group: fabric.GroupCoordinator, ID: 0, Name: name}, n, n)
	}
}

func (c *Coordinator) disarmRendezvous() {
	for _, name := range []string{LatchDrawSyncPresent, LatchDrawSyncVBlank, LatchDrawSyncTriggers} {
		c.Fabric.Remove(fabric.Key{Group: fabric.GroupCoordinator, ID: 0, Name: name})
	}
}

// runOneBatch drives one projector through prepare -> begin -> resume,
// resuming continuous preview regardless of whether begin succeeded so
// a failed batch never leaves a projector stuck mid-drain.
func (c *Coordinator) runOneBatch(ctx context.Context, p *presenter.Presenter, count int) error {
	if err := p.RequestPrepareBatch(ctx); err != nil {
		return err
	}
	beginErr := p.RequestBeginBatch(ctx, count)
	if err := p.RequestResumeContinuous(ctx); err != nil && beginErr == nil {
		return err
	}
	return beginErr
}

// StopTimeout is the default duration passed to Presenter.Stop when
// the Coordinator tears everything down, five refresh periods per
// spec.md's cancellation timeout default for a single outstanding
// item at a typical 60Hz refresh.
const StopTimeout = 5 * (time.Second / 60)

// Config is the engine-wide configuration handed to ApplyConfig. Only
// SavePNG, SaveRaw and a non-zero DefaultDelay reach the projectors;
// LowWatermark, HighWatermark, DefaultExposure and RefreshFallback are
// carried but not read by ApplyConfig.
type Config struct {
	LowWatermark  int
	HighWatermark int

	DefaultDelay    time.Duration
	DefaultExposure time.Duration

	SavePNG bool
	SaveRaw bool

	RefreshFallback physic.Frequency
}

// ApplyConfig pushes engine-wide defaults to every registered
// projector's save flags and delay, rejecting with ErrMustBeStopped if
// any projector is not in presenter.Idle or presenter.ContinuousReady
// (i.e. a batch is in flight somewhere), per spec.md §4.H's "config
// propagation while stopped" rule.
func (c *Coordinator) ApplyConfig(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.projectors {
		switch entry.presenter.State() {
		case presenter.Idle, presenter.ContinuousReady:
		default:
			return fmt.Errorf("%w: projector %d", ErrMustBeStopped, id)
		}
	}
	for _, entry := range c.projectors {
		entry.presenter.SetSavePNG(cfg.SavePNG)
		entry.presenter.SetSaveRaw(cfg.SaveRaw)
		if cfg.DefaultDelay > 0 {
			entry.presenter.SetDelayNonBlocking(cfg.DefaultDelay)
		}
	}
	return nil
}

// Presenter returns the underlying Presenter for a registered
// projector, for callers (cmd/acquired's live-view wiring) that need
// direct access beyond the verb surface.
func (c *Coordinator) Presenter(id uint16) (*presenter.Presenter, error) {
	c.mu.Lock()
	entry, ok := c.projectors[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown projector %d", id)
	}
	return entry.presenter, nil
}

// ProjectorStats returns the Presenter statistics for a registered
// projector.
func (c *Coordinator) ProjectorStats(id uint16) (presenter.Stats, error) {
	c.mu.Lock()
	entry, ok := c.projectors[id]
	c.mu.Unlock()
	if !ok {
		return presenter.Stats{}, fmt.Errorf("coordinator: unknown projector %d", id)
	}
	return entry.presenter.Stats(), nil
}

// CameraStats returns the Camera Driver statistics for a registered
// camera.
func (c *Coordinator) CameraStats(id uint16) (camera.Stats, error) {
	c.mu.Lock()
	ce, ok := c.cameras[id]
	c.mu.Unlock()
	if !ok {
		return camera.Stats{}, fmt.Errorf("coordinator: unknown camera %d", id)
	}
	return ce.driver.Stats(), nil
}

// Shutdown stops every started projector and camera driver, bounding
// each projector's stop by StopTimeout. Errors are collected but do
// not stop the sweep, so one stuck component never prevents the rest
// of the engine from tearing down.
func (c *Coordinator) Shutdown() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, entry := range c.projectors {
		if entry.started {
			if err := entry.presenter.Stop(StopTimeout); err != nil {
				errs = append(errs, err)
			}
			entry.started = false
		}
	}
	for _, ce := range c.cameras {
		if ce.started {
			if err := ce.driver.Stop(); err != nil {
				errs = append(errs, err)
			}
			ce.started = false
		}
	}
	return errs
}
