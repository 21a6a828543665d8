// Package control implements the Control Surface: the single entry
// point an operator tool or daemon uses to wire projectors and
// cameras, run sequential/simultaneous batches, query status, and tear
// the whole engine down. It owns the lifetime of every other
// component, mirroring cmd/lepton/main.go's mainImpl wiring the
// capture device, ring buffer and HTTP server together under one
// owner.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sl3dscan/acquire/camera"
	"github.com/sl3dscan/acquire/camera/backend"
	"github.com/sl3dscan/acquire/coordinator"
	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/display"
	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/manifest"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/persistence"
	"github.com/sl3dscan/acquire/presenter"
	"github.com/sl3dscan/acquire/topology"
)

// Result is one projector's outcome from a batch verb, per spec.md §7
// "batch verbs return per-projector result maps".
type Result struct {
	Err error
}

// ProjectorStatus is the read-only snapshot ProjectorStatus/Status
// expose for one projector.
type ProjectorStatus struct {
	ID    uint16
	State string
	Stats presenter.Stats
}

// CameraStatusInfo is the read-only snapshot Status exposes for one
// camera.
type CameraStatusInfo struct {
	ID    uint16
	Stats camera.Stats
}

// Status is a full point-in-time snapshot of the engine.
type Status struct {
	Session    string
	Projectors []ProjectorStatus
	Cameras    []CameraStatusInfo
}

// PersistenceConfig controls how a camera's Persistence Worker writes
// to disk; it is distinct from coordinator.CameraConfig (sensor parameters)
// because save flags and watermarks are file-output concerns, not
// acquisition ones.
type PersistenceConfig struct {
	SavePNG       bool
	SaveRaw       bool
	HighWatermark int
	LowWatermark  int
}

// Surface owns every other component's lifetime: the shared fabric,
// topology table, metadata queue, frame store, the Coordinator, and
// one Persistence Worker per camera.
type Surface struct {
	Fabric      *fabric.Fabric
	Topology    *topology.Table
	Meta        *metadata.Queue
	Store       *framestore.Store
	Coordinator *coordinator.Coordinator

	Session    string
	Method     string
	OutputRoot string

	mu      sync.Mutex
	workers map[uint16]*persistence.Worker
}

// New wires a fresh engine: empty topology, one shared fabric,
// metadata queue and frame store, and a Coordinator over all three.
func New(session, method, outputRoot string) *Surface {
	fab := fabric.New()
	topo := topology.New(fab)
	meta := metadata.New()
	store := framestore.New()
	return &Surface{
		Fabric:      fab,
		Topology:    topo,
		Meta:        meta,
		Store:       store,
		Coordinator: coordinator.New(fab, topo, meta),
		Session:     session,
		Method:      method,
		OutputRoot:  outputRoot,
		workers:     map[uint16]*persistence.Worker{},
	}
}

// AddProjector wires a new projector through the Coordinator.
func (s *Surface) AddProjector(cfg presenter.Config, surface display.Surface, dec decoder.Decoder, patterns *pattern.Queue) uint16 {
	return s.Coordinator.AddProjector(cfg, surface, dec, patterns)
}

// RemoveProjector removes a stopped projector and every attached
// camera's Persistence Worker along with it.
func (s *Surface) RemoveProjector(id uint16) error {
	cams := s.Topology.CamerasForProjector(id)
	if err := s.Coordinator.RemoveProjector(id); err != nil {
		return err
	}
	s.mu.Lock()
	for _, cam := range cams {
		if w, ok := s.workers[cam.ID]; ok {
			w.Stop()
			delete(s.workers, cam.ID)
		}
	}
	s.mu.Unlock()
	return nil
}

// AddCamera attaches a camera to a projector and starts both its
// Camera Driver (via the Coordinator) and its Persistence Worker.
func (s *Surface) AddCamera(ctx context.Context, projectorID uint16, uniqueIdentifier string, be backend.Backend, camCfg coordinator.CameraConfig, persistCfg PersistenceConfig) (uint16, error) {
	id, err := s.Coordinator.AddCamera(ctx, projectorID, uniqueIdentifier, be, s.Store, camCfg)
	if err != nil {
		return 0, err
	}
	w := persistence.New(id, s.Fabric, s.Store, persistence.Config{
		Dir:           s.sessionDir(),
		SavePNG:       persistCfg.SavePNG,
		SaveRaw:       persistCfg.SaveRaw,
		HighWatermark: persistCfg.HighWatermark,
		LowWatermark:  persistCfg.LowWatermark,
	}, nil)
	w.Declare()
	w.Start(ctx)
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	return id, nil
}

// RemoveCamera stops and removes a camera's driver and Persistence
// Worker. Its projector must not be running.
func (s *Surface) RemoveCamera(id uint16) error {
	if err := s.Coordinator.RemoveCamera(id); err != nil {
		return err
	}
	s.mu.Lock()
	if w, ok := s.workers[id]; ok {
		w.Stop()
		delete(s.workers, id)
	}
	s.mu.Unlock()
	return nil
}

// StartContinuous and StopContinuous delegate straight to the
// Coordinator.
func (s *Surface) StartContinuous(ctx context.Context, projectorID uint16) error {
	return s.Coordinator.StartContinuous(ctx, projectorID)
}

func (s *Surface) StopContinuous(projectorID uint16) error {
	return s.Coordinator.StopContinuous(projectorID)
}

// StartSequentialBatch runs a batch and writes the session manifest
// before any projector begins, since the manifest describes the
// topology as configured at batch start.
func (s *Surface) StartSequentialBatch(ctx context.Context, counts map[uint16]int) (map[uint16]Result, error) {
	if err := s.writeManifest(); err != nil {
		return nil, err
	}
	return toResults(s.Coordinator.StartSequentialBatch(ctx, counts)), nil
}

// StartSimultaneousBatch is the simultaneous counterpart of
// StartSequentialBatch.
func (s *Surface) StartSimultaneousBatch(ctx context.Context, counts map[uint16]int) (map[uint16]Result, error) {
	if err := s.writeManifest(); err != nil {
		return nil, err
	}
	return toResults(s.Coordinator.StartSimultaneousBatch(ctx, counts)), nil
}

func toResults(errs map[uint16]error) map[uint16]Result {
	out := make(map[uint16]Result, len(errs))
	for id, err := range errs {
		out[id] = Result{Err: err}
	}
	return out
}

// sessionDir is the directory every camera's Persistence Worker writes
// camera_<id>/ subdirectories under, and where writeManifest puts
// manifest.json: <OutputRoot>/<Session>. No timestamp or tag level is
// added beneath Session, so every camera and every batch run on this
// Surface share that one directory.
func (s *Surface) sessionDir() string {
	return s.OutputRoot + "/" + s.Session
}

func (s *Surface) writeManifest() error {
	m := manifest.New(s.Session, s.Method, time.Now(), s.Topology.Projectors(), s.Topology.Cameras())
	return m.WriteFile(s.sessionDir() + "/manifest.json")
}

// Status returns a full snapshot of every registered projector and
// camera.
func (s *Surface) Status() Status {
	projectors := s.Topology.Projectors()
	cameras := s.Topology.Cameras()
	st := Status{
		Session:    s.Session,
		Projectors: make([]ProjectorStatus, 0, len(projectors)),
		Cameras:    make([]CameraStatusInfo, 0, len(cameras)),
	}
	for _, p := range projectors {
		stats, err := s.Coordinator.ProjectorStats(p.ID)
		if err != nil {
			continue
		}
		st.Projectors = append(st.Projectors, ProjectorStatus{ID: p.ID, State: stats.State.String(), Stats: stats})
	}
	for _, c := range cameras {
		stats, err := s.Coordinator.CameraStats(c.ID)
		if err != nil {
			continue
		}
		st.Cameras = append(st.Cameras, CameraStatusInfo{ID: c.ID, Stats: stats})
	}
	return st
}

// ProjectorStatus returns one projector's status.
func (s *Surface) ProjectorStatus(id uint16) (ProjectorStatus, error) {
	stats, err := s.Coordinator.ProjectorStats(id)
	if err != nil {
		return ProjectorStatus{}, err
	}
	return ProjectorStatus{ID: id, State: stats.State.String(), Stats: stats}, nil
}

// CameraStatus returns one camera's status.
func (s *Surface) CameraStatus(id uint16) (CameraStatusInfo, error) {
	stats, err := s.Coordinator.CameraStats(id)
	if err != nil {
		return CameraStatusInfo{}, err
	}
	return CameraStatusInfo{ID: id, Stats: stats}, nil
}

// Shutdown stops every component this Surface owns: all Persistence
// Workers, then the Coordinator's projectors and cameras.
func (s *Surface) Shutdown() error {
	s.mu.Lock()
	for _, w := range s.workers {
		w.Stop()
	}
	s.workers = map[uint16]*persistence.Worker{}
	s.mu.Unlock()

	if errs := s.Coordinator.Shutdown(); len(errs) > 0 {
		return fmt.Errorf("control: shutdown errors: %v", errs)
	}
	return nil
}
