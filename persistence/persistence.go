// Package persistence implements the Persistence Worker: one per
// camera, draining the Frame Store to disk as PNG and/or raw files and
// reporting queue depth for backpressure. Grounded on
// cmd/lepton/main.go's sendImages PNG-encoding loop, generalized from a
// single current image to a drained FIFO. It writes no manifest; the
// Control Surface writes manifest.json.
package persistence

import (
	"context"
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sl3dscan/acquire/fabric"
	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/rawfmt"
)

// Latch names within fabric.GroupEncoder for one camera id.
const (
	LatchQueueProcess = "image_encoder_queue_process"
	LatchQueueFull    = "queue_full"
	LatchTerminate    = "encoder_terminate"
)

// pollInterval is how often a Worker checks its Frame Store depth. A
// genuine wake-on-push from the Camera Driver would require camera to
// import persistence's latch names (or vice versa) for a concern
// neither package otherwise needs to share; polling at a short,
// bounded interval is the same trade-off DESIGN.md's "presenter
// command polling" decision already makes for an analogous
// responsiveness-vs-coupling problem.
const pollInterval = 5 * time.Millisecond

// Config controls one Worker's output and backpressure thresholds.
type Config struct {
	// Dir is the session directory this worker writes camera_<id>/
	// under.
	Dir string

	SavePNG bool
	SaveRaw bool

	// HighWatermark/LowWatermark gate the queue_full/queue_process
	// latches: depth at or above High raises both, draining continues
	// until depth is at or below Low.
	HighWatermark int
	LowWatermark  int
}

// Worker drains one camera's Frame Store FIFO.
type Worker struct {
	ID     uint16
	Fabric *fabric.Fabric
	Store  *framestore.Store
	Config Config
	Logger *log.Logger

	seq  int
	stop chan struct{}
	done chan struct{}
}

// New returns a Worker for camera id. A nil logger defaults to
// os.Stderr, matching the teacher's log.New(os.Stderr, prefix, ...)
// convention.
func New(id uint16, fab *fabric.Fabric, store *framestore.Store, cfg Config, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(os.Stderr, fmt.Sprintf("persistence[%d] ", id), log.LstdFlags)
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 8
	}
	if cfg.LowWatermark < 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 2
	}
	return &Worker{ID: id, Fabric: fab, Store: store, Config: cfg, Logger: logger}
}

func (w *Worker) key(name string) fabric.Key {
	return fabric.Key{Group: fabric.GroupEncoder, ID: int(w.ID), Name: name}
}

// Declare registers this worker's latches in the fabric.
func (w *Worker) Declare() {
	for _, name := range []string{LatchQueueProcess, LatchQueueFull, LatchTerminate} {
		w.Fabric.Declare(w.key(name))
	}
}

// Start launches the drain loop.
func (w *Worker) Start(ctx context.Context) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop signals the drain loop to exit and waits for it, letting the
// current file write finish per spec.md §5's cancellation semantics
// for this component.
func (w *Worker) Stop() {
	if w.stop != nil {
		close(w.stop)
		<-w.done
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		}
	}
}

// tick drains the Frame Store down to LowWatermark and maintains the
// queue_process/queue_full latches for external observability.
func (w *Worker) tick() {
	total := w.Store.Len(w.ID)
	if total >= w.Config.HighWatermark {
		w.Fabric.Set(w.key(LatchQueueFull))
		w.Fabric.Set(w.key(LatchQueueProcess))
	}
	if total <= w.Config.LowWatermark {
		return
	}
	w.Fabric.Reset(w.key(LatchQueueProcess))
	n := total - w.Config.LowWatermark
	for _, rec := range w.Store.PopUpTo(w.ID, n) {
		w.persist(rec)
	}
	if w.Store.Len(w.ID) <= w.Config.LowWatermark {
		w.Fabric.Reset(w.key(LatchQueueFull))
	}
}

func (w *Worker) persist(rec framestore.Record) {
	w.seq++
	if !rec.Acquired {
		w.Logger.Printf("camera %d pattern %d: unacquired, nothing to write", rec.Key.CameraID, rec.Key.PatternIndex)
	} else {
		dir := filepath.Join(w.Config.Dir, fmt.Sprintf("camera_%d", rec.Key.CameraID))
		base := fmt.Sprintf("%03d_%d", w.seq, rec.Key.PatternIndex)
		if w.Config.SavePNG {
			if err := w.writePNG(dir, base, rec); err != nil {
				w.Logger.Printf("png write failed: %v", err)
			}
		}
		if w.Config.SaveRaw {
			if err := w.writeRaw(dir, base, rec); err != nil {
				w.Logger.Printf("raw write failed: %v", err)
			}
		}
	}
}

func (w *Worker) writePNG(dir, base string, rec framestore.Record) error {
	img, err := toImage(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, base+".png"))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func (w *Worker) writeRaw(dir, base string, rec framestore.Record) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, base+".raw"))
	if err != nil {
		return err
	}
	defer f.Close()
	return rawfmt.Encode(f, rec)
}
