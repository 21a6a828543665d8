package display

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/sl3dscan/acquire/timing"
)

// Fake is a software Surface driven by a virtual VBLANK clock, used in
// place of real display hardware for development and tests. It mirrors
// lepton.fakeLepton's role: a deterministic stand-in that still
// exercises the full timing-sensitive call path.
type Fake struct {
	mu sync.Mutex

	refresh  time.Duration
	lastSync time.Time

	presentCount int64
	vblankCount  int64
	lastPresent  image.Image
	fullscreen   bool
	mode         Mode
	modes        []Mode

	removed bool // set by SimulateRemoval; every later Present returns ErrDeviceRemoved
}

// NewFake returns a Fake surface ticking a virtual VBLANK every period.
func NewFake(period time.Duration) *Fake {
	if period <= 0 {
		period = (60 * time.Second) / 60
	}
	return &Fake{
		refresh:  period,
		lastSync: time.Now(),
		mode:     Mode{Width: 1920, Height: 1080, RefreshMilliHz: int64(time.Second / period) * 1000},
		modes: []Mode{
			{Width: 1920, Height: 1080, RefreshMilliHz: int64(time.Second/period) * 1000},
		},
	}
}

// SimulateRemoval arranges for every subsequent Present call to return
// ErrDeviceRemoved, exercising the Presenter's swap-chain-recreate
// path.
func (f *Fake) SimulateRemoval() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
}

func (f *Fake) Present(ctx context.Context, bitmap image.Image) error {
	f.mu.Lock()
	if f.removed {
		f.mu.Unlock()
		return ErrDeviceRemoved
	}
	f.mu.Unlock()

	if err := f.WaitForVBlank(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	f.presentCount++
	f.lastPresent = bitmap
	f.mu.Unlock()
	return nil
}

func (f *Fake) WaitForVBlank(ctx context.Context) error {
	f.mu.Lock()
	next := f.lastSync.Add(f.refresh)
	f.mu.Unlock()

	wait := time.Until(next)
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.lastSync = time.Now()
	f.vblankCount++
	f.mu.Unlock()
	return nil
}

func (f *Fake) FrameStatistics() (FrameStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FrameStats{
		PresentCount: f.presentCount,
		VBlankCount:  f.vblankCount,
		PresentQPC:   int64(timing.Now()),
	}, nil
}

func (f *Fake) SetFullscreen(v bool) error {
	f.mu.Lock()
	f.fullscreen = v
	f.mu.Unlock()
	return nil
}

func (f *Fake) EnumerateModes() ([]Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Mode, len(f.modes))
	copy(out, f.modes)
	return out, nil
}

func (f *Fake) SetMode(m Mode) error {
	f.mu.Lock()
	f.mode = m
	if m.RefreshMilliHz > 0 {
		f.refresh = time.Second * 1000 / time.Duration(m.RefreshMilliHz)
	}
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error { return nil }

var _ Surface = (*Fake)(nil)
