// Package backendtest implements fakes for package backend, mirroring
// periph's conntest Playback/Record pattern: Playback replays a
// scripted sequence of Trigger outcomes so the Camera Driver can be
// exercised without any real or simulated hardware I/O.
package backendtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/sl3dscan/acquire/camera/backend"
)

// Outcome is one scripted response to a Trigger call.
type Outcome struct {
	// Frame is delivered via OnFrameReady if Skipped and Invalid are
	// both false.
	Frame   backend.Frame
	Skipped bool
	Invalid bool
}

// Playback is a Backend that replays a fixed sequence of Outcomes, one
// per Trigger call, failing loudly if Trigger is called more times
// than there are Outcomes queued.
type Playback struct {
	mu sync.Mutex

	ID       string
	Ops      []Outcome
	Count    int
	Exposure time.Duration
	Format   backend.PixelFormat
	cb       backend.Callbacks
	armed    bool
}

// Close verifies every scripted Outcome was consumed, the same
// contract conntest.Playback.Close enforces.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Count != len(p.Ops) {
		return fmt.Errorf("backendtest: playback not exhausted: consumed %d of %d", p.Count, len(p.Ops))
	}
	return nil
}

func (p *Playback) Open(uniqueIdentifier string) error { return nil }

func (p *Playback) Configure(exposure time.Duration, format backend.PixelFormat) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Exposure = exposure
	p.Format = format
	return exposure, nil
}

func (p *Playback) ArmStream(ringBuffers int, cb backend.Callbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
	p.armed = true
	return nil
}

func (p *Playback) DisarmStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = false
	return nil
}

// Trigger consumes the next scripted Outcome synchronously, invoking
// the registered callbacks in order before returning, which keeps test
// assertions deterministic (no goroutine hand-off as the real FromFile
// backend has).
func (p *Playback) Trigger() error {
	p.mu.Lock()
	if !p.armed {
		p.mu.Unlock()
		return fmt.Errorf("backendtest: trigger while disarmed")
	}
	if p.Count >= len(p.Ops) {
		p.mu.Unlock()
		return fmt.Errorf("backendtest: unexpected trigger (count #%d)", p.Count)
	}
	op := p.Ops[p.Count]
	p.Count++
	cb := p.cb
	p.mu.Unlock()

	if cb.OnExposureBegin != nil {
		cb.OnExposureBegin()
	}
	switch {
	case op.Invalid:
		if cb.OnInvalidTrigger != nil {
			cb.OnInvalidTrigger()
		}
	case op.Skipped:
		if cb.OnFrameSkipped != nil {
			cb.OnFrameSkipped()
		}
	default:
		if cb.OnExposureEnd != nil {
			cb.OnExposureEnd()
		}
		if cb.OnFrameReady != nil {
			cb.OnFrameReady(op.Frame)
		}
	}
	return nil
}

func (p *Playback) UniqueIdentifier() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ID
}

var _ backend.Backend = (*Playback)(nil)
