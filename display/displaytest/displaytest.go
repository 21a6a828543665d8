// Package displaytest provides a recording fake of display.Surface for
// tests, mirroring periph's conn/display/displaytest package: no
// virtual clock, every call returns immediately and is recorded for
// assertions.
package displaytest

import (
	"context"
	"image"
	"sync"

	"github.com/sl3dscan/acquire/display"
)

// Surface is a no-wait fake display.Surface that records every
// Present call's bitmap and every mode/fullscreen change.
type Surface struct {
	mu sync.Mutex

	Presented    []image.Image
	VBlankCount  int64
	PresentCount int64
	Fullscreen   bool
	Mode         display.Mode
	Modes        []display.Mode

	// FailNext, if set, causes the next Present to return it instead of
	// succeeding.
	FailNext error

	// ClosedCount counts Close calls, for asserting a device-removal
	// recreation actually closed the failed surface.
	ClosedCount int
}

// NewSurface returns an empty recording fake.
func NewSurface(modes ...display.Mode) *Surface {
	return &Surface{Modes: modes}
}

func (s *Surface) Present(ctx context.Context, bitmap image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	s.Presented = append(s.Presented, bitmap)
	s.PresentCount++
	return nil
}

func (s *Surface) WaitForVBlank(ctx context.Context) error {
	s.mu.Lock()
	s.VBlankCount++
	s.mu.Unlock()
	return nil
}

func (s *Surface) FrameStatistics() (display.FrameStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return display.FrameStats{PresentCount: s.PresentCount, VBlankCount: s.VBlankCount}, nil
}

func (s *Surface) SetFullscreen(v bool) error {
	s.mu.Lock()
	s.Fullscreen = v
	s.mu.Unlock()
	return nil
}

func (s *Surface) EnumerateModes() ([]display.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]display.Mode, len(s.Modes))
	copy(out, s.Modes)
	return out, nil
}

func (s *Surface) SetMode(m display.Mode) error {
	s.mu.Lock()
	s.Mode = m
	s.mu.Unlock()
	return nil
}

func (s *Surface) Close() error {
	s.mu.Lock()
	s.ClosedCount++
	s.mu.Unlock()
	return nil
}

var _ display.Surface = (*Surface)(nil)
