// Package display declares the external-collaborator surface the
// Presenter drives to put pixels on screen and learn when a VBLANK has
// passed, generalizing periph's connrw Drawer interface
// (periph.io/x/periph/conn/display) from a single write-only pixel
// sink to a full presentation surface with mode control and
// swap-chain-style frame statistics.
package display

import (
	"context"
	"image"
)

// Mode is one display mode a monitor can be set to.
type Mode struct {
	Width, Height int
	RefreshMilliHz int64
}

// FrameStats mirrors a swap-chain's frame statistics query: how many
// presents and VBLANKs the device has counted, and the tick at which
// the last present call returned.
type FrameStats struct {
	PresentCount int64
	VBlankCount  int64
	PresentQPC   int64
}

// Surface is one projector's presentation surface. Implementations own
// the device exclusively; the Presenter never shares a Surface across
// goroutines, matching spec.md's single-owner discipline.
type Surface interface {
	// Present makes bitmap visible, aligned to the device's refresh
	// boundary. It returns once the frame has been scanned out or
	// queued for the next VBLANK depending on the configured sync
	// interval.
	Present(ctx context.Context, bitmap image.Image) error

	// WaitForVBlank blocks until the next vertical-blanking interval.
	WaitForVBlank(ctx context.Context) error

	// FrameStatistics reports the device's running present/VBLANK
	// counters.
	FrameStatistics() (FrameStats, error)

	// SetFullscreen toggles exclusive fullscreen mode.
	SetFullscreen(bool) error

	// EnumerateModes lists the modes the device supports.
	EnumerateModes() ([]Mode, error)

	// SetMode switches the device to the given mode.
	SetMode(Mode) error

	// Close releases the surface. A Present call that returns
	// ErrDeviceRemoved leaves the Surface unusable; the Presenter
	// recreates it by calling Close then opening a replacement.
	Close() error
}

// ErrDeviceRemoved is returned by Present when the underlying device
// has been disconnected or otherwise invalidated the swap chain. The
// Presenter attempts exactly one recreation before giving up, per
// spec.md's device-error policy.
var ErrDeviceRemoved = errDeviceRemoved{}

type errDeviceRemoved struct{}

func (errDeviceRemoved) Error() string { return "display: device removed" }
