// Package backend declares the five-primitive vendor capability set the
// Camera Driver drives, and provides the tagged-variant concrete
// backends: software-triggered stubs for Pylon, Sapera, Spinnaker and
// FlyCapture-like SDKs (unavailable without vendor libraries present at
// build time) plus a fully working FromFile backend used for
// development and the test suite.
package backend

import (
	"errors"
	"time"
)

// PixelFormat identifies the sensor readout format a Backend is
// configured to deliver.
type PixelFormat uint8

const (
	PixelFormatGray8 PixelFormat = iota
	PixelFormatGray16
	PixelFormatBGR8
	PixelFormatBGRA8
)

// Frame is one delivered sensor readout.
type Frame struct {
	Width, Height, Stride int
	Format                PixelFormat
	Bytes                 []byte
}

// Callbacks are the five asynchronous notifications a Backend invokes
// on the Camera Driver's behalf. Every callback is invoked on a
// vendor-owned thread (or, for FromFile, a goroutine the backend
// spawns); the Driver is responsible for hopping back onto its own
// trigger-loop goroutine via the Event Fabric.
type Callbacks struct {
	OnExposureBegin  func()
	OnExposureEnd    func()
	OnFrameReady     func(Frame)
	OnFrameSkipped   func()
	OnInvalidTrigger func()
}

// ErrVendorSDKUnavailable is returned by Open on backends whose vendor
// SDK is not linked into this build.
var ErrVendorSDKUnavailable = errors.New("backend: vendor SDK unavailable in this build")

// Backend is the capability set every camera vendor variant exposes,
// mirroring spec.md's five-primitive camera abstraction (open/close,
// configure, arm_stream, trigger, callback subscription) plus a
// stable identity string.
type Backend interface {
	// Open enumerates devices and claims the one matching
	// uniqueIdentifier exclusively. An empty uniqueIdentifier claims the
	// first device found.
	Open(uniqueIdentifier string) error
	// Close releases the claimed device.
	Close() error

	// Configure sets software-trigger mode, exposure and pixel format.
	// It returns the exposure actually applied, which vendor hardware
	// may round to its own resolution.
	Configure(exposure time.Duration, format PixelFormat) (time.Duration, error)

	// ArmStream allocates ringBuffers ring buffers and begins streaming
	// in armed (software-triggered) mode.
	ArmStream(ringBuffers int, cb Callbacks) error
	// DisarmStream stops streaming and releases the ring buffers.
	DisarmStream() error

	// Trigger emits one software trigger. It is non-blocking; callers
	// observe the outcome via the Callbacks passed to ArmStream.
	Trigger() error

	// UniqueIdentifier returns a stable string identifying the claimed
	// device, independent of the identifier used to Open it.
	UniqueIdentifier() string
}
