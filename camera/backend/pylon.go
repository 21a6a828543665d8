package backend

import "time"

// Pylon targets Basler's pylon SDK. It is a stub: building against the
// real pylon C SDK requires cgo and vendor headers neither retrievable
// nor appropriate to fabricate here, so every call fails with
// ErrVendorSDKUnavailable. The type exists so the driver's tagged-variant
// selection (spec.md's vendor enumeration) is complete and so a future
// cgo-enabled build tag can fill these methods in without touching
// callers.
type Pylon struct {
	id string
}

// NewPylon returns an unopened Pylon backend handle.
func NewPylon() *Pylon { return &Pylon{} }

func (p *Pylon) Open(uniqueIdentifier string) error { return ErrVendorSDKUnavailable }
func (p *Pylon) Close() error                       { return ErrVendorSDKUnavailable }

func (p *Pylon) Configure(exposure time.Duration, format PixelFormat) (time.Duration, error) {
	return 0, ErrVendorSDKUnavailable
}

func (p *Pylon) ArmStream(ringBuffers int, cb Callbacks) error { return ErrVendorSDKUnavailable }
func (p *Pylon) DisarmStream() error                           { return ErrVendorSDKUnavailable }
func (p *Pylon) Trigger() error                                { return ErrVendorSDKUnavailable }
func (p *Pylon) UniqueIdentifier() string                      { return p.id }

var _ Backend = (*Pylon)(nil)
