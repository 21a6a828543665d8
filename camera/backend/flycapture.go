package backend

import "time"

// FlyCapture targets Point Grey/FLIR's legacy FlyCapture2 SDK. Stub;
// see Pylon for the rationale shared by all cgo-dependent vendor
// backends.
type FlyCapture struct {
	id string
}

// NewFlyCapture returns an unopened FlyCapture backend handle.
func NewFlyCapture() *FlyCapture { return &FlyCapture{} }

func (f *FlyCapture) Open(uniqueIdentifier string) error { return ErrVendorSDKUnavailable }
func (f *FlyCapture) Close() error                       { return ErrVendorSDKUnavailable }

func (f *FlyCapture) Configure(exposure time.Duration, format PixelFormat) (time.Duration, error) {
	return 0, ErrVendorSDKUnavailable
}

func (f *FlyCapture) ArmStream(ringBuffers int, cb Callbacks) error { return ErrVendorSDKUnavailable }
func (f *FlyCapture) DisarmStream() error                           { return ErrVendorSDKUnavailable }
func (f *FlyCapture) Trigger() error                                { return ErrVendorSDKUnavailable }
func (f *FlyCapture) UniqueIdentifier() string                      { return f.id }

var _ Backend = (*FlyCapture)(nil)
