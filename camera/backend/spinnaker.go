package backend

import "time"

// Spinnaker targets FLIR's Spinnaker SDK. Stub; see Pylon for the
// rationale shared by all cgo-dependent vendor backends.
type Spinnaker struct {
	id string
}

// NewSpinnaker returns an unopened Spinnaker backend handle.
func NewSpinnaker() *Spinnaker { return &Spinnaker{} }

func (s *Spinnaker) Open(uniqueIdentifier string) error { return ErrVendorSDKUnavailable }
func (s *Spinnaker) Close() error                       { return ErrVendorSDKUnavailable }

func (s *Spinnaker) Configure(exposure time.Duration, format PixelFormat) (time.Duration, error) {
	return 0, ErrVendorSDKUnavailable
}

func (s *Spinnaker) ArmStream(ringBuffers int, cb Callbacks) error { return ErrVendorSDKUnavailable }
func (s *Spinnaker) DisarmStream() error                           { return ErrVendorSDKUnavailable }
func (s *Spinnaker) Trigger() error                                { return ErrVendorSDKUnavailable }
func (s *Spinnaker) UniqueIdentifier() string                      { return s.id }

var _ Backend = (*Spinnaker)(nil)
