package backend

import "time"

// Sapera targets Teledyne DALSA's Sapera LT SDK. Stub for the same
// reason as Pylon: no cgo vendor headers are available to this build.
type Sapera struct {
	id string
}

// NewSapera returns an unopened Sapera backend handle.
func NewSapera() *Sapera { return &Sapera{} }

func (s *Sapera) Open(uniqueIdentifier string) error { return ErrVendorSDKUnavailable }
func (s *Sapera) Close() error                       { return ErrVendorSDKUnavailable }

func (s *Sapera) Configure(exposure time.Duration, format PixelFormat) (time.Duration, error) {
	return 0, ErrVendorSDKUnavailable
}

func (s *Sapera) ArmStream(ringBuffers int, cb Callbacks) error { return ErrVendorSDKUnavailable }
func (s *Sapera) DisarmStream() error                           { return ErrVendorSDKUnavailable }
func (s *Sapera) Trigger() error                                { return ErrVendorSDKUnavailable }
func (s *Sapera) UniqueIdentifier() string                      { return s.id }

var _ Backend = (*Sapera)(nil)
