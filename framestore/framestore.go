// Package framestore implements the Frame Store: an unbounded
// per-camera FIFO of captured Frame Records awaiting the Persistence
// Worker, mirrored against the Metadata Queue by the shared key.
package framestore

import (
	"sync"
	"sync/atomic"

	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/timing"
)

// PixelFormat identifies the layout of a Record's pixel bytes,
// mirroring lepton.Frame's image.Gray16 convention generalized to the
// handful of formats the supported camera vendors deliver.
type PixelFormat uint8

const (
	// PixelFormatGray8 is one byte per pixel.
	PixelFormatGray8 PixelFormat = iota
	// PixelFormatGray16 is two little-endian bytes per pixel, the
	// format Frame (lepton's 14-bit sensor, zero-extended) uses.
	PixelFormatGray16
	// PixelFormatBGR8 is three bytes per pixel, blue-green-red order.
	PixelFormatBGR8
	// PixelFormatBGRA8 is four bytes per pixel, blue-green-red-alpha
	// order.
	PixelFormatBGRA8
)

// BytesPerPixel returns the stride contribution of one pixel in this
// format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatGray8:
		return 1
	case PixelFormatGray16:
		return 2
	case PixelFormatBGR8:
		return 3
	case PixelFormatBGRA8:
		return 4
	default:
		return 0
	}
}

// Record pairs a captured frame's metadata key with its raw pixel
// buffer, width/height/stride and format.
type Record struct {
	Key metadata.Key

	Filename string

	Width  int
	Height int
	Stride int
	Format PixelFormat

	QPCBeforeTrigger timing.Tick
	QPCAfterTrigger  timing.Tick
	Flags            metadata.Flags

	// Acquired is false for a placeholder record left behind when a
	// trigger's retries were exhausted (Testable Property 2/5): the
	// pattern's place in the per-camera sequence is preserved, but
	// Pixels is empty.
	Acquired bool

	// RetryCount is how many times the originating trigger was
	// re-enqueued through the Pattern Queue before this record was
	// produced, 0 if it succeeded or failed on the first attempt.
	RetryCount int

	Pixels []byte
}

// Store is an unbounded per-camera FIFO of Frame Records, plus a
// running NumBatch counter tracking how many batch-tagged records
// (metadata.FlagIsBatch) are currently buffered across all cameras.
// Push increments it for every batch-tagged record it accepts; Pop and
// PopUpTo decrement it for every batch-tagged record they remove, so
// NumBatch reaches zero exactly when the store holds no batch-tagged
// record (Testable Property 3), not merely when a batch's last frame
// has drained.
type Store struct {
	mu     sync.Mutex
	perCam map[uint16][]Record

	numBatch int64
}

// New returns an empty Frame Store.
func New() *Store {
	return &Store{perCam: make(map[uint16][]Record)}
}

// Push appends r to the tail of its camera's FIFO, incrementing
// NumBatch if r carries metadata.FlagIsBatch.
func (s *Store) Push(r Record) {
	s.mu.Lock()
	s.perCam[r.Key.CameraID] = append(s.perCam[r.Key.CameraID], r)
	s.mu.Unlock()
	if r.Flags.Has(metadata.FlagIsBatch) {
		atomic.AddInt64(&s.numBatch, 1)
	}
}

// Pop removes and returns the oldest Record for the given camera,
// decrementing NumBatch if it carries metadata.FlagIsBatch.
func (s *Store) Pop(cameraID uint16) (Record, bool) {
	s.mu.Lock()
	fifo := s.perCam[cameraID]
	if len(fifo) == 0 {
		s.mu.Unlock()
		return Record{}, false
	}
	r := fifo[0]
	s.perCam[cameraID] = fifo[1:]
	s.mu.Unlock()
	if r.Flags.Has(metadata.FlagIsBatch) {
		atomic.AddInt64(&s.numBatch, -1)
	}
	return r, true
}

// PopUpTo drains at most n records from the given camera's FIFO,
// oldest first, as used by the Persistence Worker to drain down to the
// Frame Store's low watermark in one pass. NumBatch is decremented
// once per drained record carrying metadata.FlagIsBatch.
func (s *Store) PopUpTo(cameraID uint16, n int) []Record {
	s.mu.Lock()
	fifo := s.perCam[cameraID]
	if n > len(fifo) {
		n = len(fifo)
	}
	out := make([]Record, n)
	copy(out, fifo[:n])
	s.perCam[cameraID] = fifo[n:]
	s.mu.Unlock()
	for _, r := range out {
		if r.Flags.Has(metadata.FlagIsBatch) {
			atomic.AddInt64(&s.numBatch, -1)
		}
	}
	return out
}

// Len returns the number of pending records for a camera.
func (s *Store) Len(cameraID uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.perCam[cameraID])
}

// TotalLen returns the number of pending records across all cameras.
func (s *Store) TotalLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fifo := range s.perCam {
		n += len(fifo)
	}
	return n
}

// NumBatch returns the number of batch-tagged records currently
// buffered across all cameras.
func (s *Store) NumBatch() int64 {
	return atomic.LoadInt64(&s.numBatch)
}

// RemoveCamera drops a camera's FIFO entirely.
func (s *Store) RemoveCamera(cameraID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perCam, cameraID)
}
