// Package metadata implements the Metadata Queue: per-camera unbounded
// FIFOs of Frame Metadata describing triggers the Presenter has
// scheduled but the Camera Driver has not yet dispatched.
package metadata

import (
	"sync"

	"github.com/sl3dscan/acquire/pattern"
	"github.com/sl3dscan/acquire/timing"
)

// Flags are boolean markers carried alongside a captured frame.
type Flags uint8

const (
	// FlagIsBatch marks a frame captured as part of a batch acquisition
	// (as opposed to continuous preview).
	FlagIsBatch Flags = 1 << iota
	// FlagIsFixed marks a frame produced by a fixed-repeat pattern.
	FlagIsFixed
	// FlagIsLast marks the final frame of a batch for its camera.
	FlagIsLast
	// FlagIsBlocking marks a frame captured under blocking trigger mode.
	FlagIsBlocking
)

// Has reports whether f contains all bits of other.
func (f Flags) Has(other Flags) bool { return f&other == other }

// Key uniquely identifies one captured frame within a scan.
type Key struct {
	ProjectorID  uint16
	CameraID     uint16
	PatternIndex uint32
}

// Metadata describes one captured frame without its pixel payload; the
// payload lives alongside it in package framestore, keyed by the same
// Key.
type Metadata struct {
	Key Key

	// Filename is an optional base name carried with this frame, absent
	// any extension. The Persistence Worker does not read it; it names
	// files from its own sequence number and the pattern index.
	Filename string

	// QPCBeforeTrigger and QPCAfterTrigger bracket the camera trigger
	// instant, letting a reviewer bound the acquisition's jitter.
	QPCBeforeTrigger timing.Tick
	QPCAfterTrigger  timing.Tick

	// ScheduledTrigger, when non-zero, is the tick the Camera Driver
	// must spin until before invoking the vendor trigger primitive —
	// the "non-blocking with deferred spin" case where the Presenter has
	// handed off a future trigger instant instead of triggering inline.
	ScheduledTrigger timing.Tick

	Flags Flags

	CreatedAt timing.Tick

	// Pattern is the originating Pattern Descriptor, carried alongside
	// its trigger so a dropped or invalid trigger can be rebuilt and
	// re-enqueued at the head of the Pattern Queue with Retry
	// incremented, rather than merely re-dispatching the vendor trigger
	// in place.
	Pattern pattern.Descriptor
}

// Queue is an unbounded per-camera FIFO of Metadata records. Unlike the
// Pattern Queue, the Metadata Queue never rejects a push: the Camera
// Driver must never block on metadata bookkeeping, so backpressure is
// applied upstream instead (the Frame Store's queue_full condition).
type Queue struct {
	mu      sync.Mutex
	perCam  map[uint16][]Metadata
}

// New returns an empty Metadata Queue.
func New() *Queue {
	return &Queue{perCam: make(map[uint16][]Metadata)}
}

// Push appends m to the tail of its camera's FIFO.
func (q *Queue) Push(m Metadata) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.perCam[m.Key.CameraID] = append(q.perCam[m.Key.CameraID], m)
}

// Pop removes and returns the oldest Metadata record for the given
// camera, ok=false if that camera's FIFO is empty.
func (q *Queue) Pop(cameraID uint16) (Metadata, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.perCam[cameraID]
	if len(fifo) == 0 {
		return Metadata{}, false
	}
	m := fifo[0]
	q.perCam[cameraID] = fifo[1:]
	return m, true
}

// Len returns the number of pending Metadata records for a camera.
func (q *Queue) Len(cameraID uint16) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.perCam[cameraID])
}

// TotalLen returns the number of pending Metadata records across all
// cameras.
func (q *Queue) TotalLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, fifo := range q.perCam {
		n += len(fifo)
	}
	return n
}

// RemoveCamera drops a camera's FIFO entirely, used when a camera is
// removed from the topology while stopped.
func (q *Queue) RemoveCamera(cameraID uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.perCam, cameraID)
}
