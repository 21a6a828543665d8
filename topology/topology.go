// Package topology implements the dense-ID projector/camera table the
// Coordinator owns: swap-and-pop removal keeps storage dense, and
// every removal/rename is mirrored into the Event Fabric, so a wait on
// a removed or renamed-away latch ends with fabric.ErrAbandoned instead
// of hanging. This replaces the
// original implementation's cyclic raw-pointer ownership between
// Presenter and Camera Driver per spec.md's explicit redesign note.
package topology

import (
	"fmt"
	"sync"
	"time"

	"github.com/sl3dscan/acquire/fabric"
)

// Projector is one projector's configuration and attachment set.
type Projector struct {
	ID uint16

	RefreshPeriod   time.Duration
	Delay           time.Duration
	Exposure        time.Duration
	ConcurrentDelay bool

	Cameras []uint16
}

// Camera is one camera's identity and owning projector.
type Camera struct {
	ID               uint16
	ProjectorID      uint16
	UniqueIdentifier string
}

// ErrNotFound is returned when an id does not name a current member.
var ErrNotFound = fmt.Errorf("topology: not found")

// Table is the dense-ID projector/camera table. The zero value is not
// usable; use New.
type Table struct {
	mu     sync.RWMutex
	fabric *fabric.Fabric

	projectors []Projector
	cameras    []Camera
}

// New returns an empty Table mirroring removals and renames into fab.
func New(fab *fabric.Fabric) *Table {
	return &Table{fabric: fab}
}

// AddProjector appends p at the next dense id. It declares no fabric
// latches; the projector's Presenter declares its own. The
// caller-supplied p.ID is ignored and overwritten with the assigned id.
func (t *Table) AddProjector(p Projector) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uint16(len(t.projectors))
	p.ID = id
	p.Cameras = nil
	t.projectors = append(t.projectors, p)
	return id
}

// RemoveProjector removes a projector, swapping the last projector
// into its slot and renaming that projector's fabric group membership
// to the freed id, so lookups and later waits on the freed id reach
// the moved projector's latches. A wait already outstanding on the
// moved projector's old id does not follow the rename; it observes
// fabric.ErrAbandoned. All cameras attached to the removed projector
// are also removed.
func (t *Table) RemoveProjector(id uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i, p := range t.projectors {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: projector %d", ErrNotFound, id)
	}

	for _, camID := range append([]uint16(nil), t.projectors[idx].Cameras...) {
		t.removeCameraLocked(camID)
	}

	last := len(t.projectors) - 1
	t.fabric.RemoveMember(fabric.GroupProjector, int(id))
	if idx != last {
		movedID := t.projectors[last].ID
		t.projectors[idx] = t.projectors[last]
		t.projectors[idx].ID = id
		for i := range t.cameras {
			if t.cameras[i].ProjectorID == movedID {
				t.cameras[i].ProjectorID = id
			}
		}
		t.fabric.Rename(fabric.GroupProjector, int(movedID), int(id))
	}
	t.projectors = t.projectors[:last]
	return nil
}

// AddCamera appends c at the next dense id and attaches it to
// c.ProjectorID. It declares no fabric latches; the camera's Driver
// declares its own.
func (t *Table) AddCamera(c Camera) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pIdx := t.projectorIndexLocked(c.ProjectorID)
	if pIdx < 0 {
		return 0, fmt.Errorf("%w: projector %d", ErrNotFound, c.ProjectorID)
	}
	id := uint16(len(t.cameras))
	c.ID = id
	t.cameras = append(t.cameras, c)
	t.projectors[pIdx].Cameras = append(t.projectors[pIdx].Cameras, id)
	return id, nil
}

// RemoveCamera detaches and removes a camera, swap-and-pop style.
func (t *Table) RemoveCamera(id uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeCameraLocked(id)
}

func (t *Table) removeCameraLocked(id uint16) error {
	idx := -1
	for i, c := range t.cameras {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: camera %d", ErrNotFound, id)
	}
	projID := t.cameras[idx].ProjectorID
	pIdx := t.projectorIndexLocked(projID)
	if pIdx >= 0 {
		t.projectors[pIdx].Cameras = removeUint16(t.projectors[pIdx].Cameras, id)
	}

	last := len(t.cameras) - 1
	t.fabric.RemoveMember(fabric.GroupCamera, int(id))
	if idx != last {
		movedID := t.cameras[last].ID
		movedProjID := t.cameras[last].ProjectorID
		t.cameras[idx] = t.cameras[last]
		t.cameras[idx].ID = id
		if mpIdx := t.projectorIndexLocked(movedProjID); mpIdx >= 0 {
			t.projectors[mpIdx].Cameras = renameUint16(t.projectors[mpIdx].Cameras, movedID, id)
		}
		t.fabric.Rename(fabric.GroupCamera, int(movedID), int(id))
	}
	t.cameras = t.cameras[:last]
	return nil
}

func removeUint16(s []uint16, v uint16) []uint16 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func renameUint16(s []uint16, old, new uint16) []uint16 {
	for i, x := range s {
		if x == old {
			s[i] = new
		}
	}
	return s
}

func (t *Table) projectorIndexLocked(id uint16) int {
	for i, p := range t.projectors {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Projector returns a copy of projector id's configuration.
func (t *Table) Projector(id uint16) (Projector, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.projectorIndexLocked(id)
	if idx < 0 {
		return Projector{}, false
	}
	p := t.projectors[idx]
	p.Cameras = append([]uint16(nil), p.Cameras...)
	return p, true
}

// Projectors returns a snapshot of every projector.
func (t *Table) Projectors() []Projector {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Projector, len(t.projectors))
	for i, p := range t.projectors {
		p.Cameras = append([]uint16(nil), p.Cameras...)
		out[i] = p
	}
	return out
}

// Camera returns a copy of camera id's configuration.
func (t *Table) Camera(id uint16) (Camera, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.cameras {
		if c.ID == id {
			return c, true
		}
	}
	return Camera{}, false
}

// CamerasForProjector returns the cameras currently attached to a
// projector.
func (t *Table) CamerasForProjector(projectorID uint16) []Camera {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.projectorIndexLocked(projectorID)
	if idx < 0 {
		return nil
	}
	out := make([]Camera, 0, len(t.projectors[idx].Cameras))
	for _, camID := range t.projectors[idx].Cameras {
		for _, c := range t.cameras {
			if c.ID == camID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// UpdateProjector replaces a projector's configuration (refresh,
// delay, exposure, concurrent-delay flag) in place through fn,
// restoring its id afterwards.
func (t *Table) UpdateProjector(id uint16, fn func(*Projector)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.projectorIndexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: projector %d", ErrNotFound, id)
	}
	fn(&t.projectors[idx])
	t.projectors[idx].ID = id
	return nil
}

// Cameras returns a snapshot of every camera across all projectors.
func (t *Table) Cameras() []Camera {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Camera, len(t.cameras))
	copy(out, t.cameras)
	return out
}

// NumProjectors and NumCameras report current dense table sizes.
func (t *Table) NumProjectors() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.projectors)
}

func (t *Table) NumCameras() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cameras)
}
