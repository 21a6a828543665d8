// Package fabric implements the event fabric: a process-wide set of
// named latches with per-latch set/reset refcounts and wait-any/all
// primitives, grouped by component kind so topology changes can
// extend, shrink, and rename membership without leaking waiters.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Group names a class of latch owner. Membership grows and shrinks as
// projectors and cameras are added or removed.
type Group string

const (
	GroupProjector   Group = "projector"
	GroupCamera      Group = "camera"
	GroupDecoder     Group = "decoder"
	GroupEncoder     Group = "encoder"
	GroupCoordinator Group = "coordinator"
)

// Key identifies one latch: its group, the numeric id of the member
// within that group (always 0 for GroupCoordinator, which has exactly
// one member), and the latch's name within that member.
type Key struct {
	Group Group
	ID    int
	Name  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%d].%s", k.Group, k.ID, k.Name)
}

// ErrAbandoned is returned by a wait on a latch that was removed
// (e.g. its owning camera or projector was detached) while the wait
// was outstanding.
var ErrAbandoned = errors.New("fabric: wait abandoned, latch removed")

// ErrUnknownLatch is returned by Set/Reset family calls against a key
// that was never declared.
var ErrUnknownLatch = errors.New("fabric: unknown latch")

type latch struct {
	signalled bool

	setStart, setRemaining     int
	resetStart, resetRemaining int
}

// Fabric is the latch set. The zero value is not usable; use New.
type Fabric struct {
	mu      sync.Mutex
	cond    *sync.Cond
	latches map[Key]*latch
}

// New returns an empty Fabric.
func New() *Fabric {
	f := &Fabric{latches: map[Key]*latch{}}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Declare adds a latch in the clear state with unconditional
// semantics (set/reset refcounts of 1, i.e. a single Set or
// SetConditional call signals it).
func (f *Fabric) Declare(key Key) {
	f.DeclareConditional(key, 1, 1)
}

// DeclareConditional adds a latch whose conditional-set primitive
// requires setStart calls to transition clear->signalled, and whose
// conditional-reset primitive requires resetStart calls to transition
// signalled->clear. Re-declaring an existing key resets its state.
func (f *Fabric) DeclareConditional(key Key, setStart, resetStart int) {
	if setStart < 1 {
		setStart = 1
	}
	if resetStart < 1 {
		resetStart = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latches[key] = &latch{
		setStart:      setStart,
		setRemaining:  setStart,
		resetStart:    resetStart,
		resetRemaining: resetStart,
	}
}

// Remove deletes a latch. Any outstanding wait referencing it observes
// ErrAbandoned.
func (f *Fabric) Remove(key Key) {
	f.mu.Lock()
	delete(f.latches, key)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// RemoveMember removes every latch belonging to (group, id), e.g. when
// a camera is detached.
func (f *Fabric) RemoveMember(group Group, id int) {
	f.mu.Lock()
	for k := range f.latches {
		if k.Group == group && k.ID == id {
			delete(f.latches, k)
		}
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Rename rebinds every latch of (group, oldID) to (group, newID). Used
// when the topology table swaps the last member into a deleted slot
// and renumbers it, so outstanding waiters keyed on newID observe the
// renamed member's state rather than abandonment.
func (f *Fabric) Rename(group Group, oldID, newID int) {
	if oldID == newID {
		return
	}
	f.mu.Lock()
	for k, v := range f.latches {
		if k.Group == group && k.ID == oldID {
			delete(f.latches, k)
			f.latches[Key{Group: group, ID: newID, Name: k.Name}] = v
		}
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Set unconditionally signals a latch.
func (f *Fabric) Set(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.latches[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLatch, key)
	}
	l.signalled = true
	f.cond.Broadcast()
	return nil
}

// Reset unconditionally clears a latch.
func (f *Fabric) Reset(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.latches[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLatch, key)
	}
	l.signalled = false
	f.cond.Broadcast()
	return nil
}

// SetConditional decrements the latch's set-refcount; when it reaches
// zero the latch signals and the refcount reloads to its start value.
func (f *Fabric) SetConditional(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.latches[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLatch, key)
	}
	l.setRemaining--
	if l.setRemaining <= 0 {
		l.signalled = true
		l.setRemaining = l.setStart
		f.cond.Broadcast()
	}
	return nil
}

// ResetConditional is the dual of SetConditional.
func (f *Fabric) ResetConditional(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.latches[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLatch, key)
	}
	l.resetRemaining--
	if l.resetRemaining <= 0 {
		l.signalled = false
		l.resetRemaining = l.resetStart
		f.cond.Broadcast()
	}
	return nil
}

// ResetAllExcept clears every latch in group except those named in
// keep.
func (f *Fabric) ResetAllExcept(group Group, keep []Key) {
	skip := make(map[Key]bool, len(keep))
	for _, k := range keep {
		skip[k] = true
	}
	f.mu.Lock()
	for k, l := range f.latches {
		if k.Group == group && !skip[k] {
			l.signalled = false
		}
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

// waitUntil blocks on f.cond until pred returns true or ctx is done.
// It takes f.mu itself and evaluates pred with f.mu held; f.mu must not
// be held on entry and is released on return.
func (f *Fabric) waitUntil(ctx context.Context, pred func() bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	for !pred() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.cond.Wait()
	}
	return nil
}

// WaitAny blocks until one latch in keys is signalled or removed, or
// ctx is done. It returns the first such key found; ties are broken by
// the order of keys. A latch that existed when the wait started and is
// then removed resolves the wait immediately with ErrAbandoned; a key
// not declared when the wait starts is waited on until it appears
// (e.g. through Rename) and is signalled.
func (f *Fabric) WaitAny(ctx context.Context, keys []Key) (Key, error) {
	var hit Key
	var abandoned bool
	var existed map[Key]bool
	err := f.waitUntil(ctx, func() bool {
		if existed == nil {
			existed = make(map[Key]bool, len(keys))
			for _, k := range keys {
				_, existed[k] = f.latches[k]
			}
		}
		for _, k := range keys {
			l, ok := f.latches[k]
			if !ok {
				if !existed[k] {
					continue
				}
				hit, abandoned = k, true
				return true
			}
			existed[k] = true
			if l.signalled {
				hit = k
				return true
			}
		}
		return false
	})
	if err != nil {
		return Key{}, err
	}
	if abandoned {
		return hit, ErrAbandoned
	}
	return hit, nil
}

// WaitAll blocks until every latch in keys is signalled, or ctx is
// done, or any of them is removed (ErrAbandoned).
func (f *Fabric) WaitAll(ctx context.Context, keys []Key) error {
	var abandoned Key
	var isAbandoned bool
	err := f.waitUntil(ctx, func() bool {
		isAbandoned = false
		for _, k := range keys {
			l, ok := f.latches[k]
			if !ok {
				abandoned, isAbandoned = k, true
				return true
			}
			if !l.signalled {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if isAbandoned {
		return fmt.Errorf("%w: %s", ErrAbandoned, abandoned)
	}
	return nil
}

// AndAllResult is the outcome of WaitAnyAndAll.
type AndAllResult struct {
	AnyKey  Key  // valid iff AnyHit
	AnyHit  bool
	AllHit  bool
}

// WaitAnyAndAll blocks until either any latch in anySet is signalled,
// or every latch in allSet is signalled, whichever comes first.
func (f *Fabric) WaitAnyAndAll(ctx context.Context, anySet, allSet []Key) (AndAllResult, error) {
	var res AndAllResult
	var abandonedKey Key
	var abandoned bool
	err := f.waitUntil(ctx, func() bool {
		for _, k := range anySet {
			l, ok := f.latches[k]
			if !ok {
				abandonedKey, abandoned = k, true
				return true
			}
			if l.signalled {
				res.AnyKey, res.AnyHit = k, true
				return true
			}
		}
		allSignalled := len(allSet) > 0
		for _, k := range allSet {
			l, ok := f.latches[k]
			if !ok {
				abandonedKey, abandoned = k, true
				return true
			}
			if !l.signalled {
				allSignalled = false
				break
			}
		}
		if allSignalled {
			res.AllHit = true
			return true
		}
		return false
	})
	if err != nil {
		return AndAllResult{}, err
	}
	if abandoned {
		return AndAllResult{}, fmt.Errorf("%w: %s", ErrAbandoned, abandonedKey)
	}
	return res, nil
}

// Signalled reports the current state of a latch, for diagnostics.
func (f *Fabric) Signalled(key Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.latches[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownLatch, key)
	}
	return l.signalled, nil
}
