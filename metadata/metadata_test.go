package metadata

import (
	"testing"

	"github.com/sl3dscan/acquire/timing"
)

func TestPushPopFIFOOrderPerCamera(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		q.Push(Metadata{Key: Key{CameraID: 1, PatternIndex: uint32(i)}})
	}
	for i := 0; i < 3; i++ {
		m, ok := q.Pop(1)
		if !ok {
			t.Fatalf("pop %d: expected record", i)
		}
		if m.Key.PatternIndex != uint32(i) {
			t.Fatalf("expected pattern index %d, got %d", i, m.Key.PatternIndex)
		}
	}
	if _, ok := q.Pop(1); ok {
		t.Fatal("expected empty FIFO")
	}
}

func TestCamerasAreIndependent(t *testing.T) {
	q := New()
	q.Push(Metadata{Key: Key{CameraID: 1, PatternIndex: 0}})
	q.Push(Metadata{Key: Key{CameraID: 2, PatternIndex: 0}})
	if q.Len(1) != 1 || q.Len(2) != 1 {
		t.Fatalf("expected independent per-camera lengths, got %d/%d", q.Len(1), q.Len(2))
	}
	if _, ok := q.Pop(2); !ok {
		t.Fatal("expected record for camera 2")
	}
	if q.Len(1) != 1 {
		t.Fatal("popping camera 2 should not affect camera 1's FIFO")
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagIsBatch | FlagIsLast
	if !f.Has(FlagIsBatch) || !f.Has(FlagIsLast) {
		t.Fatal("expected both flags present")
	}
	if f.Has(FlagIsFixed) {
		t.Fatal("did not expect FlagIsFixed")
	}
}

func TestTotalLenAndRemoveCamera(t *testing.T) {
	q := New()
	q.Push(Metadata{Key: Key{CameraID: 1}})
	q.Push(Metadata{Key: Key{CameraID: 2}})
	q.Push(Metadata{Key: Key{CameraID: 2}})
	if q.TotalLen() != 3 {
		t.Fatalf("expected total 3, got %d", q.TotalLen())
	}
	q.RemoveCamera(2)
	if q.TotalLen() != 1 {
		t.Fatalf("expected total 1 after removing camera 2, got %d", q.TotalLen())
	}
	if q.Len(2) != 0 {
		t.Fatal("expected camera 2 FIFO to be gone")
	}
}

func TestScheduledTriggerDefaultsToZero(t *testing.T) {
	q := New()
	q.Push(Metadata{Key: Key{CameraID: 1}})
	m, ok := q.Pop(1)
	if !ok {
		t.Fatal("expected record")
	}
	if m.ScheduledTrigger != 0 {
		t.Fatalf("expected zero-value deferred trigger tick, got %v", m.ScheduledTrigger)
	}
}

func TestCreatedAtIsRecorded(t *testing.T) {
	q := New()
	now := timing.Now()
	q.Push(Metadata{Key: Key{CameraID: 1}, CreatedAt: now})
	m, ok := q.Pop(1)
	if !ok {
		t.Fatal("expected record")
	}
	if m.CreatedAt != now {
		t.Fatalf("expected CreatedAt %v, got %v", now, m.CreatedAt)
	}
}
