package framestore

import (
	"testing"

	"github.com/sl3dscan/acquire/metadata"
)

func TestPushPopFIFOOrder(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		s.Push(Record{Key: metadata.Key{CameraID: 1, PatternIndex: uint32(i)}})
	}
	for i := 0; i < 3; i++ {
		r, ok := s.Pop(1)
		if !ok {
			t.Fatalf("pop %d: expected record", i)
		}
		if r.Key.PatternIndex != uint32(i) {
			t.Fatalf("expected order %d, got %d", i, r.Key.PatternIndex)
		}
	}
}

func TestPopUpToRespectsLimit(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.Push(Record{Key: metadata.Key{CameraID: 1, PatternIndex: uint32(i)}})
	}
	batch := s.PopUpTo(1, 3)
	if len(batch) != 3 {
		t.Fatalf("expected 3 records, got %d", len(batch))
	}
	if s.Len(1) != 2 {
		t.Fatalf("expected 2 remaining, got %d", s.Len(1))
	}
	for i, r := range batch {
		if r.Key.PatternIndex != uint32(i) {
			t.Fatalf("expected FIFO order in batch, got %d at %d", r.Key.PatternIndex, i)
		}
	}
}

func TestPopUpToClampsToAvailable(t *testing.T) {
	s := New()
	s.Push(Record{Key: metadata.Key{CameraID: 1}})
	batch := s.PopUpTo(1, 10)
	if len(batch) != 1 {
		t.Fatalf("expected 1 record, got %d", len(batch))
	}
}

func TestBatchCounterTracksPerItemPushAndPop(t *testing.T) {
	s := New()
	s.Push(Record{Key: metadata.Key{CameraID: 1, PatternIndex: 0}, Flags: metadata.FlagIsBatch})
	s.Push(Record{Key: metadata.Key{CameraID: 1, PatternIndex: 1}})
	s.Push(Record{Key: metadata.Key{CameraID: 1, PatternIndex: 2}, Flags: metadata.FlagIsBatch})
	if s.NumBatch() != 2 {
		t.Fatalf("expected 2 batch-tagged records buffered, got %d", s.NumBatch())
	}

	if _, ok := s.Pop(1); !ok {
		t.Fatal("expected a record")
	}
	if s.NumBatch() != 1 {
		t.Fatalf("expected 1 after popping the batch-tagged record, got %d", s.NumBatch())
	}

	s.PopUpTo(1, 2)
	if s.NumBatch() != 0 {
		t.Fatalf("expected 0 once every batch-tagged record has drained, got %d", s.NumBatch())
	}
}

func TestPixelFormatBytesPerPixel(t *testing.T) {
	cases := map[PixelFormat]int{
		PixelFormatGray8:  1,
		PixelFormatGray16: 2,
		PixelFormatBGR8:   3,
		PixelFormatBGRA8:  4,
	}
	for format, want := range cases {
		if got := format.BytesPerPixel(); got != want {
			t.Fatalf("format %d: expected %d bytes/pixel, got %d", format, want, got)
		}
	}
}

func TestRemoveCameraAndTotalLen(t *testing.T) {
	s := New()
	s.Push(Record{Key: metadata.Key{CameraID: 1}})
	s.Push(Record{Key: metadata.Key{CameraID: 2}})
	if s.TotalLen() != 2 {
		t.Fatalf("expected total 2, got %d", s.TotalLen())
	}
	s.RemoveCamera(1)
	if s.TotalLen() != 1 {
		t.Fatalf("expected total 1, got %d", s.TotalLen())
	}
}
