package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sl3dscan/acquire/decoder"
	"github.com/sl3dscan/acquire/pattern"
)

// loadPatternSequence decodes every PNG in dir, in lexical filename
// order, into a bounded Pattern Queue of KindBitmap descriptors. This
// mirrors backend.FromFile's directory-of-PNGs replay convention on
// the projector side instead of the camera side.
func loadPatternSequence(dir string, dec decoder.Decoder, low, high int) (*pattern.Queue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("acquired: read pattern dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".png" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	q := pattern.New(low, high)
	for i, name := range names {
		bmp, err := dec.Decode(name)
		if err != nil {
			return nil, fmt.Errorf("acquired: decode pattern %s: %w", name, err)
		}
		if err := q.Enqueue(pattern.Descriptor{Kind: pattern.KindBitmap, Bitmap: bmp, Index: i}); err != nil {
			return nil, fmt.Errorf("acquired: seed pattern queue: %w", err)
		}
	}
	return q, nil
}
