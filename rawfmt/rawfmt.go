// Package rawfmt implements the raw per-frame file format written by
// the Persistence Worker: a fixed little-endian header followed by the
// frame's pixel bytes, grounded on spec.md §6's "Persisted state
// layout" byte-for-byte.
package rawfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sl3dscan/acquire/framestore"
	"github.com/sl3dscan/acquire/metadata"
	"github.com/sl3dscan/acquire/timing"
)

// Magic identifies a raw frame file. Version lets a future header
// revision be told apart from this one.
var Magic = [4]byte{'S', 'L', 'R', '1'}

const Version uint8 = 1

// headerSize is the fixed byte length of the header preceding the
// pixel payload.
const headerSize = 4 + 1 + 4 + 4 + 4 + 1 + 4 + 2 + 2 + 8 + 8 + 1

// ErrBadMagic is returned by Decode when the leading four bytes do not
// match Magic.
var ErrBadMagic = fmt.Errorf("rawfmt: bad magic")

// ErrUnsupportedVersion is returned by Decode when the header's
// version byte is not one this package knows how to read.
var ErrUnsupportedVersion = fmt.Errorf("rawfmt: unsupported version")

// Encode writes r's header and pixel bytes to w per spec.md §6:
// magic(4), version(u8), width(u32), height(u32), stride(u32),
// pixel_format_code(u8), pattern_index(u32), projector_id(u16),
// camera_id(u16), qpc_before_trigger(i64), qpc_after_trigger(i64),
// flags(u8), little-endian, followed by the pixel bytes.
func Encode(w io.Writer, r framestore.Record) error {
	buf := make([]byte, headerSize)
	i := 0
	copy(buf[i:], Magic[:])
	i += 4
	buf[i] = Version
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(r.Width))
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], uint32(r.Height))
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], uint32(r.Stride))
	i += 4
	buf[i] = byte(r.Format)
	i++
	binary.LittleEndian.PutUint32(buf[i:], r.Key.PatternIndex)
	i += 4
	binary.LittleEndian.PutUint16(buf[i:], r.Key.ProjectorID)
	i += 2
	binary.LittleEndian.PutUint16(buf[i:], r.Key.CameraID)
	i += 2
	binary.LittleEndian.PutUint64(buf[i:], uint64(r.QPCBeforeTrigger))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(r.QPCAfterTrigger))
	i += 8
	buf[i] = byte(r.Flags)
	i++

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("rawfmt: write header: %w", err)
	}
	if _, err := w.Write(r.Pixels); err != nil {
		return fmt.Errorf("rawfmt: write pixels: %w", err)
	}
	return nil
}

// Decode reads a header and its trailing pixel bytes from r, rebuilding
// a framestore.Record. Acquired is always true for a decoded record: an
// unacquired placeholder (see framestore.Record.Acquired) is never
// written to disk by the Persistence Worker, so the field has no
// on-disk representation.
func Decode(r io.Reader) (framestore.Record, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return framestore.Record{}, fmt.Errorf("rawfmt: read header: %w", err)
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return framestore.Record{}, ErrBadMagic
	}
	if buf[4] != Version {
		return framestore.Record{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[4])
	}
	i := 5
	width := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	height := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	stride := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	format := buf[i]
	i++
	patternIndex := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	projectorID := binary.LittleEndian.Uint16(buf[i:])
	i += 2
	cameraID := binary.LittleEndian.Uint16(buf[i:])
	i += 2
	qpcBefore := binary.LittleEndian.Uint64(buf[i:])
	i += 8
	qpcAfter := binary.LittleEndian.Uint64(buf[i:])
	i += 8
	flags := buf[i]

	pixels, err := io.ReadAll(r)
	if err != nil {
		return framestore.Record{}, fmt.Errorf("rawfmt: read pixels: %w", err)
	}

	return framestore.Record{
		Key: metadata.Key{
			ProjectorID:  projectorID,
			CameraID:     cameraID,
			PatternIndex: patternIndex,
		},
		Width:            int(width),
		Height:           int(height),
		Stride:           int(stride),
		Format:           framestore.PixelFormat(format),
		QPCBeforeTrigger: timing.Tick(qpcBefore),
		QPCAfterTrigger:  timing.Tick(qpcAfter),
		Flags:            metadata.Flags(flags),
		Acquired:         true,
		Pixels:           pixels,
	}, nil
}
