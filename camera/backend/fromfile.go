package backend

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Rescanner is implemented by backends that support
// adjust_rescan_input_directory, currently only FromFile.
type Rescanner interface {
	AdjustRescanInputDirectory(dir string) error
}

// FromFile simulates a camera by replaying PNG files dropped into a
// directory, watched with fsnotify the same way cmd/lepton's
// watch_linux.go watches its own executable for changes. Files are
// delivered in lexical filename order; Trigger consumes the next
// undelivered file each call and reports an invalid trigger when none
// is pending.
type FromFile struct {
	mu        sync.Mutex
	dir       string
	id        string
	exposure  time.Duration
	format    PixelFormat
	cb        Callbacks
	watcher   *fsnotify.Watcher
	pending   []string
	delivered map[string]bool
	closed    bool
	armed     bool
}

// NewFromFile returns a FromFile backend that will replay PNG files
// from dir once opened.
func NewFromFile(dir string) *FromFile {
	return &FromFile{dir: dir, delivered: make(map[string]bool)}
}

func (f *FromFile) Open(uniqueIdentifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uniqueIdentifier != "" {
		f.id = uniqueIdentifier
	} else {
		f.id = "fromfile:" + f.dir
	}
	return f.scanLocked()
}

func (f *FromFile) scanLocked() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("backend: from-file: read dir %s: %w", f.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".png" {
			continue
		}
		if !f.delivered[e.Name()] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	f.pending = append(f.pending, names...)
	return nil
}

func (f *FromFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.watcher != nil {
		f.watcher.Close()
		f.watcher = nil
	}
	return nil
}

func (f *FromFile) Configure(exposure time.Duration, format PixelFormat) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exposure = exposure
	f.format = format
	return exposure, nil
}

func (f *FromFile) ArmStream(ringBuffers int, cb Callbacks) error {
	f.mu.Lock()
	f.cb = cb
	f.armed = true
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("backend: from-file: new watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		f.mu.Unlock()
		w.Close()
		return fmt.Errorf("backend: from-file: watch %s: %w", f.dir, err)
	}
	f.watcher = w
	f.mu.Unlock()

	go f.watchLoop(w)
	return nil
}

func (f *FromFile) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".png" {
				continue
			}
			f.mu.Lock()
			name := filepath.Base(ev.Name)
			if !f.delivered[name] {
				f.pending = append(f.pending, name)
			}
			f.mu.Unlock()
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (f *FromFile) DisarmStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
	if f.watcher != nil {
		f.watcher.Close()
		f.watcher = nil
	}
	return nil
}

// Trigger pops the oldest undelivered file, if any, and asynchronously
// runs it through the exposure/ready callback sequence. If no file is
// pending it reports an invalid trigger, mirroring a real camera that
// was triggered with no frame available to return.
func (f *FromFile) Trigger() error {
	f.mu.Lock()
	if !f.armed {
		f.mu.Unlock()
		return fmt.Errorf("backend: from-file: trigger while disarmed")
	}
	f.scanLocked()
	for len(f.pending) > 0 && f.delivered[f.pending[0]] {
		f.pending = f.pending[1:]
	}
	if len(f.pending) == 0 {
		cb := f.cb
		f.mu.Unlock()
		if cb.OnInvalidTrigger != nil {
			cb.OnInvalidTrigger()
		}
		return nil
	}
	name := f.pending[0]
	f.pending = f.pending[1:]
	f.delivered[name] = true
	exposure := f.exposure
	format := f.format
	dir := f.dir
	cb := f.cb
	f.mu.Unlock()

	go f.deliver(dir, name, exposure, format, cb)
	return nil
}

func (f *FromFile) deliver(dir, name string, exposure time.Duration, format PixelFormat, cb Callbacks) {
	if cb.OnExposureBegin != nil {
		cb.OnExposureBegin()
	}
	if exposure > 0 {
		time.Sleep(exposure)
	}
	if cb.OnExposureEnd != nil {
		cb.OnExposureEnd()
	}
	img, err := readPNG(filepath.Join(dir, name))
	if err != nil {
		if cb.OnFrameSkipped != nil {
			cb.OnFrameSkipped()
		}
		return
	}
	if cb.OnFrameReady != nil {
		cb.OnFrameReady(img)
	}
}

func readPNG(path string) (Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return Frame{}, err
	}
	defer file.Close()
	src, err := png.Decode(file)
	if err != nil {
		return Frame{}, err
	}
	return toGray16Frame(src), nil
}

func toGray16Frame(src image.Image) Frame {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := w * 2
	out := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		row := out[y*stride : (y+1)*stride]
		for x := 0; x < w; x++ {
			gray, _, _, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x*2+0] = byte(gray)
			row[x*2+1] = byte(gray >> 8)
		}
	}
	return Frame{Width: w, Height: h, Stride: stride, Format: PixelFormatGray16, Bytes: out}
}

func (f *FromFile) UniqueIdentifier() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

// AdjustRescanInputDirectory switches the replay source directory,
// clearing the delivered-file memory so files in the new directory can
// be redelivered.
func (f *FromFile) AdjustRescanInputDirectory(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dir = dir
	f.delivered = make(map[string]bool)
	f.pending = nil
	if f.watcher != nil {
		f.watcher.Close()
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("backend: from-file: new watcher: %w", err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("backend: from-file: watch %s: %w", dir, err)
		}
		f.watcher = w
		go f.watchLoop(w)
	}
	return f.scanLocked()
}

var _ Backend = (*FromFile)(nil)
var _ Rescanner = (*FromFile)(nil)
