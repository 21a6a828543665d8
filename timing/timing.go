// Package timing is the high-resolution timing service: a monotonic
// tick clock, spinlock waits tight enough for sub-millisecond trigger
// scheduling, VBLANK-unit decomposition, and streaming statistics.
package timing

import (
	"math"
	"sync"
	"time"

	"periph.io/x/periph/conn/physic"
)

// Tick is a monotonic duration since the timing service was
// initialized, playing the role of the source's QPC tick counter.
// Ticks are comparable and subtractable like time.Duration.
type Tick int64

var start = time.Now()

// Now returns the current tick. It is backed by time.Since, which uses
// the runtime's monotonic clock reading, so it is immune to wall-clock
// adjustments.
func Now() Tick {
	return Tick(time.Since(start))
}

// Duration converts a Tick (elapsed since start) to a time.Duration.
func (t Tick) Duration() time.Duration {
	return time.Duration(t)
}

// Add returns the tick offset by d.
func (t Tick) Add(d time.Duration) Tick {
	return t + Tick(d)
}

// Sub returns the elapsed duration between two ticks.
func (t Tick) Sub(o Tick) time.Duration {
	return time.Duration(t - o)
}

// defaultSpinThreshold is the point below which SpinUntil stops
// sleeping and busy-waits instead, trading CPU for precision. OS sleep
// quanta (typically 1-15ms depending on platform) are far coarser than
// the sub-millisecond tolerance a trigger instant requires.
const defaultSpinThreshold = 500 * time.Microsecond

// SpinUntil busy-waits until the target tick is reached. For targets
// more than defaultSpinThreshold away it sleeps the bulk of the
// remaining time first to avoid burning CPU, then spins tightly for
// the final stretch.
func SpinUntil(target Tick) {
	for {
		remaining := target.Sub(Now())
		if remaining <= 0 {
			return
		}
		if remaining > defaultSpinThreshold {
			time.Sleep(remaining - defaultSpinThreshold)
			continue
		}
		for Now() < target {
		}
		return
	}
}

// SpinFor busy-waits for the given duration and returns the tick it
// stopped at.
func SpinFor(d time.Duration) Tick {
	target := Now().Add(d)
	SpinUntil(target)
	return Now()
}

// Ticker is a tic/toc pair: Tic captures a start tick, Toc measures
// elapsed time since it.
type Ticker struct {
	start Tick
}

// Tic starts a new ticker.
func Tic() Ticker {
	return Ticker{start: Now()}
}

// Toc returns the elapsed time since Tic and does not reset the
// ticker, so it may be called repeatedly for point samples against
// the same origin.
func (t Ticker) Toc() time.Duration {
	return Now().Sub(t.start)
}

// Decomposition splits a duration into whole refresh intervals
// (VBLANKs) plus a sub-interval remainder, used by the Presenter to
// wait w VBLANKs via the swap-chain primitive then spin for the
// remainder f.
type Decomposition struct {
	Whole int
	Frac  time.Duration
}

// Decompose splits total into (whole VBLANKs, fractional remainder)
// given a display refresh rate. A non-positive or unknown refresh
// rate degrades to treating the whole duration as fractional, so
// callers fall back to pure spinlock waiting.
func Decompose(total time.Duration, refresh physic.Frequency) Decomposition {
	period := refresh.Duration()
	if period <= 0 || total <= 0 {
		return Decomposition{Frac: total}
	}
	whole := int(total / period)
	frac := total - time.Duration(whole)*period
	return Decomposition{Whole: whole, Frac: frac}
}

// Snapshot is a point-in-time view of a Stats accumulator.
type Snapshot struct {
	Count    int64
	Mean     float64
	Variance float64
	Min      float64
	Max      float64
	// FPS is sample_count / (t_last - t_first), valid only when at
	// least two timestamped samples were recorded via AddAt.
	FPS float64
}

// StdDev returns the sample standard deviation.
func (s Snapshot) StdDev() float64 {
	return math.Sqrt(s.Variance)
}

// Stats maintains running mean/variance via Welford's online algorithm
// plus min/max and, when timestamped, a frames-per-second estimate.
// It is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64

	haveFirst bool
	first     Tick
	last      Tick
}

// NewStats returns an empty accumulator.
func NewStats() *Stats {
	return &Stats{min: math.Inf(1), max: math.Inf(-1)}
}

// Add records one sample with no associated timestamp (FPS tracking
// unaffected).
func (s *Stats) Add(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(value)
}

// AddAt records one sample at the given tick, additionally feeding the
// FPS estimate.
func (s *Stats) AddAt(tick Tick, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveFirst {
		s.first = tick
		s.haveFirst = true
	}
	s.last = tick
	s.add(value)
}

func (s *Stats) add(value float64) {
	s.count++
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	delta2 := value - s.mean
	s.m2 += delta * delta2
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Count: s.count, Mean: s.mean, Min: s.min, Max: s.max}
	if s.count > 1 {
		snap.Variance = s.m2 / float64(s.count-1)
	}
	if s.haveFirst && s.last > s.first {
		elapsed := s.last.Sub(s.first).Seconds()
		if elapsed > 0 {
			snap.FPS = float64(s.count) / elapsed
		}
	}
	return snap
}

// Reset clears the accumulator to empty.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.mean = 0
	s.m2 = 0
	s.min = math.Inf(1)
	s.max = math.Inf(-1)
	s.haveFirst = false
}

// Combine merges two independently accumulated snapshots into one, as
// if every sample of both had been fed to a single Stats (Chan et
// al.'s parallel variant of Welford's algorithm). FPS is recomputed
// from the combined count is not meaningful without shared timestamps,
// so the larger of the two input FPS values is kept as an estimate.
func Combine(a, b Snapshot) Snapshot {
	if a.Count == 0 {
		return b
	}
	if b.Count == 0 {
		return a
	}
	n := a.Count + b.Count
	delta := b.Mean - a.Mean
	mean := a.Mean + delta*float64(b.Count)/float64(n)
	m2a := a.Variance * float64(a.Count-1)
	if a.Count < 2 {
		m2a = 0
	}
	m2b := b.Variance * float64(b.Count-1)
	if b.Count < 2 {
		m2b = 0
	}
	m2 := m2a + m2b + delta*delta*float64(a.Count)*float64(b.Count)/float64(n)
	min := a.Min
	if b.Min < min {
		min = b.Min
	}
	max := a.Max
	if b.Max > max {
		max = b.Max
	}
	fps := a.FPS
	if b.FPS > fps {
		fps = b.FPS
	}
	var variance float64
	if n > 1 {
		variance = m2 / float64(n-1)
	}
	return Snapshot{Count: n, Mean: mean, Variance: variance, Min: min, Max: max, FPS: fps}
}
