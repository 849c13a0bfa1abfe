package progress

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Defaults used by NewSimulator.
const (
	DefaultInterval = 300 * time.Millisecond
	DefaultMinStep  = 4.0
	DefaultMaxStep  = 12.0
	DefaultCeiling  = 90.0
)

// Simulator advances a sink by a random step on every tick until it reaches
// the ceiling. It never reports Max on its own; the caller decides when the
// work is actually done.
type Simulator struct {
	Interval time.Duration
	MinStep  float64
	MaxStep  float64
	Ceiling  float64
	// Rand returns a value in [0, 1).
	Rand func() float64
}

// NewSimulator returns a simulator with the default cadence.
func NewSimulator() *Simulator {
	return &Simulator{
		Interval: DefaultInterval,
		MinStep:  DefaultMinStep,
		MaxStep:  DefaultMaxStep,
		Ceiling:  DefaultCeiling,
		Rand:     rand.Float64,
	}
}

// Run is the cancellation handle of a started simulation.
type Run struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Start begins ticking into sink and returns the handle that stops it.
func (s *Simulator) Start(sink Sink) *Run {
	run := &Run{stop: make(chan struct{}), done: make(chan struct{})}

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ceiling := math.Min(s.Ceiling, Max-1)
	random := s.Rand
	if random == nil {
		random = rand.Float64
	}

	go func() {
		defer close(run.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		current := 0.0
		for {
			select {
			case <-run.stop:
				return
			case <-ticker.C:
			}
			current += s.MinStep + random()*(s.MaxStep-s.MinStep)
			reached := current >= ceiling
			if reached {
				current = ceiling
			}
			select {
			case <-run.stop:
				return
			default:
			}
			sink.Advance(int(math.Round(current)))
			if reached {
				return
			}
		}
	}()
	return run
}

// Stop cancels the simulation and waits until no further value can reach
// the sink. Safe to call more than once.
func (r *Run) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

// Done is closed when the simulation goroutine has exited, either because
// it reached the ceiling or because Stop was called.
func (r *Run) Done() <-chan struct{} {
	return r.done
}
