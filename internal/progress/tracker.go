// Package progress produces synthetic feedback while an opaque request is
// in flight.
package progress

import "sync"

// Max is the value that signals completion.
const Max = 100

// Sink receives progress values.
type Sink interface {
	Advance(value int)
}

// Tracker holds one progress value. Advance never lowers it; only Reset does.
type Tracker struct {
	mu    sync.Mutex
	value int
}

// Advance raises the value to v, clamped to [0, Max]. Lower values are ignored.
func (t *Tracker) Advance(v int) {
	if v > Max {
		v = Max
	}
	t.mu.Lock()
	if v > t.value {
		t.value = v
	}
	t.mu.Unlock()
}

// Reset puts the value back to 0.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.value = 0
	t.mu.Unlock()
}

// Value returns the current value.
func (t *Tracker) Value() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}
