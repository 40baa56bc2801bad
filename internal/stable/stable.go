// Package stable implements debounced classification of noisy readings.
//
// A Classifier maps raw values onto a band table and only reports a new
// class once it has been seen for a number of consecutive samples. The pilot
// reader, the current monitor and the relay feedback reader all build on it
// with their own band tables and sample counts.
package stable

// Band maps the half-open interval (Low, High] onto Class.
type Band[T comparable] struct {
	Low   float64
	High  float64
	Class T
	// Confirm is the number of consecutive samples needed before Class is
	// adopted. Zero means the classifier default.
	Confirm int
}

// Contains reports whether v falls in the band.
func (b Band[T]) Contains(v float64) bool {
	return v > b.Low && v <= b.High
}

// Classifier tracks the stable class of a stream of samples.
// It is not safe for concurrent use.
type Classifier[T comparable] struct {
	bands      []Band[T]
	confirm    int
	hysteresis float64

	stable    T
	candidate T
	pending   bool
	run       int
	unknowns  int
}

// New builds a classifier starting in initial. confirm is the default
// consecutive sample count (minimum 1).
func New[T comparable](bands []Band[T], initial T, confirm int) *Classifier[T] {
	if confirm < 1 {
		confirm = 1
	}
	c := &Classifier[T]{confirm: confirm, stable: initial}
	c.SetBands(bands)
	return c
}

// WithHysteresis widens the bands of the current stable class by h on both
// sides, so values hovering at a threshold do not flap.
func (c *Classifier[T]) WithHysteresis(h float64) *Classifier[T] {
	if h > 0 {
		c.hysteresis = h
	}
	return c
}

// SetBands replaces the band table. The stable class is kept.
func (c *Classifier[T]) SetBands(bands []Band[T]) {
	c.bands = append(c.bands[:0], bands...)
}

// Match returns the band a raw value falls in, ignoring debounce state.
func (c *Classifier[T]) Match(v float64) (Band[T], bool) {
	if c.hysteresis > 0 {
		for _, b := range c.bands {
			if b.Class == c.stable && v > b.Low-c.hysteresis && v <= b.High+c.hysteresis {
				return b, true
			}
		}
	}
	for _, b := range c.bands {
		if b.Contains(v) {
			return b, true
		}
	}
	var zero Band[T]
	return zero, false
}

// Observe feeds one sample. It returns the stable class and whether the
// sample matched any band.
func (c *Classifier[T]) Observe(v float64) (T, bool) {
	b, ok := c.Match(v)
	if !ok {
		c.ObserveUnknown()
		return c.stable, false
	}
	return c.ObserveClass(b.Class, b.Confirm), true
}

// ObserveClass feeds a sample that was classified by the caller. confirm
// overrides the default sample count when positive.
func (c *Classifier[T]) ObserveClass(class T, confirm int) T {
	c.unknowns = 0

	if class == c.stable {
		c.pending = false
		c.run = 0
		return c.stable
	}
	if c.pending && class == c.candidate {
		c.run++
	} else {
		c.candidate = class
		c.pending = true
		c.run = 1
	}

	need := confirm
	if need < 1 {
		need = c.confirm
	}
	if c.run >= need {
		c.stable = class
		c.pending = false
		c.run = 0
	}
	return c.stable
}

// ObserveUnknown records a sample that could not be read or classified. It
// breaks any pending run.
func (c *Classifier[T]) ObserveUnknown() {
	c.unknowns++
	c.pending = false
	c.run = 0
}

// Stable returns the current stable class.
func (c *Classifier[T]) Stable() T { return c.stable }

// Pending returns the candidate class and how many consecutive samples it
// has collected.
func (c *Classifier[T]) Pending() (T, int, bool) {
	return c.candidate, c.run, c.pending
}

// Unknowns returns the number of consecutive unclassifiable samples.
func (c *Classifier[T]) Unknowns() int { return c.unknowns }

// Reset forces the stable class and clears all counters.
func (c *Classifier[T]) Reset(initial T) {
	c.stable = initial
	c.pending = false
	c.run = 0
	c.unknowns = 0
}
