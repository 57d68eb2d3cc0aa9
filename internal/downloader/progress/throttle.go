package progress

// DefaultStep is the minimum advance, in whole percent, between two persisted
// progress values.
const DefaultStep = 2

// Throttle coalesces progress updates so that only meaningful advances reach
// the store. It is not safe for concurrent use; each download owns one.
type Throttle struct {
	step int
	last int
}

func NewThrottle(step int) *Throttle {
	if step <= 0 {
		step = DefaultStep
	}

	return &Throttle{step: step}
}

// Advance reports whether fraction should be persisted. It returns true when
// the integer percentage moved at least step points past the last persisted
// value, or when it reached 100 for the first time.
func (t *Throttle) Advance(fraction float64) bool {
	pct := int(fraction*100 + 1e-9)

	if pct >= 100 {
		if t.last >= 100 {
			return false
		}

		t.last = 100

		return true
	}

	if pct-t.last >= t.step {
		t.last = pct

		return true
	}

	return false
}

// Last returns the last persisted percentage.
func (t *Throttle) Last() int {
	return t.last
}
