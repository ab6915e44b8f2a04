// Package vclock implements the sparse vector clock used to order
// concurrent canvas edits. Each connected user owns one counter; a
// missing entry reads as zero, so clocks from clients that have never
// seen each other still compare cleanly.
package vclock

// Clock maps a user ID to that user's event counter.
// The zero value (nil map) is a valid empty clock.
type Clock map[string]int64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the counter for node n. Absent keys read as 0.
func (c Clock) Get(n string) int64 {
	return c[n]
}

// Inc increments the counter for node n, returning the clock for chaining.
func (c Clock) Inc(n string) Clock {
	c[n]++
	return c
}

// Merge folds other into c by pointwise max.
func (c Clock) Merge(other Clock) Clock {
	for n, v := range other {
		if v > c[n] {
			c[n] = v
		}
	}
	return c
}

// Clone returns an independent copy of the clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for n, v := range c {
		out[n] = v
	}
	return out
}

// HappensBefore reports whether c causally precedes other:
// every counter in c is <= the counterpart in other, and at least one
// is strictly smaller.
func (c Clock) HappensBefore(other Clock) bool {
	strictly := false
	for n, v := range c {
		ov := other[n]
		if v > ov {
			return false
		}
		if v < ov {
			strictly = true
		}
	}
	// Keys present only in other count as c[n]=0 < other[n]
	for n, ov := range other {
		if _, ok := c[n]; !ok && ov > 0 {
			strictly = true
		}
	}
	return strictly
}

// Concurrent reports whether neither clock causally precedes the other.
func (c Clock) Concurrent(other Clock) bool {
	return !c.HappensBefore(other) && !other.HappensBefore(c)
}

// FromAny converts a decoded JSON value (map[string]interface{} with
// float64 counters) into a Clock. Non-map input yields an empty clock.
func FromAny(v interface{}) Clock {
	out := Clock{}
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for n, raw := range m {
		switch t := raw.(type) {
		case float64:
			out[n] = int64(t)
		case int64:
			out[n] = t
		case int:
			out[n] = int64(t)
		}
	}
	return out
}
