package common

// Clock supplies monotonic wall-clock seconds. Engines never read the local
// clock directly.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() uint64

// Now implements Clock.
func (f ClockFunc) Now() uint64 { return f() }

// FixedClock always reports the same timestamp. Tests advance it by
// reassignment.
type FixedClock uint64

// Now implements Clock.
func (c FixedClock) Now() uint64 { return uint64(c) }
