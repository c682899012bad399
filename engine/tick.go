package engine

import (
	"fmt"
	"math"
)

// Tick is a point in virtual time. One tick is one picosecond.
type Tick = uint64

// MaxTick marks a handle that is not scheduled.
const MaxTick Tick = math.MaxUint64

const (
	Picosecond  Tick = 1
	Nanosecond       = 1000 * Picosecond
	Microsecond      = 1000 * Nanosecond
	Millisecond      = 1000 * Microsecond
	Second           = 1000 * Millisecond
)

// FormatTick renders a tick with the largest unit that keeps it readable.
func FormatTick(t Tick) string {
	switch {
	case t == MaxTick:
		return "never"
	case t >= Second:
		return fmt.Sprintf("%.3fs", float64(t)/float64(Second))
	case t >= Millisecond:
		return fmt.Sprintf("%.3fms", float64(t)/float64(Millisecond))
	case t >= Microsecond:
		return fmt.Sprintf("%.3fus", float64(t)/float64(Microsecond))
	case t >= Nanosecond:
		return fmt.Sprintf("%.3fns", float64(t)/float64(Nanosecond))
	default:
		return fmt.Sprintf("%dps", t)
	}
}
