// Package geometry contains the planar geometric primitives
// shared by the domain messages.
package geometry

import (
	"fmt"
	"math"
)

const twoPi = 2 * math.Pi

// AngleWrapping selects the canonical range of an angle.
type AngleWrapping uint8

const (
	// WrappingPlusMinusPi wraps the angle into (-pi, pi].
	WrappingPlusMinusPi AngleWrapping = iota
	// WrappingTwoPi wraps the angle into [0, 2pi).
	WrappingTwoPi
)

func (aw AngleWrapping) String() string {
	switch aw {
	case WrappingPlusMinusPi:
		return "plus_minus_pi"
	case WrappingTwoPi:
		return "two_pi"
	default:
		return "unknown"
	}
}

// Angle is a planar angle in radians, always stored
// in the range of its wrapping.
type Angle struct {
	rad      float64
	wrapping AngleWrapping
}

// NewAngle returns the angle of the given radians
// wrapped into the range of the given wrapping.
func NewAngle(rad float64, wrapping AngleWrapping) Angle {
	return Angle{
		rad:      wrap(rad, wrapping),
		wrapping: wrapping,
	}
}

func wrap(rad float64, wrapping AngleWrapping) float64 {
	if math.IsNaN(rad) || math.IsInf(rad, 0) {
		return math.NaN()
	}

	wrapped := math.Mod(rad, twoPi)
	if wrapped < 0 {
		wrapped += twoPi
	}

	// Mod can round a tiny negative value up to exactly 2pi
	if wrapped >= twoPi {
		wrapped = 0
	}

	if wrapping == WrappingPlusMinusPi && wrapped > math.Pi {
		wrapped -= twoPi
	}

	return wrapped
}

// Value returns the wrapped angle in radians.
func (a Angle) Value() float64 {
	return a.rad
}

// Wrapping returns the wrapping of the angle.
func (a Angle) Wrapping() AngleWrapping {
	return a.wrapping
}

// Sin returns the sine of the angle.
func (a Angle) Sin() float64 {
	return math.Sin(a.rad)
}

// Cos returns the cosine of the angle.
func (a Angle) Cos() float64 {
	return math.Cos(a.rad)
}

// Add returns the sum of the two angles,
// wrapped with the wrapping of the receiver.
func (a Angle) Add(other Angle) Angle {
	return NewAngle(a.rad+other.rad, a.wrapping)
}

// Sub returns the difference of the two angles,
// wrapped with the wrapping of the receiver.
func (a Angle) Sub(other Angle) Angle {
	return NewAngle(a.rad-other.rad, a.wrapping)
}

// Rewrap returns the same angle expressed with another wrapping.
func (a Angle) Rewrap(wrapping AngleWrapping) Angle {
	return NewAngle(a.rad, wrapping)
}

func (a Angle) String() string {
	return fmt.Sprintf("%.6frad", a.rad)
}
