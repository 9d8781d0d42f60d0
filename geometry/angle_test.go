package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const epsilon = 1e-9

func Test_NewAngle(t *testing.T) {
	assert := assert.New(t)

	suite := []struct {
		name     string
		rad      float64
		wrapping AngleWrapping
		expected float64
	}{
		{"4rad-plus-minus-pi", 4.0, WrappingPlusMinusPi, 4.0 - twoPi},
		{"4rad-two-pi", 4.0, WrappingTwoPi, 4.0},
		{"pi-plus-minus-pi", math.Pi, WrappingPlusMinusPi, math.Pi},
		{"minus-pi-plus-minus-pi", -math.Pi, WrappingPlusMinusPi, math.Pi},
		{"minus-half-pi-two-pi", -math.Pi / 2, WrappingTwoPi, 3 * math.Pi / 2},
		{"two-pi-two-pi", twoPi, WrappingTwoPi, 0},
		{"many-turns", 7*twoPi + 1, WrappingPlusMinusPi, 1},
		{"zero", 0, WrappingPlusMinusPi, 0},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			angle := NewAngle(tCase.rad, tCase.wrapping)
			assert.InDelta(tCase.expected, angle.Value(), epsilon)
			assert.Equal(tCase.wrapping, angle.Wrapping())
		})
	}
}

func Test_Angle_range(t *testing.T) {
	assert := assert.New(t)

	for rad := -20.0; rad <= 20.0; rad += 0.01 {
		pmp := NewAngle(rad, WrappingPlusMinusPi).Value()
		assert.Greater(pmp, -math.Pi)
		assert.LessOrEqual(pmp, math.Pi)

		tp := NewAngle(rad, WrappingTwoPi).Value()
		assert.GreaterOrEqual(tp, 0.0)
		assert.Less(tp, twoPi)

		// Both wrappings describe the same direction
		assert.InDelta(math.Sin(rad), NewAngle(rad, WrappingTwoPi).Sin(), epsilon)
		assert.InDelta(math.Cos(rad), NewAngle(rad, WrappingPlusMinusPi).Cos(), epsilon)
	}
}

func Test_Angle_AddSub(t *testing.T) {
	assert := assert.New(t)

	a := NewAngle(3.0, WrappingPlusMinusPi)
	b := NewAngle(1.0, WrappingTwoPi)

	sum := a.Add(b)
	assert.Equal(WrappingPlusMinusPi, sum.Wrapping())
	assert.InDelta(4.0-twoPi, sum.Value(), epsilon)

	// The receiver decides the wrapping of the result
	sum = b.Add(a)
	assert.Equal(WrappingTwoPi, sum.Wrapping())
	assert.InDelta(4.0, sum.Value(), epsilon)

	diff := NewAngle(-3.0, WrappingPlusMinusPi).Sub(NewAngle(1.0, WrappingPlusMinusPi))
	assert.InDelta(twoPi-4.0, diff.Value(), epsilon)
}

func Test_Angle_Rewrap(t *testing.T) {
	assert := assert.New(t)

	a := NewAngle(-1.0, WrappingPlusMinusPi).Rewrap(WrappingTwoPi)
	assert.InDelta(twoPi-1.0, a.Value(), epsilon)
	assert.Equal(WrappingTwoPi, a.Wrapping())
}

func Test_Angle_notFinite(t *testing.T) {
	assert := assert.New(t)

	assert.True(math.IsNaN(NewAngle(math.Inf(1), WrappingTwoPi).Value()))
	assert.True(math.IsNaN(NewAngle(math.NaN(), WrappingPlusMinusPi).Value()))
}

func Test_Pose(t *testing.T) {
	assert := assert.New(t)

	pose := NewPose(2.0, 5.0, 1.0)
	assert.Equal(Point{X: 2.0, Y: 5.0}, pose.Point())
	assert.InDelta(1.0, pose.Theta.Value(), epsilon)

	g1 := G1Pose{X: 1, Y: 1, Theta: NewAngle(4.0, WrappingPlusMinusPi), Kappa: 0.2}
	assert.InDelta(4.0-twoPi, g1.Pose().Theta.Value(), epsilon)

	assert.InDelta(5.0, Point{}.Distance(Point{X: 3, Y: 4}), epsilon)
}
