package geometry

import "math"

// Point is a position in the plane.
type Point struct {
	X float64
	Y float64
}

// Distance returns the euclidean distance between the two points.
func (p Point) Distance(other Point) float64 {
	return math.Hypot(other.X-p.X, other.Y-p.Y)
}

// Pose is a position in the plane with a heading.
type Pose struct {
	X     float64
	Y     float64
	Theta Angle
}

// NewPose returns a pose whose heading is wrapped into (-pi, pi].
func NewPose(x, y, theta float64) Pose {
	return Pose{
		X:     x,
		Y:     y,
		Theta: NewAngle(theta, WrappingPlusMinusPi),
	}
}

// Point returns the position of the pose.
func (p Pose) Point() Point {
	return Point{X: p.X, Y: p.Y}
}

// G1Pose is a pose with the curvature of the path through it.
type G1Pose struct {
	X     float64
	Y     float64
	Theta Angle
	Kappa float64
}

// Pose returns the pose without the curvature.
func (p G1Pose) Pose() Pose {
	return Pose{X: p.X, Y: p.Y, Theta: p.Theta}
}
