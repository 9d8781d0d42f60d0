// Package msgs contains the strongly typed domain messages
// produced by the adapters and consumed by the subscribers.
package msgs

import (
	"math"
	"slices"
	"time"

	"github.com/FerroO2000/robocomm/geometry"
)

// Localization is the estimated pose of the robot.
type Localization struct {
	Pose  geometry.Pose
	Stamp time.Time
}

// Vector3 is a 3D vector.
type Vector3 struct {
	X float64
	Y float64
	Z float64
}

// Quaternion is a rotation in 3D space.
type Quaternion struct {
	X float64
	Y float64
	Z float64
	W float64
}

// IdentityQuaternion returns the quaternion of the null rotation.
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// QuaternionFromYaw returns the rotation of yaw radians around the Z axis.
func QuaternionFromYaw(yaw float64) Quaternion {
	half := yaw / 2
	return Quaternion{Z: math.Sin(half), W: math.Cos(half)}
}

// Yaw returns the heading encoded by the quaternion.
func (q Quaternion) Yaw() geometry.Angle {
	sinYaw := 2 * (q.W*q.Z + q.X*q.Y)
	cosYaw := 1 - 2*(q.Y*q.Y+q.Z*q.Z)
	return geometry.NewAngle(math.Atan2(sinYaw, cosYaw), geometry.WrappingPlusMinusPi)
}

// IMU is a sample of an inertial measurement unit.
type IMU struct {
	Orientation        Quaternion
	AngularVelocity    Vector3
	LinearAcceleration Vector3
	Stamp              time.Time
}

// LaserScan is a single sweep of a planar range finder.
type LaserScan struct {
	AngleMin       float64
	AngleMax       float64
	AngleIncrement float64
	RangeMin       float64
	RangeMax       float64
	Ranges         []float64
	Stamp          time.Time
}

// Clone returns a deep copy of the scan.
func (ls LaserScan) Clone() LaserScan {
	ls.Ranges = slices.Clone(ls.Ranges)
	return ls
}

// Points returns the end points of the valid ranges of the scan,
// in the frame of the sensor.
func (ls LaserScan) Points() []geometry.Point {
	points := make([]geometry.Point, 0, len(ls.Ranges))
	for idx, r := range ls.Ranges {
		if r < ls.RangeMin || r > ls.RangeMax {
			continue
		}

		angle := geometry.NewAngle(ls.AngleMin+float64(idx)*ls.AngleIncrement, geometry.WrappingPlusMinusPi)
		points = append(points, geometry.Point{
			X: r * angle.Cos(),
			Y: r * angle.Sin(),
		})
	}
	return points
}
