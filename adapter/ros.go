package adapter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/geometry"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/tidwall/gjson"
)

// The ROS adapters decode the JSON bodies of the messages forwarded by a
// rosbridge server. Both ROS 1 (secs/nsecs) and ROS 2 (sec/nanosec)
// header stamps are accepted. Ranges that rosbridge encodes as null
// (inf and nan) are decoded as +Inf, i.e. out of range.

var errInvalidJSON = errors.New("invalid json")

func parseROSBody(payload []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, errInvalidJSON
	}

	body := gjson.ParseBytes(payload)
	if !body.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: body is not an object", errInvalidJSON)
	}

	return body, nil
}

func firstOf(res gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if val := res.Get(path); val.Exists() {
			return val
		}
	}
	return gjson.Result{}
}

func rosStamp(body gjson.Result) time.Time {
	stamp := body.Get("header.stamp")
	if !stamp.Exists() {
		return time.Time{}
	}

	sec := firstOf(stamp, "sec", "secs").Int()
	nsec := firstOf(stamp, "nanosec", "nsecs").Int()
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}

	return time.Unix(sec, nsec)
}

func requiredFloat(body gjson.Result, path string) (float64, error) {
	val := body.Get(path)
	if !val.Exists() {
		return 0, fmt.Errorf("%w: %s", errMissingField, path)
	}

	if val.Type != gjson.Number {
		return 0, fmt.Errorf("field %s is not a number", path)
	}

	return val.Float(), nil
}

func rosVector3(res gjson.Result) msgs.Vector3 {
	return msgs.Vector3{
		X: res.Get("x").Float(),
		Y: res.Get("y").Float(),
		Z: res.Get("z").Float(),
	}
}

// ROSPose2D decodes a geometry_msgs/Pose2D body into a localization.
type ROSPose2D struct{}

// NewROSPose2D returns a new ROS Pose2D adapter.
func NewROSPose2D() *ROSPose2D {
	return &ROSPose2D{}
}

// Adapt decodes the envelope.
func (*ROSPose2D) Adapt(env *envelope.Envelope) (msgs.Localization, error) {
	body, err := parseROSBody(env.Payload())
	if err != nil {
		return msgs.Localization{}, NewDecodeError(env, err)
	}

	values := [3]float64{}
	for idx, path := range []string{"x", "y", "theta"} {
		val, err := requiredFloat(body, path)
		if err != nil {
			return msgs.Localization{}, NewDecodeError(env, err)
		}
		values[idx] = val
	}

	return msgs.Localization{
		Pose:  geometry.NewPose(values[0], values[1], values[2]),
		Stamp: env.ReceiveTime(),
	}, nil
}

// ROSIMU decodes a sensor_msgs/Imu body.
type ROSIMU struct{}

// NewROSIMU returns a new ROS IMU adapter.
func NewROSIMU() *ROSIMU {
	return &ROSIMU{}
}

// Adapt decodes the envelope.
func (*ROSIMU) Adapt(env *envelope.Envelope) (msgs.IMU, error) {
	body, err := parseROSBody(env.Payload())
	if err != nil {
		return msgs.IMU{}, NewDecodeError(env, err)
	}

	angVel := body.Get("angular_velocity")
	linAcc := body.Get("linear_acceleration")
	if !angVel.Exists() && !linAcc.Exists() {
		return msgs.IMU{}, NewDecodeError(env, fmt.Errorf("%w: angular_velocity or linear_acceleration", errMissingField))
	}

	orientation := msgs.IdentityQuaternion()
	if res := body.Get("orientation"); res.Exists() {
		orientation = msgs.Quaternion{
			X: res.Get("x").Float(),
			Y: res.Get("y").Float(),
			Z: res.Get("z").Float(),
			W: res.Get("w").Float(),
		}
	}

	return msgs.IMU{
		Orientation:        orientation,
		AngularVelocity:    rosVector3(angVel),
		LinearAcceleration: rosVector3(linAcc),
		Stamp:              stampOrReceiveTime(rosStamp(body), env),
	}, nil
}

// ROSLaserScan decodes a sensor_msgs/LaserScan body.
type ROSLaserScan struct{}

// NewROSLaserScan returns a new ROS laser scan adapter.
func NewROSLaserScan() *ROSLaserScan {
	return &ROSLaserScan{}
}

// Adapt decodes the envelope.
func (*ROSLaserScan) Adapt(env *envelope.Envelope) (msgs.LaserScan, error) {
	body, err := parseROSBody(env.Payload())
	if err != nil {
		return msgs.LaserScan{}, NewDecodeError(env, err)
	}

	rawRanges := body.Get("ranges")
	if !rawRanges.IsArray() {
		return msgs.LaserScan{}, NewDecodeError(env, fmt.Errorf("%w: ranges", errMissingField))
	}

	elems := rawRanges.Array()
	ranges := make([]float64, 0, len(elems))
	for _, elem := range elems {
		if elem.Type == gjson.Null {
			ranges = append(ranges, math.Inf(1))
			continue
		}
		ranges = append(ranges, elem.Float())
	}

	scan := msgs.LaserScan{
		AngleMin:       body.Get("angle_min").Float(),
		AngleMax:       body.Get("angle_max").Float(),
		AngleIncrement: body.Get("angle_increment").Float(),
		RangeMin:       body.Get("range_min").Float(),
		RangeMax:       body.Get("range_max").Float(),
		Ranges:         ranges,
		Stamp:          stampOrReceiveTime(rosStamp(body), env),
	}

	if err := validateLaserScan(&scan); err != nil {
		return msgs.LaserScan{}, NewDecodeError(env, err)
	}

	return scan, nil
}
