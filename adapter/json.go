package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/geometry"
	"github.com/FerroO2000/robocomm/msgs"
)

var errMissingField = errors.New("missing field")

type jsonVector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v *jsonVector3) toVector3() msgs.Vector3 {
	if v == nil {
		return msgs.Vector3{}
	}
	return msgs.Vector3{X: v.X, Y: v.Y, Z: v.Z}
}

type jsonQuaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

func (q *jsonQuaternion) toQuaternion() msgs.Quaternion {
	if q == nil {
		return msgs.IdentityQuaternion()
	}
	return msgs.Quaternion{X: q.X, Y: q.Y, Z: q.Z, W: q.W}
}

////////////////////
//  LOCALIZATION  //
////////////////////

type jsonLocalization struct {
	X     *float64  `json:"x"`
	Y     *float64  `json:"y"`
	Theta *float64  `json:"theta"`
	Stamp time.Time `json:"stamp"`
}

// JSONLocalization decodes a localization encoded as
// {"x": 1.0, "y": 2.0, "theta": 0.5, "stamp": "2006-01-02T15:04:05Z"}.
// The stamp is optional, the receive time of the envelope is used when missing.
type JSONLocalization struct{}

// NewJSONLocalization returns a new JSON localization adapter.
func NewJSONLocalization() *JSONLocalization {
	return &JSONLocalization{}
}

// Adapt decodes the envelope.
func (*JSONLocalization) Adapt(env *envelope.Envelope) (msgs.Localization, error) {
	var raw jsonLocalization
	if err := json.Unmarshal(env.Payload(), &raw); err != nil {
		return msgs.Localization{}, NewDecodeError(env, err)
	}

	switch {
	case raw.X == nil:
		return msgs.Localization{}, NewDecodeError(env, fmt.Errorf("%w: x", errMissingField))
	case raw.Y == nil:
		return msgs.Localization{}, NewDecodeError(env, fmt.Errorf("%w: y", errMissingField))
	case raw.Theta == nil:
		return msgs.Localization{}, NewDecodeError(env, fmt.Errorf("%w: theta", errMissingField))
	}

	return msgs.Localization{
		Pose:  geometry.NewPose(*raw.X, *raw.Y, *raw.Theta),
		Stamp: stampOrReceiveTime(raw.Stamp, env),
	}, nil
}

///////////
//  IMU  //
///////////

type jsonIMU struct {
	Orientation        *jsonQuaternion `json:"orientation"`
	AngularVelocity    *jsonVector3    `json:"angular_velocity"`
	LinearAcceleration *jsonVector3    `json:"linear_acceleration"`
	Stamp              time.Time       `json:"stamp"`
}

// JSONIMU decodes an IMU sample encoded as
// {"orientation": {"x","y","z","w"}, "angular_velocity": {"x","y","z"},
// "linear_acceleration": {"x","y","z"}, "stamp": "..."}.
// A missing orientation is decoded as the identity rotation.
type JSONIMU struct{}

// NewJSONIMU returns a new JSON IMU adapter.
func NewJSONIMU() *JSONIMU {
	return &JSONIMU{}
}

// Adapt decodes the envelope.
func (*JSONIMU) Adapt(env *envelope.Envelope) (msgs.IMU, error) {
	var raw jsonIMU
	if err := json.Unmarshal(env.Payload(), &raw); err != nil {
		return msgs.IMU{}, NewDecodeError(env, err)
	}

	if raw.AngularVelocity == nil && raw.LinearAcceleration == nil {
		return msgs.IMU{}, NewDecodeError(env, fmt.Errorf("%w: angular_velocity or linear_acceleration", errMissingField))
	}

	return msgs.IMU{
		Orientation:        raw.Orientation.toQuaternion(),
		AngularVelocity:    raw.AngularVelocity.toVector3(),
		LinearAcceleration: raw.LinearAcceleration.toVector3(),
		Stamp:              stampOrReceiveTime(raw.Stamp, env),
	}, nil
}

//////////////////
//  LASER SCAN  //
//////////////////

type jsonLaserScan struct {
	AngleMin       float64   `json:"angle_min"`
	AngleMax       float64   `json:"angle_max"`
	AngleIncrement float64   `json:"angle_increment"`
	RangeMin       float64   `json:"range_min"`
	RangeMax       float64   `json:"range_max"`
	Ranges         []float64 `json:"ranges"`
	Stamp          time.Time `json:"stamp"`
}

// JSONLaserScan decodes a laser scan encoded as
// {"angle_min", "angle_max", "angle_increment", "range_min",
// "range_max", "ranges": [...], "stamp"}.
type JSONLaserScan struct{}

// NewJSONLaserScan returns a new JSON laser scan adapter.
func NewJSONLaserScan() *JSONLaserScan {
	return &JSONLaserScan{}
}

// Adapt decodes the envelope.
func (*JSONLaserScan) Adapt(env *envelope.Envelope) (msgs.LaserScan, error) {
	var raw jsonLaserScan
	if err := json.Unmarshal(env.Payload(), &raw); err != nil {
		return msgs.LaserScan{}, NewDecodeError(env, err)
	}

	scan := msgs.LaserScan{
		AngleMin:       raw.AngleMin,
		AngleMax:       raw.AngleMax,
		AngleIncrement: raw.AngleIncrement,
		RangeMin:       raw.RangeMin,
		RangeMax:       raw.RangeMax,
		Ranges:         raw.Ranges,
		Stamp:          stampOrReceiveTime(raw.Stamp, env),
	}

	if err := validateLaserScan(&scan); err != nil {
		return msgs.LaserScan{}, NewDecodeError(env, err)
	}

	return scan, nil
}

var (
	errEmptyScan        = errors.New("laser scan without ranges")
	errInvalidRangeSpan = errors.New("laser scan range_max is lower than range_min")
	errInvalidIncrement = errors.New("laser scan angle_increment is zero")
)

func validateLaserScan(scan *msgs.LaserScan) error {
	if len(scan.Ranges) == 0 {
		return errEmptyScan
	}

	if scan.RangeMax < scan.RangeMin {
		return errInvalidRangeSpan
	}

	if len(scan.Ranges) > 1 && scan.AngleIncrement == 0 {
		return errInvalidIncrement
	}

	return checkFinite(map[string]float64{
		"angle_min":       scan.AngleMin,
		"angle_max":       scan.AngleMax,
		"angle_increment": scan.AngleIncrement,
	})
}
