package adapter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/geometry"
	"github.com/FerroO2000/robocomm/msgs"
	"google.golang.org/protobuf/encoding/protowire"
)

// The protobuf adapters decode the wire format of the following messages:
//
//	message Vector3 { double x = 1; double y = 2; double z = 3; }
//	message Quaternion { double x = 1; double y = 2; double z = 3; double w = 4; }
//
//	message Localization {
//	  double x = 1; double y = 2; double theta = 3;
//	  int64 stamp_unix_nano = 4;
//	}
//
//	message IMU {
//	  Quaternion orientation = 1;
//	  Vector3 angular_velocity = 2;
//	  Vector3 linear_acceleration = 3;
//	  int64 stamp_unix_nano = 4;
//	}
//
//	message LaserScan {
//	  double angle_min = 1; double angle_max = 2; double angle_increment = 3;
//	  double range_min = 4; double range_max = 5;
//	  repeated double ranges = 6;
//	  int64 stamp_unix_nano = 7;
//	}

var errWireType = errors.New("unexpected wire type")

type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// consumeFields walks the fields of a message. Fields the visitor
// does not handle (it returns 0 consumed bytes) are skipped.
func consumeFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := visit(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}

		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}

	return nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, errWireType
	}

	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n, nil
}

func consumeStamp(typ protowire.Type, b []byte, dst *time.Time) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}

	v, n := protowire.ConsumeVarint(b)
	if n >= 0 && v != 0 {
		*dst = time.Unix(0, int64(v))
	}
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, visit fieldVisitor) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}

	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, consumeFields(v, visit)
}

func consumePackedDoubles(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	switch typ {
	case protowire.Fixed64Type:
		var val float64
		n, err := consumeDouble(typ, b, &val)
		if n >= 0 && err == nil {
			*dst = append(*dst, val)
		}
		return n, err

	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		if len(packed)%8 != 0 {
			return 0, fmt.Errorf("packed doubles of %d bytes", len(packed))
		}

		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			if m < 0 {
				return m, nil
			}
			*dst = append(*dst, math.Float64frombits(v))
			packed = packed[m:]
		}
		return n, nil
	}

	return 0, errWireType
}

func vector3Visitor(dst *msgs.Vector3) fieldVisitor {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &dst.X)
		case 2:
			return consumeDouble(typ, b, &dst.Y)
		case 3:
			return consumeDouble(typ, b, &dst.Z)
		}
		return 0, nil
	}
}

func quaternionVisitor(dst *msgs.Quaternion) fieldVisitor {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &dst.X)
		case 2:
			return consumeDouble(typ, b, &dst.Y)
		case 3:
			return consumeDouble(typ, b, &dst.Z)
		case 4:
			return consumeDouble(typ, b, &dst.W)
		}
		return 0, nil
	}
}

////////////////////
//  LOCALIZATION  //
////////////////////

// ProtoLocalization decodes a protobuf encoded localization.
type ProtoLocalization struct{}

// NewProtoLocalization returns a new protobuf localization adapter.
func NewProtoLocalization() *ProtoLocalization {
	return &ProtoLocalization{}
}

// Adapt decodes the envelope.
func (*ProtoLocalization) Adapt(env *envelope.Envelope) (msgs.Localization, error) {
	var x, y, theta float64
	var stamp time.Time

	err := consumeFields(env.Payload(), func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &x)
		case 2:
			return consumeDouble(typ, b, &y)
		case 3:
			return consumeDouble(typ, b, &theta)
		case 4:
			return consumeStamp(typ, b, &stamp)
		}
		return 0, nil
	})
	if err != nil {
		return msgs.Localization{}, NewDecodeError(env, err)
	}

	if err := checkFinite(map[string]float64{"x": x, "y": y, "theta": theta}); err != nil {
		return msgs.Localization{}, NewDecodeError(env, err)
	}

	return msgs.Localization{
		Pose:  geometry.NewPose(x, y, theta),
		Stamp: stampOrReceiveTime(stamp, env),
	}, nil
}

///////////
//  IMU  //
///////////

// ProtoIMU decodes a protobuf encoded IMU sample.
type ProtoIMU struct{}

// NewProtoIMU returns a new protobuf IMU adapter.
func NewProtoIMU() *ProtoIMU {
	return &ProtoIMU{}
}

// Adapt decodes the envelope.
func (*ProtoIMU) Adapt(env *envelope.Envelope) (msgs.IMU, error) {
	imu := msgs.IMU{Orientation: msgs.IdentityQuaternion()}

	err := consumeFields(env.Payload(), func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			imu.Orientation = msgs.Quaternion{}
			return consumeMessage(typ, b, quaternionVisitor(&imu.Orientation))
		case 2:
			return consumeMessage(typ, b, vector3Visitor(&imu.AngularVelocity))
		case 3:
			return consumeMessage(typ, b, vector3Visitor(&imu.LinearAcceleration))
		case 4:
			return consumeStamp(typ, b, &imu.Stamp)
		}
		return 0, nil
	})
	if err != nil {
		return msgs.IMU{}, NewDecodeError(env, err)
	}

	imu.Stamp = stampOrReceiveTime(imu.Stamp, env)

	return imu, nil
}

//////////////////
//  LASER SCAN  //
//////////////////

// ProtoLaserScan decodes a protobuf encoded laser scan.
type ProtoLaserScan struct{}

// NewProtoLaserScan returns a new protobuf laser scan adapter.
func NewProtoLaserScan() *ProtoLaserScan {
	return &ProtoLaserScan{}
}

// Adapt decodes the envelope.
func (*ProtoLaserScan) Adapt(env *envelope.Envelope) (msgs.LaserScan, error) {
	scan := msgs.LaserScan{}

	err := consumeFields(env.Payload(), func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDouble(typ, b, &scan.AngleMin)
		case 2:
			return consumeDouble(typ, b, &scan.AngleMax)
		case 3:
			return consumeDouble(typ, b, &scan.AngleIncrement)
		case 4:
			return consumeDouble(typ, b, &scan.RangeMin)
		case 5:
			return consumeDouble(typ, b, &scan.RangeMax)
		case 6:
			return consumePackedDoubles(typ, b, &scan.Ranges)
		case 7:
			return consumeStamp(typ, b, &scan.Stamp)
		}
		return 0, nil
	})
	if err != nil {
		return msgs.LaserScan{}, NewDecodeError(env, err)
	}

	if err := validateLaserScan(&scan); err != nil {
		return msgs.LaserScan{}, NewDecodeError(env, err)
	}

	scan.Stamp = stampOrReceiveTime(scan.Stamp, env)

	return scan, nil
}

////////////////
//  ENCODING  //
////////////////

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStamp(b []byte, num protowire.Number, stamp time.Time) []byte {
	if stamp.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(stamp.UnixNano()))
}

func appendVector3(b []byte, num protowire.Number, v msgs.Vector3) []byte {
	var inner []byte
	inner = appendDouble(inner, 1, v.X)
	inner = appendDouble(inner, 2, v.Y)
	inner = appendDouble(inner, 3, v.Z)

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendQuaternion(b []byte, num protowire.Number, q msgs.Quaternion) []byte {
	var inner []byte
	inner = appendDouble(inner, 1, q.X)
	inner = appendDouble(inner, 2, q.Y)
	inner = appendDouble(inner, 3, q.Z)
	inner = appendDouble(inner, 4, q.W)

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// AppendProtoLocalization appends the protobuf encoding of the localization to b.
func AppendProtoLocalization(b []byte, loc msgs.Localization) []byte {
	b = appendDouble(b, 1, loc.Pose.X)
	b = appendDouble(b, 2, loc.Pose.Y)
	b = appendDouble(b, 3, loc.Pose.Theta.Value())
	return appendStamp(b, 4, loc.Stamp)
}

// AppendProtoIMU appends the protobuf encoding of the IMU sample to b.
func AppendProtoIMU(b []byte, imu msgs.IMU) []byte {
	b = appendQuaternion(b, 1, imu.Orientation)
	b = appendVector3(b, 2, imu.AngularVelocity)
	b = appendVector3(b, 3, imu.LinearAcceleration)
	return appendStamp(b, 4, imu.Stamp)
}

// AppendProtoLaserScan appends the protobuf encoding of the laser scan to b.
func AppendProtoLaserScan(b []byte, scan msgs.LaserScan) []byte {
	b = appendDouble(b, 1, scan.AngleMin)
	b = appendDouble(b, 2, scan.AngleMax)
	b = appendDouble(b, 3, scan.AngleIncrement)
	b = appendDouble(b, 4, scan.RangeMin)
	b = appendDouble(b, 5, scan.RangeMax)

	if len(scan.Ranges) > 0 {
		packed := make([]byte, 0, len(scan.Ranges)*8)
		for _, r := range scan.Ranges {
			packed = protowire.AppendFixed64(packed, math.Float64bits(r))
		}

		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	return appendStamp(b, 7, scan.Stamp)
}
