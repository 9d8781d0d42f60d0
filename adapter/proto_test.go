package adapter

import (
	"math"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/geometry"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/encoding/protowire"
)

func Test_ProtoLocalization(t *testing.T) {
	assert := assert.New(t)

	stamp := time.Unix(1_700_000_000, 500)
	payload := AppendProtoLocalization(nil, msgs.Localization{
		Pose:  geometry.NewPose(2.0, 5.0, 1.0),
		Stamp: stamp,
	})

	// Unknown fields are skipped
	payload = protowire.AppendTag(payload, 15, protowire.BytesType)
	payload = protowire.AppendString(payload, "ignored")

	loc, err := NewProtoLocalization().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeLocalization, string(payload)))
	assert.NoError(err)
	assert.Equal(2.0, loc.Pose.X)
	assert.Equal(5.0, loc.Pose.Y)
	assert.InDelta(1.0, loc.Pose.Theta.Value(), 1e-12)
	assert.True(stamp.Equal(loc.Stamp))

	// Empty message decodes to the origin
	loc, err = NewProtoLocalization().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeLocalization, ""))
	assert.NoError(err)
	assert.Zero(loc.Pose.X)
	assert.Equal(recvTime, loc.Stamp)
}

func Test_ProtoLocalization_malformed(t *testing.T) {
	assert := assert.New(t)

	adapter := NewProtoLocalization()

	wrongType := protowire.AppendTag(nil, 1, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 12)

	truncated := protowire.AppendTag(nil, 1, protowire.Fixed64Type)
	truncated = append(truncated, 0x01, 0x02)

	notFinite := protowire.AppendTag(nil, 2, protowire.Fixed64Type)
	notFinite = protowire.AppendFixed64(notFinite, math.Float64bits(math.NaN()))

	for _, payload := range [][]byte{wrongType, truncated, notFinite, {0xff}} {
		_, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeLocalization, string(payload)))
		assert.ErrorIs(err, ErrDecode)
	}
}

func Test_ProtoIMU(t *testing.T) {
	assert := assert.New(t)

	expected := msgs.IMU{
		Orientation:        msgs.QuaternionFromYaw(0.5),
		AngularVelocity:    msgs.Vector3{Z: 0.3},
		LinearAcceleration: msgs.Vector3{X: 0.1, Z: 9.81},
		Stamp:              recvTime,
	}

	imu, err := NewProtoIMU().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeIMU, string(AppendProtoIMU(nil, expected))))
	assert.NoError(err)

	if diff := cmp.Diff(expected, imu); diff != "" {
		t.Errorf("unexpected imu (-want +got):\n%s", diff)
	}

	// A sample without orientation keeps the identity rotation
	payload := appendVector3(nil, 2, msgs.Vector3{X: 1})
	imu, err = NewProtoIMU().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeIMU, string(payload)))
	assert.NoError(err)
	assert.Equal(msgs.IdentityQuaternion(), imu.Orientation)
}

func Test_ProtoLaserScan(t *testing.T) {
	assert := assert.New(t)

	expected := msgs.LaserScan{
		AngleMin:       -math.Pi / 2,
		AngleMax:       math.Pi / 2,
		AngleIncrement: math.Pi / 2,
		RangeMin:       0.2,
		RangeMax:       30,
		Ranges:         []float64{1.5, 2.5, 0},
		Stamp:          recvTime,
	}

	scan, err := NewProtoLaserScan().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeLaserScan, string(AppendProtoLaserScan(nil, expected))))
	assert.NoError(err)

	if diff := cmp.Diff(expected, scan); diff != "" {
		t.Errorf("unexpected scan (-want +got):\n%s", diff)
	}

	// Unpacked repeated doubles are accepted too
	var unpacked []byte
	unpacked = appendDouble(unpacked, 5, 10)
	for _, r := range []float64{1, 2} {
		unpacked = protowire.AppendTag(unpacked, 6, protowire.Fixed64Type)
		unpacked = protowire.AppendFixed64(unpacked, math.Float64bits(r))
	}
	unpacked = appendDouble(unpacked, 3, 0.1)

	scan, err = NewProtoLaserScan().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeLaserScan, string(unpacked)))
	assert.NoError(err)
	assert.Equal([]float64{1, 2}, scan.Ranges)

	// Packed ranges must be a multiple of 8 bytes
	broken := protowire.AppendTag(nil, 6, protowire.BytesType)
	broken = protowire.AppendBytes(broken, []byte{1, 2, 3})
	_, err = NewProtoLaserScan().Adapt(newTestEnvelope(envelope.ProtocolGRPC, envelope.MsgTypeLaserScan, string(broken)))
	assert.ErrorIs(err, ErrDecode)
}
