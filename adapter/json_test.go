package adapter

import (
	"math"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

var recvTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnvelope(protocol envelope.Protocol, msgType envelope.MsgType, payload string) *envelope.Envelope {
	return envelope.New(protocol, msgType, []byte(payload), envelope.WithReceiveTime(recvTime))
}

func Test_JSONLocalization(t *testing.T) {
	assert := assert.New(t)

	adapter := NewJSONLocalization()

	loc, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolMQTT, envelope.MsgTypeLocalization,
		`{"x": 2.0, "y": 5.0, "theta": 4.0}`))
	assert.NoError(err)
	assert.Equal(2.0, loc.Pose.X)
	assert.Equal(5.0, loc.Pose.Y)
	assert.InDelta(4.0-2*math.Pi, loc.Pose.Theta.Value(), 1e-9)
	assert.Equal(recvTime, loc.Stamp)

	loc, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolMQTT, envelope.MsgTypeLocalization,
		`{"x": 0, "y": 0, "theta": 0, "stamp": "2026-01-02T03:04:05Z"}`))
	assert.NoError(err)
	assert.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), loc.Stamp.UTC())

	for _, payload := range []string{`{"x": 1, "y": 2}`, `not json`, `{"x": "1", "y": 2, "theta": 0}`} {
		_, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolMQTT, envelope.MsgTypeLocalization, payload))
		assert.ErrorIs(err, ErrDecode, payload)
	}
}

func Test_JSONIMU(t *testing.T) {
	assert := assert.New(t)

	adapter := NewJSONIMU()

	imu, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolKafka, envelope.MsgTypeIMU,
		`{"angular_velocity": {"x": 0.1, "y": 0.2, "z": 0.3}, "linear_acceleration": {"z": 9.81}}`))
	assert.NoError(err)

	expected := msgs.IMU{
		Orientation:        msgs.IdentityQuaternion(),
		AngularVelocity:    msgs.Vector3{X: 0.1, Y: 0.2, Z: 0.3},
		LinearAcceleration: msgs.Vector3{Z: 9.81},
		Stamp:              recvTime,
	}
	if diff := cmp.Diff(expected, imu); diff != "" {
		t.Errorf("unexpected imu (-want +got):\n%s", diff)
	}

	_, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolKafka, envelope.MsgTypeIMU, `{"orientation": {"w": 1}}`))
	assert.ErrorIs(err, ErrDecode)
}

func Test_JSONLaserScan(t *testing.T) {
	assert := assert.New(t)

	adapter := NewJSONLaserScan()

	scan, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolMQTT, envelope.MsgTypeLaserScan,
		`{"angle_min": -1.5, "angle_max": 1.5, "angle_increment": 1.5, "range_min": 0.1, "range_max": 10, "ranges": [1, 2, 3]}`))
	assert.NoError(err)

	expected := msgs.LaserScan{
		AngleMin:       -1.5,
		AngleMax:       1.5,
		AngleIncrement: 1.5,
		RangeMin:       0.1,
		RangeMax:       10,
		Ranges:         []float64{1, 2, 3},
		Stamp:          recvTime,
	}
	if diff := cmp.Diff(expected, scan, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("unexpected scan (-want +got):\n%s", diff)
	}

	suite := []string{
		`{"range_max": 10, "ranges": []}`,
		`{"range_min": 5, "range_max": 1, "ranges": [1]}`,
		`{"range_max": 10, "ranges": [1, 2]}`,
	}
	for _, payload := range suite {
		_, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolMQTT, envelope.MsgTypeLaserScan, payload))
		assert.ErrorIs(err, ErrDecode, payload)
	}
}
