package adapter

import (
	"math"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/stretchr/testify/assert"
)

func Test_ROSPose2D(t *testing.T) {
	assert := assert.New(t)

	adapter := NewROSPose2D()

	loc, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeLocalization,
		`{"x": 2.0, "y": 5.0, "theta": 1.0}`))
	assert.NoError(err)
	assert.Equal(2.0, loc.Pose.X)
	assert.Equal(5.0, loc.Pose.Y)
	assert.InDelta(1.0, loc.Pose.Theta.Value(), 1e-12)

	for _, payload := range []string{`{"x": 2.0, "y": 5.0}`, `{"x": "2", "y": 5, "theta": 1}`, `[1, 2, 3]`, `{`} {
		_, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeLocalization, payload))
		assert.ErrorIs(err, ErrDecode, payload)
	}
}

func Test_ROSIMU(t *testing.T) {
	assert := assert.New(t)

	adapter := NewROSIMU()

	ros1 := `{
		"header": {"seq": 4, "stamp": {"secs": 1700000000, "nsecs": 42}, "frame_id": "imu_link"},
		"orientation": {"x": 0, "y": 0, "z": 0, "w": 1},
		"angular_velocity": {"x": 0.1, "y": 0.2, "z": 0.3},
		"linear_acceleration": {"x": 0, "y": 0, "z": 9.81}
	}`

	imu, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeIMU, ros1))
	assert.NoError(err)
	assert.Equal(0.3, imu.AngularVelocity.Z)
	assert.Equal(9.81, imu.LinearAcceleration.Z)
	assert.True(time.Unix(1_700_000_000, 42).Equal(imu.Stamp))

	ros2 := `{
		"header": {"stamp": {"sec": 1700000001, "nanosec": 7}, "frame_id": "imu_link"},
		"angular_velocity": {"x": 0, "y": 0, "z": 1}
	}`

	imu, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeIMU, ros2))
	assert.NoError(err)
	assert.Equal(1.0, imu.AngularVelocity.Z)
	assert.Equal(1.0, imu.Orientation.W)
	assert.True(time.Unix(1_700_000_001, 7).Equal(imu.Stamp))

	imu, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeIMU, `{"linear_acceleration": {"x": 1}}`))
	assert.NoError(err)
	assert.Equal(recvTime, imu.Stamp)

	_, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeIMU, `{"header": {}}`))
	assert.ErrorIs(err, ErrDecode)
}

func Test_ROSLaserScan(t *testing.T) {
	assert := assert.New(t)

	adapter := NewROSLaserScan()

	body := `{
		"header": {"stamp": {"sec": 10, "nanosec": 0}, "frame_id": "laser"},
		"angle_min": -0.5, "angle_max": 0.5, "angle_increment": 0.5,
		"time_increment": 0, "scan_time": 0.1,
		"range_min": 0.1, "range_max": 12.0,
		"ranges": [1.0, null, 3.5],
		"intensities": []
	}`

	scan, err := adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeLaserScan, body))
	assert.NoError(err)
	assert.Len(scan.Ranges, 3)
	assert.Equal(1.0, scan.Ranges[0])
	assert.True(math.IsInf(scan.Ranges[1], 1))
	assert.Equal(3.5, scan.Ranges[2])
	assert.Len(scan.Points(), 2)
	assert.True(time.Unix(10, 0).Equal(scan.Stamp))

	_, err = adapter.Adapt(newTestEnvelope(envelope.ProtocolROS, envelope.MsgTypeLaserScan, `{"range_max": 1}`))
	assert.ErrorIs(err, ErrDecode)
}
