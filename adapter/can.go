package adapter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/squadracorsepolito/acmelib"
)

var errUnknownCANID = errors.New("unknown CAN id")

// CANIMUSignals maps the fields of an IMU sample
// to the names of the CAN signals carrying them.
// Fields with an empty name are left to zero.
type CANIMUSignals struct {
	AngularVelocityX string
	AngularVelocityY string
	AngularVelocityZ string

	LinearAccelerationX string
	LinearAccelerationY string
	LinearAccelerationZ string

	// Yaw is the signal carrying the heading in radians.
	// It is converted into the orientation of the sample.
	Yaw string
}

// CANIMU decodes an IMU sample from a CAN frame.
//
// The payload of the envelope is the 4 byte big endian CAN ID
// followed by the data of the frame. The frame is decoded with
// the signal layout of the matching message.
type CANIMU struct {
	decoders map[uint32]func([]byte) []*acmelib.SignalDecoding
	signals  CANIMUSignals
}

// NewCANIMU returns a new CAN IMU adapter
// for the given messages.
func NewCANIMU(messages []*acmelib.Message, signals CANIMUSignals) *CANIMU {
	decoders := make(map[uint32]func([]byte) []*acmelib.SignalDecoding, len(messages))
	for _, msg := range messages {
		decoders[uint32(msg.GetCANID())] = msg.SignalLayout().Decode
	}

	return &CANIMU{
		decoders: decoders,
		signals:  signals,
	}
}

func decodingAsFloat(dec *acmelib.SignalDecoding) float64 {
	switch dec.ValueType {
	case acmelib.SignalValueTypeFlag:
		if dec.ValueAsFlag() {
			return 1
		}
		return 0
	case acmelib.SignalValueTypeInt:
		return float64(dec.ValueAsInt())
	case acmelib.SignalValueTypeUint:
		return float64(dec.ValueAsUint())
	case acmelib.SignalValueTypeFloat:
		return dec.ValueAsFloat()
	default:
		return float64(dec.RawValue)
	}
}

// Adapt decodes the envelope.
func (ci *CANIMU) Adapt(env *envelope.Envelope) (msgs.IMU, error) {
	payload := env.Payload()
	if len(payload) < 4 {
		return msgs.IMU{}, NewDecodeError(env, fmt.Errorf("CAN frame of %d bytes", len(payload)))
	}

	canID := binary.BigEndian.Uint32(payload[:4])
	decode, ok := ci.decoders[canID]
	if !ok {
		return msgs.IMU{}, NewDecodeError(env, fmt.Errorf("%w: %d", errUnknownCANID, canID))
	}

	values := make(map[string]float64)
	for _, dec := range decode(payload[4:]) {
		values[dec.Signal.Name()] = decodingAsFloat(dec)
	}

	imu := msgs.IMU{
		Orientation: msgs.IdentityQuaternion(),
		AngularVelocity: msgs.Vector3{
			X: values[ci.signals.AngularVelocityX],
			Y: values[ci.signals.AngularVelocityY],
			Z: values[ci.signals.AngularVelocityZ],
		},
		LinearAcceleration: msgs.Vector3{
			X: values[ci.signals.LinearAccelerationX],
			Y: values[ci.signals.LinearAccelerationY],
			Z: values[ci.signals.LinearAccelerationZ],
		},
		Stamp: env.ReceiveTime(),
	}

	if ci.signals.Yaw != "" {
		imu.Orientation = msgs.QuaternionFromYaw(values[ci.signals.Yaw])
	}

	return imu, nil
}

// AppendCANFrame appends the payload of a CAN frame envelope to b.
func AppendCANFrame(b []byte, canID uint32, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, canID)
	return append(b, data...)
}
