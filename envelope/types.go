package envelope

import (
	"fmt"
	"strings"
)

// Protocol identifies the transport an envelope was received from.
type Protocol uint8

const (
	// ProtocolMQTT defines an envelope received from an MQTT broker.
	ProtocolMQTT Protocol = iota + 1
	// ProtocolGRPC defines an envelope received through the gRPC ingest service.
	ProtocolGRPC
	// ProtocolROS defines an envelope received from a ROS topic (rosbridge).
	ProtocolROS
	// ProtocolTCP defines an envelope received from a raw TCP stream.
	ProtocolTCP
	// ProtocolKafka defines an envelope received from a Kafka topic.
	ProtocolKafka
)

var protocolNames = map[Protocol]string{
	ProtocolMQTT:  "mqtt",
	ProtocolGRPC:  "grpc",
	ProtocolROS:   "ros",
	ProtocolTCP:   "tcp",
	ProtocolKafka: "kafka",
}

// Protocols returns all the supported protocols.
func Protocols() []Protocol {
	return []Protocol{ProtocolMQTT, ProtocolGRPC, ProtocolROS, ProtocolTCP, ProtocolKafka}
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsValid states whether the protocol is a known one.
func (p Protocol) IsValid() bool {
	_, ok := protocolNames[p]
	return ok
}

// ParseProtocol returns the protocol matching the given name (case insensitive).
func ParseProtocol(name string) (Protocol, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, pName := range protocolNames {
		if pName == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("unknown protocol %d", p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MsgType identifies the logical (domain) type carried by an envelope.
// It is the routing key of the hub.
type MsgType uint8

const (
	// MsgTypeLocalization defines a localization (pose) message.
	MsgTypeLocalization MsgType = iota + 1
	// MsgTypeIMU defines an inertial measurement unit message.
	MsgTypeIMU
	// MsgTypeLaserScan defines a planar laser scan message.
	MsgTypeLaserScan
)

var msgTypeNames = map[MsgType]string{
	MsgTypeLocalization: "localization",
	MsgTypeIMU:          "imu",
	MsgTypeLaserScan:    "laser_scan",
}

// MsgTypes returns all the supported message types.
func MsgTypes() []MsgType {
	return []MsgType{MsgTypeLocalization, MsgTypeIMU, MsgTypeLaserScan}
}

func (mt MsgType) String() string {
	if name, ok := msgTypeNames[mt]; ok {
		return name
	}
	return fmt.Sprintf("msg_type(%d)", uint8(mt))
}

// IsValid states whether the message type is a known one.
func (mt MsgType) IsValid() bool {
	_, ok := msgTypeNames[mt]
	return ok
}

// ParseMsgType returns the message type matching the given name (case insensitive).
func ParseMsgType(name string) (MsgType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for mt, mtName := range msgTypeNames {
		if mtName == name {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (mt MsgType) MarshalText() ([]byte, error) {
	if !mt.IsValid() {
		return nil, fmt.Errorf("unknown message type %d", mt)
	}
	return []byte(mt.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (mt *MsgType) UnmarshalText(text []byte) error {
	parsed, err := ParseMsgType(string(text))
	if err != nil {
		return err
	}
	*mt = parsed
	return nil
}
