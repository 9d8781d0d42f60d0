package ingress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// ROSTopic binds a ROS topic to the message type
// of the envelopes received from it.
type ROSTopic struct {
	// Topic is the name of the ROS topic (e.g. "/robot/pose").
	Topic string `yaml:"topic"`
	// Type is the optional ROS message type (e.g. "geometry_msgs/Pose2D").
	Type string `yaml:"type"`
	// MsgType is the message type of every message received from the topic.
	MsgType envelope.MsgType `yaml:"msg_type"`
}

// Default values for the ROS ingress stage configuration.
const (
	DefaultROSConfigURL              = "ws://127.0.0.1:9090"
	DefaultROSConfigHandshakeTimeout = 10 * time.Second
	DefaultROSConfigReconnectDelay   = 2 * time.Second
)

// DefaultROSConfigTopics is the default topic table.
var DefaultROSConfigTopics = []ROSTopic{
	{Topic: "/pose", Type: "geometry_msgs/Pose2D", MsgType: envelope.MsgTypeLocalization},
	{Topic: "/imu", Type: "sensor_msgs/Imu", MsgType: envelope.MsgTypeIMU},
	{Topic: "/scan", Type: "sensor_msgs/LaserScan", MsgType: envelope.MsgTypeLaserScan},
}

// ROSConfig structs contains the configuration for the ROS ingress stage.
// The stage is a client of a rosbridge v2 server.
type ROSConfig struct {
	// URL is the websocket URL of the rosbridge server.
	URL string `yaml:"url"`

	// HandshakeTimeout is the timeout of the websocket handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ReconnectDelay is the time waited before dialing again
	// after the connection has been lost.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ThrottleRate is the minimum time between two messages
	// of the same topic sent by the server. Zero disables throttling.
	ThrottleRate time.Duration `yaml:"throttle_rate"`

	// Topics is the table of the subscribed topics.
	Topics []ROSTopic `yaml:"topics"`
}

// NewROSConfig returns the default configuration of the ROS stage.
func NewROSConfig() *ROSConfig {
	return &ROSConfig{
		URL:              DefaultROSConfigURL,
		HandshakeTimeout: DefaultROSConfigHandshakeTimeout,
		ReconnectDelay:   DefaultROSConfigReconnectDelay,
		Topics:           slices.Clone(DefaultROSConfigTopics),
	}
}

// Validate checks the configuration.
func (c *ROSConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "URL", &c.URL, DefaultROSConfigURL)

	config.CheckNotNegative(ac, "HandshakeTimeout", &c.HandshakeTimeout, DefaultROSConfigHandshakeTimeout)
	config.CheckNotZero(ac, "HandshakeTimeout", &c.HandshakeTimeout, DefaultROSConfigHandshakeTimeout)

	config.CheckNotNegative(ac, "ReconnectDelay", &c.ReconnectDelay, DefaultROSConfigReconnectDelay)
	config.CheckNotZero(ac, "ReconnectDelay", &c.ReconnectDelay, DefaultROSConfigReconnectDelay)

	config.CheckNotNegative(ac, "ThrottleRate", &c.ThrottleRate, 0)

	config.CheckLen(ac, "Topics", &c.Topics, slices.Clone(DefaultROSConfigTopics))

	for idx := range c.Topics {
		topic := &c.Topics[idx]
		field := fmt.Sprintf("Topics[%d]", idx)

		config.CheckNotEmpty(ac, field+".Topic", &topic.Topic, DefaultROSConfigTopics[0].Topic)
		config.CheckOneOf(ac, field+".MsgType", &topic.MsgType, envelope.MsgTypeLocalization, envelope.MsgTypes()...)
	}
}

////////////////
//  PROTOCOL  //
////////////////

// newROSSubscribeOp returns the rosbridge subscribe operation of the topic.
func newROSSubscribeOp(topic ROSTopic, throttleRate time.Duration) ([]byte, error) {
	op, err := sjson.SetBytes([]byte(`{}`), "op", "subscribe")
	if err != nil {
		return nil, err
	}

	if op, err = sjson.SetBytes(op, "id", "subscribe:"+topic.Topic); err != nil {
		return nil, err
	}

	if op, err = sjson.SetBytes(op, "topic", topic.Topic); err != nil {
		return nil, err
	}

	if topic.Type != "" {
		if op, err = sjson.SetBytes(op, "type", topic.Type); err != nil {
			return nil, err
		}
	}

	if throttleRate > 0 {
		if op, err = sjson.SetBytes(op, "throttle_rate", throttleRate.Milliseconds()); err != nil {
			return nil, err
		}
	}

	return op, nil
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*rosSource)(nil)

type rosSource struct {
	baseSource

	dialer *websocket.Dialer

	url            string
	reconnectDelay time.Duration
	throttleRate   time.Duration

	topics   []ROSTopic
	msgTypes map[string]envelope.MsgType

	closed    chan struct{}
	closeOnce sync.Once

	// Metrics
	connected      atomic.Int64
	ignoredOps     atomic.Int64
	reconnectCount atomic.Int64
}

func newROSSource() *rosSource {
	return &rosSource{
		closed: make(chan struct{}),
	}
}

func (rs *rosSource) init(cfg *ROSConfig) {
	rs.dialer = &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	rs.url = cfg.URL
	rs.reconnectDelay = cfg.ReconnectDelay
	rs.throttleRate = cfg.ThrottleRate

	rs.topics = cfg.Topics
	rs.msgTypes = make(map[string]envelope.MsgType, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		rs.msgTypes[topic.Topic] = topic.MsgType
	}

	rs.initMetrics()
}

func (rs *rosSource) initMetrics() {
	rs.initBaseMetrics()
	rs.tel.NewUpDownCounter("connected", func() int64 { return rs.connected.Load() })
	rs.tel.NewCounter("ignored_operations", func() int64 { return rs.ignoredOps.Load() })
	rs.tel.NewCounter("reconnections", func() int64 { return rs.reconnectCount.Load() })
}

func (rs *rosSource) run(ctx context.Context, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-rs.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := rs.connectAndRead(ctx, sink); err != nil {
			rs.tel.LogError("rosbridge connection failed", err, "url", rs.url)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(rs.reconnectDelay):
			rs.reconnectCount.Add(1)
		}
	}
}

func (rs *rosSource) connectAndRead(ctx context.Context, sink Sink) error {
	conn, _, err := rs.dialer.DialContext(ctx, rs.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the connection when the context is done
	connClosed := make(chan struct{})
	defer close(connClosed)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connClosed:
		}
	}()

	for _, topic := range rs.topics {
		op, err := newROSSubscribeOp(topic, rs.throttleRate)
		if err != nil {
			return err
		}

		if err := conn.WriteMessage(websocket.TextMessage, op); err != nil {
			return err
		}
	}

	rs.connected.Store(1)
	defer rs.connected.Store(0)

	rs.tel.LogInfo("connected to rosbridge", "url", rs.url, "topics", len(rs.topics))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}

			return err
		}

		rs.handleOp(ctx, sink, data)
	}
}

// handleOp forwards the body of the publish operations of the subscribed topics.
func (rs *rosSource) handleOp(ctx context.Context, sink Sink, data []byte) {
	if !gjson.ValidBytes(data) {
		rs.ignoredOps.Add(1)
		rs.tel.LogWarn("invalid rosbridge operation")
		return
	}

	res := gjson.ParseBytes(data)

	op := res.Get("op").String()
	if op != "publish" {
		if op == "status" {
			rs.tel.LogDebug("rosbridge status", "level", res.Get("level").String(), "msg", res.Get("msg").String())
		}

		rs.ignoredOps.Add(1)
		return
	}

	topic := res.Get("topic").String()
	msgType, ok := rs.msgTypes[topic]
	if !ok {
		rs.ignoredOps.Add(1)
		return
	}

	body := res.Get("msg")
	if !body.IsObject() {
		rs.rejectedEnvelopes.Add(1)
		rs.tel.LogWarn("publish operation without body", "topic", topic)
		return
	}

	_, span := rs.tel.NewTrace(ctx, "receive ROS message")
	defer span.End()

	span.SetAttributes(
		attribute.String("topic", topic),
		attribute.Int("payload_size", len(body.Raw)),
	)

	env := envelope.New(envelope.ProtocolROS, msgType, []byte(body.Raw),
		envelope.WithSource(topic),
		envelope.WithSpan(span),
	)

	_ = rs.forward(ctx, sink, env)
}

func (rs *rosSource) close() {
	rs.closeOnce.Do(func() {
		close(rs.closed)
	})
}

/////////////
//  STAGE  //
/////////////

// ROSStage is an ingress stage that connects to a rosbridge server,
// subscribes to a table of topics and sends the body
// of every published message to the hub.
type ROSStage struct {
	*stage[*ROSConfig]

	source *rosSource
}

// NewROSStage returns a new ROS stage.
func NewROSStage(sink Sink, cfg *ROSConfig) *ROSStage {
	source := newROSSource()

	return &ROSStage{
		stage: newStage("ros", source, sink, cfg),

		source: source,
	}
}

// Init validates the configuration.
// The connection is established (and restored) by Run.
func (rs *ROSStage) Init(ctx context.Context) error {
	if err := rs.stage.Init(ctx); err != nil {
		return err
	}

	rs.source.init(rs.cfg)

	return nil
}

// Close closes the connection.
func (rs *ROSStage) Close() {
	rs.source.close()
	rs.stage.Close()
}
