package ingress

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/FerroO2000/robocomm/internal/pool"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.opentelemetry.io/otel/attribute"
)

// ErrMQTTConnectTimeout is returned when the broker does not
// acknowledge the connection in time.
var ErrMQTTConnectTimeout = errors.New("mqtt: connect timeout")

//////////////
//  CONFIG  //
//////////////

// MQTTTopic binds a topic filter to the message type
// of the envelopes received from it.
type MQTTTopic struct {
	// Topic is the topic filter to subscribe to (e.g. "robot/+/pose").
	Topic string `yaml:"topic"`
	// QoS is the quality of service of the subscription.
	QoS byte `yaml:"qos"`
	// MsgType is the message type of every payload received from the topic.
	MsgType envelope.MsgType `yaml:"msg_type"`
}

// Default values for the MQTT ingress stage configuration.
const (
	DefaultMQTTConfigBrokerURL      = "tcp://127.0.0.1:1883"
	DefaultMQTTConfigClientID       = "robocomm"
	DefaultMQTTConfigConnectTimeout = 10 * time.Second
	DefaultMQTTConfigKeepAlive      = 30 * time.Second
	DefaultMQTTConfigFanInQueueSize = 512
)

// DefaultMQTTConfigTopics is the default topic table.
var DefaultMQTTConfigTopics = []MQTTTopic{
	{Topic: "robot/localization", QoS: 0, MsgType: envelope.MsgTypeLocalization},
	{Topic: "robot/imu", QoS: 0, MsgType: envelope.MsgTypeIMU},
	{Topic: "robot/scan", QoS: 0, MsgType: envelope.MsgTypeLaserScan},
}

// MQTTConfig structs contains the configuration for the MQTT ingress stage.
type MQTTConfig struct {
	// BrokerURL is the URL of the broker (e.g. "tcp://127.0.0.1:1883").
	BrokerURL string `yaml:"broker_url"`

	// ClientID is the client identifier presented to the broker.
	ClientID string `yaml:"client_id"`

	// Username and Password are the optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ConnectTimeout is the maximum time to wait for the broker
	// to acknowledge the connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KeepAlive is the keep alive period of the connection.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// Topics is the table of the subscribed topics.
	Topics []MQTTTopic `yaml:"topics"`

	// FanInQueueSize is the size of the queue that conveys the envelopes
	// built by the client callbacks to the hub.
	FanInQueueSize int `yaml:"fan_in_queue_size"`
}

// NewMQTTConfig returns the default configuration of the MQTT stage.
func NewMQTTConfig() *MQTTConfig {
	return &MQTTConfig{
		BrokerURL:      DefaultMQTTConfigBrokerURL,
		ClientID:       DefaultMQTTConfigClientID,
		ConnectTimeout: DefaultMQTTConfigConnectTimeout,
		KeepAlive:      DefaultMQTTConfigKeepAlive,
		Topics:         slices.Clone(DefaultMQTTConfigTopics),
		FanInQueueSize: DefaultMQTTConfigFanInQueueSize,
	}
}

// Validate checks the configuration.
func (c *MQTTConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "BrokerURL", &c.BrokerURL, DefaultMQTTConfigBrokerURL)
	config.CheckNotEmpty(ac, "ClientID", &c.ClientID, DefaultMQTTConfigClientID)

	config.CheckNotNegative(ac, "ConnectTimeout", &c.ConnectTimeout, DefaultMQTTConfigConnectTimeout)
	config.CheckNotZero(ac, "ConnectTimeout", &c.ConnectTimeout, DefaultMQTTConfigConnectTimeout)

	config.CheckNotNegative(ac, "KeepAlive", &c.KeepAlive, DefaultMQTTConfigKeepAlive)
	config.CheckNotZero(ac, "KeepAlive", &c.KeepAlive, DefaultMQTTConfigKeepAlive)

	config.CheckNotNegative(ac, "FanInQueueSize", &c.FanInQueueSize, DefaultMQTTConfigFanInQueueSize)
	config.CheckNotZero(ac, "FanInQueueSize", &c.FanInQueueSize, DefaultMQTTConfigFanInQueueSize)

	config.CheckLen(ac, "Topics", &c.Topics, slices.Clone(DefaultMQTTConfigTopics))

	for idx := range c.Topics {
		topic := &c.Topics[idx]
		field := fmt.Sprintf("Topics[%d]", idx)

		config.CheckNotGreaterThan(ac, field+".QoS", "2", &topic.QoS, 2)
		config.CheckOneOf(ac, field+".MsgType", &topic.MsgType, envelope.MsgTypeLocalization, envelope.MsgTypes()...)
	}
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*mqttSource)(nil)

type mqttSource struct {
	baseSource

	newClient func(opts *mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client

	fanIn *pool.FanIn[*envelope.Envelope]

	topics []MQTTTopic

	// The client callbacks are not bound to the context of Run
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newMQTTSource() *mqttSource {
	ctx, cancel := context.WithCancel(context.Background())

	return &mqttSource{
		newClient: mqtt.NewClient,

		ctx:    ctx,
		cancel: cancel,
	}
}

func (ms *mqttSource) init(cfg *MQTTConfig) error {
	ms.fanIn = pool.NewFanIn[*envelope.Envelope](cfg.FanInQueueSize)
	ms.topics = cfg.Topics

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(ms.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			ms.tel.LogError("connection to the broker lost", err)
		})

	ms.client = ms.newClient(opts)

	token := ms.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return ErrMQTTConnectTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	ms.initBaseMetrics()

	return nil
}

// onConnect (re)subscribes to every topic of the table.
// It runs on every connection, so a reconnection restores the subscriptions.
func (ms *mqttSource) onConnect(client mqtt.Client) {
	ms.tel.LogInfo("connected to the broker")

	for _, topic := range ms.topics {
		token := client.Subscribe(topic.Topic, topic.QoS, ms.messageHandler(topic.MsgType))

		// The handler must not block the client
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				ms.tel.LogError("failed to subscribe", err, "topic", topic.Topic)
				return
			}

			ms.tel.LogInfo("subscribed", "topic", topic.Topic, "msg_type", topic.MsgType.String())
		}()
	}
}

func (ms *mqttSource) messageHandler(msgType envelope.MsgType) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		_, span := ms.tel.NewTrace(ms.ctx, "receive MQTT message")
		defer span.End()

		payload := msg.Payload()

		span.SetAttributes(
			attribute.String("topic", msg.Topic()),
			attribute.Int("payload_size", len(payload)),
		)

		env := envelope.New(envelope.ProtocolMQTT, msgType, payload,
			envelope.WithSource(msg.Topic()),
			envelope.WithSpan(span),
		)

		if err := ms.fanIn.AddTask(ms.ctx, env); err != nil {
			ms.rejectedEnvelopes.Add(1)
			ms.tel.LogError("failed to write envelope into the fan in", err, "topic", msg.Topic())
		}
	}
}

func (ms *mqttSource) run(ctx context.Context, sink Sink) {
	for {
		env, err := ms.fanIn.ReadTask(ctx)
		if err != nil {
			return
		}

		_ = ms.forward(ctx, sink, env)
	}
}

func (ms *mqttSource) close() {
	ms.closeOnce.Do(func() {
		if ms.client != nil {
			ms.client.Disconnect(250)
		}

		ms.cancel()

		if ms.fanIn != nil {
			ms.fanIn.Close()
		}
	})
}

/////////////
//  STAGE  //
/////////////

// MQTTStage is an ingress stage that subscribes to a table of MQTT topics
// and sends every received payload to the hub.
type MQTTStage struct {
	*stage[*MQTTConfig]

	source *mqttSource
}

// NewMQTTStage returns a new MQTT stage.
func NewMQTTStage(sink Sink, cfg *MQTTConfig) *MQTTStage {
	source := newMQTTSource()

	return &MQTTStage{
		stage: newStage("mqtt", source, sink, cfg),

		source: source,
	}
}

// Init validates the configuration and connects to the broker.
func (ms *MQTTStage) Init(ctx context.Context) error {
	if err := ms.stage.Init(ctx); err != nil {
		return err
	}

	return ms.source.init(ms.cfg)
}

// Close disconnects from the broker.
func (ms *MQTTStage) Close() {
	ms.source.close()
	ms.stage.Close()
}
