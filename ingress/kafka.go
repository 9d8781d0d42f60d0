package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

// KafkaMsgTypeHeader is the header that overrides the message type
// bound to the topic of a Kafka message.
const KafkaMsgTypeHeader = "robocomm-msg-type"

//////////////
//  CONFIG  //
//////////////

// KafkaTopic binds a Kafka topic to the message type
// of the envelopes read from it.
type KafkaTopic struct {
	// Topic is the name of the topic.
	Topic string `yaml:"topic"`
	// MsgType is the message type of every record of the topic.
	MsgType envelope.MsgType `yaml:"msg_type"`
}

// DefaultKafkaConfigBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// DefaultKafkaConfigTopics is the default topic table.
var DefaultKafkaConfigTopics = []KafkaTopic{
	{Topic: "robot.localization", MsgType: envelope.MsgTypeLocalization},
	{Topic: "robot.imu", MsgType: envelope.MsgTypeIMU},
	{Topic: "robot.scan", MsgType: envelope.MsgTypeLaserScan},
}

// Default values for the Kafka ingress stage configuration.
const (
	DefaultKafkaConfigGroupID           = "robocomm"
	DefaultKafkaConfigQueueCapacity     = 100
	DefaultKafkaConfigMinBytes          = 1
	DefaultKafkaConfigMaxBytes          = 1 << 20
	DefaultKafkaConfigMaxWait           = 500 * time.Millisecond
	DefaultKafkaConfigCommitInterval    = time.Second
	DefaultKafkaConfigSessionTimeout    = 30 * time.Second
	DefaultKafkaConfigStartOffset       = kafka.LastOffset
	DefaultKafkaConfigReadBackoffMin    = 100 * time.Millisecond
	DefaultKafkaConfigReadBackoffMax    = time.Second
	DefaultKafkaConfigMaxAttempts       = 3
	DefaultKafkaConfigHeartbeatInterval = 3 * time.Second
)

// KafkaConfig structs contains the configuration for the Kafka ingress stage.
type KafkaConfig struct {
	// The list of broker addresses used to connect to the kafka cluster.
	Brokers []string `yaml:"brokers"`

	// GroupID holds the consumer group id.
	GroupID string `yaml:"group_id"`

	// Topics is the table of the consumed topics.
	Topics []KafkaTopic `yaml:"topics"`

	// An dialer used to open connections to the kafka server. This field is
	// optional, if nil, the default dialer is used instead.
	Dialer *kafka.Dialer `yaml:"-"`

	// The capacity of the internal message queue of the reader.
	QueueCapacity int `yaml:"queue_capacity"`

	// MinBytes and MaxBytes bound the size of the batches fetched from the broker.
	MinBytes int `yaml:"min_bytes"`
	MaxBytes int `yaml:"max_bytes"`

	// Maximum amount of time to wait for new data to come when fetching batches
	// of messages from kafka.
	MaxWait time.Duration `yaml:"max_wait"`

	// HeartbeatInterval is the frequency at which the reader sends
	// the consumer group heartbeat update.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// CommitInterval indicates the interval at which offsets are committed to
	// the broker. If 0, commits will be handled synchronously.
	CommitInterval time.Duration `yaml:"commit_interval"`

	// SessionTimeout is the length of time that may pass without a heartbeat
	// before the coordinator considers the consumer dead.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// StartOffset is kafka.FirstOffset or kafka.LastOffset.
	// Sensor data is usually consumed from the last offset.
	StartOffset int64 `yaml:"start_offset"`

	// ReadBackoffMin and ReadBackoffMax bound the time the reader
	// waits before polling for new messages.
	ReadBackoffMin time.Duration `yaml:"read_backoff_min"`
	ReadBackoffMax time.Duration `yaml:"read_backoff_max"`

	// Limit of how many attempts to connect will be made before returning the error.
	MaxAttempts int `yaml:"max_attempts"`
}

// NewKafkaConfig returns the default configuration of the Kafka stage.
func NewKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:           slices.Clone(DefaultKafkaConfigBrokers),
		GroupID:           DefaultKafkaConfigGroupID,
		Topics:            slices.Clone(DefaultKafkaConfigTopics),
		QueueCapacity:     DefaultKafkaConfigQueueCapacity,
		MinBytes:          DefaultKafkaConfigMinBytes,
		MaxBytes:          DefaultKafkaConfigMaxBytes,
		MaxWait:           DefaultKafkaConfigMaxWait,
		HeartbeatInterval: DefaultKafkaConfigHeartbeatInterval,
		CommitInterval:    DefaultKafkaConfigCommitInterval,
		SessionTimeout:    DefaultKafkaConfigSessionTimeout,
		StartOffset:       DefaultKafkaConfigStartOffset,
		ReadBackoffMin:    DefaultKafkaConfigReadBackoffMin,
		ReadBackoffMax:    DefaultKafkaConfigReadBackoffMax,
		MaxAttempts:       DefaultKafkaConfigMaxAttempts,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, slices.Clone(DefaultKafkaConfigBrokers))

	config.CheckNotEmpty(ac, "GroupID", &c.GroupID, DefaultKafkaConfigGroupID)

	config.CheckNotNegative(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)
	config.CheckNotZero(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)

	config.CheckNotNegative(ac, "MinBytes", &c.MinBytes, DefaultKafkaConfigMinBytes)
	config.CheckNotZero(ac, "MinBytes", &c.MinBytes, DefaultKafkaConfigMinBytes)
	config.CheckNotZero(ac, "MaxBytes", &c.MaxBytes, DefaultKafkaConfigMaxBytes)
	config.CheckNotLowerThan(ac, "MaxBytes", "MinBytes", &c.MaxBytes, c.MinBytes)

	config.CheckNotNegative(ac, "MaxWait", &c.MaxWait, DefaultKafkaConfigMaxWait)
	config.CheckNotZero(ac, "MaxWait", &c.MaxWait, DefaultKafkaConfigMaxWait)

	config.CheckNotNegative(ac, "HeartbeatInterval", &c.HeartbeatInterval, DefaultKafkaConfigHeartbeatInterval)
	config.CheckNotZero(ac, "HeartbeatInterval", &c.HeartbeatInterval, DefaultKafkaConfigHeartbeatInterval)

	config.CheckNotNegative(ac, "CommitInterval", &c.CommitInterval, DefaultKafkaConfigCommitInterval)

	config.CheckNotNegative(ac, "SessionTimeout", &c.SessionTimeout, DefaultKafkaConfigSessionTimeout)
	config.CheckNotZero(ac, "SessionTimeout", &c.SessionTimeout, DefaultKafkaConfigSessionTimeout)

	config.CheckOneOf(ac, "StartOffset", &c.StartOffset, DefaultKafkaConfigStartOffset, kafka.FirstOffset, kafka.LastOffset)

	config.CheckNotNegative(ac, "ReadBackoffMin", &c.ReadBackoffMin, DefaultKafkaConfigReadBackoffMin)
	config.CheckNotLowerThan(ac, "ReadBackoffMax", "ReadBackoffMin", &c.ReadBackoffMax, c.ReadBackoffMin)

	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)

	config.CheckLen(ac, "Topics", &c.Topics, slices.Clone(DefaultKafkaConfigTopics))

	for idx := range c.Topics {
		topic := &c.Topics[idx]
		field := fmt.Sprintf("Topics[%d]", idx)

		config.CheckNotEmpty(ac, field+".Topic", &topic.Topic, DefaultKafkaConfigTopics[0].Topic)
		config.CheckOneOf(ac, field+".MsgType", &topic.MsgType, envelope.MsgTypeLocalization, envelope.MsgTypes()...)
	}
}

func (c *KafkaConfig) readerConfig() kafka.ReaderConfig {
	topics := make([]string, 0, len(c.Topics))
	for _, topic := range c.Topics {
		topics = append(topics, topic.Topic)
	}

	return kafka.ReaderConfig{
		Brokers:           c.Brokers,
		GroupID:           c.GroupID,
		GroupTopics:       topics,
		Dialer:            c.Dialer,
		QueueCapacity:     c.QueueCapacity,
		MinBytes:          c.MinBytes,
		MaxBytes:          c.MaxBytes,
		MaxWait:           c.MaxWait,
		HeartbeatInterval: c.HeartbeatInterval,
		CommitInterval:    c.CommitInterval,
		SessionTimeout:    c.SessionTimeout,
		StartOffset:       c.StartOffset,
		ReadBackoffMin:    c.ReadBackoffMin,
		ReadBackoffMax:    c.ReadBackoffMax,
		MaxAttempts:       c.MaxAttempts,
	}
}

//////////////////////
//  HEADER CARRIER  //
//////////////////////

// kafkaHeaderCarrier adapts the headers of a Kafka message
// to the propagation carrier interface.
type kafkaHeaderCarrier struct {
	headers *[]kafka.Header
}

func newKafkaHeaderCarrier(headers *[]kafka.Header) *kafkaHeaderCarrier {
	return &kafkaHeaderCarrier{headers: headers}
}

func (khc *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range *khc.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (khc *kafkaHeaderCarrier) Set(key, value string) {
	for idx, h := range *khc.headers {
		if h.Key == key {
			(*khc.headers)[idx].Value = []byte(value)
			return
		}
	}

	*khc.headers = append(*khc.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (khc *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*khc.headers))
	for _, h := range *khc.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

//////////////
//  SOURCE  //
//////////////

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

var _ kafkaReader = (*kafka.Reader)(nil)

var _ source = (*kafkaSource)(nil)

type kafkaSource struct {
	baseSource

	newReader func(cfg kafka.ReaderConfig) kafkaReader
	reader    kafkaReader

	msgTypes map[string]envelope.MsgType

	closeOnce sync.Once
}

func newKafkaSource() *kafkaSource {
	return &kafkaSource{
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
	}
}

func (ks *kafkaSource) init(cfg *KafkaConfig) {
	ks.msgTypes = make(map[string]envelope.MsgType, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		ks.msgTypes[topic.Topic] = topic.MsgType
	}

	ks.reader = ks.newReader(cfg.readerConfig())

	ks.initBaseMetrics()
}

func (ks *kafkaSource) run(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := ks.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}

			// The reader has been closed
			if errors.Is(err, io.EOF) {
				return
			}

			ks.tel.LogError("failed to read message", err)
			continue
		}

		env, err := ks.handleMessage(ctx, &msg)
		if err != nil {
			ks.rejectedEnvelopes.Add(1)
			ks.tel.LogWarn("discarding kafka message", "reason", err.Error(), "topic", msg.Topic, "offset", msg.Offset)
			continue
		}

		_ = ks.forward(ctx, sink, env)
	}
}

func (ks *kafkaSource) msgTypeOf(msg *kafka.Message) (envelope.MsgType, error) {
	for _, h := range msg.Headers {
		if h.Key == KafkaMsgTypeHeader {
			return envelope.ParseMsgType(string(h.Value))
		}
	}

	msgType, ok := ks.msgTypes[msg.Topic]
	if !ok {
		return 0, fmt.Errorf("topic %q not in the topic table", msg.Topic)
	}

	return msgType, nil
}

func (ks *kafkaSource) handleMessage(ctx context.Context, msg *kafka.Message) (*envelope.Envelope, error) {
	msgType, err := ks.msgTypeOf(msg)
	if err != nil {
		return nil, err
	}

	if len(msg.Headers) > 0 {
		ctx = ks.tel.ExtractTraceContext(ctx, newKafkaHeaderCarrier(&msg.Headers))
	}

	_, span := ks.tel.NewTrace(ctx, "handle kafka message")
	defer span.End()

	span.SetAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int("value_size", len(msg.Value)),
	)

	return envelope.New(envelope.ProtocolKafka, msgType, msg.Value,
		envelope.WithSource(msg.Topic),
		envelope.WithSpan(span),
	), nil
}

func (ks *kafkaSource) close() {
	ks.closeOnce.Do(func() {
		if ks.reader == nil {
			return
		}

		if err := ks.reader.Close(); err != nil {
			ks.tel.LogError("failed to close reader", err)
		}
	})
}

/////////////
//  STAGE  //
/////////////

// KafkaStage is an ingress stage that reads the records of a table
// of Kafka topics and sends their values to the hub.
type KafkaStage struct {
	*stage[*KafkaConfig]

	source *kafkaSource
}

// NewKafkaStage returns a new Kafka ingress stage.
func NewKafkaStage(sink Sink, cfg *KafkaConfig) *KafkaStage {
	source := newKafkaSource()

	return &KafkaStage{
		stage: newStage("kafka", source, sink, cfg),

		source: source,
	}
}

// Init validates the configuration and creates the reader.
func (ks *KafkaStage) Init(ctx context.Context) error {
	if err := ks.stage.Init(ctx); err != nil {
		return err
	}

	ks.source.init(ks.cfg)

	return nil
}

// Close closes the reader.
func (ks *KafkaStage) Close() {
	ks.stage.Close()
	ks.source.close()
}
