package robocomm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FerroO2000/robocomm/internal/config"
)

// OverflowPolicy defines what Send does when the queue of the hub is full.
type OverflowPolicy uint8

const (
	// OverflowPolicyBlock waits for room in the queue,
	// up to the send timeout or the deadline of the context.
	OverflowPolicyBlock OverflowPolicy = iota
	// OverflowPolicyDropNewest rejects the envelope being sent.
	OverflowPolicyDropNewest
)

func (op OverflowPolicy) String() string {
	switch op {
	case OverflowPolicyBlock:
		return "block"
	case OverflowPolicyDropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *OverflowPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "block":
		*op = OverflowPolicyBlock
	case "drop_newest":
		*op = OverflowPolicyDropNewest
	default:
		return fmt.Errorf("unknown overflow policy %q", text)
	}
	return nil
}

// ErrorHandler is called by the dispatch loop for every envelope
// that could not be routed, decoded or delivered.
type ErrorHandler func(ctx context.Context, err error)

// Default values for the hub configuration.
const (
	DefaultHubConfigQueueSize      = 1024
	DefaultHubConfigSendTimeout    = time.Second
	DefaultHubConfigOverflowPolicy = OverflowPolicyBlock
)

// HubConfig structs contains the configuration of the hub.
type HubConfig struct {
	// QueueSize is the capacity of the ingestion queue.
	// It is rounded up to the next power of 2.
	QueueSize uint32 `yaml:"queue_size"`

	// SendTimeout is the maximum time Send waits for room in the queue
	// when the overflow policy is OverflowPolicyBlock.
	// Zero means that only the deadline of the context applies.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// OverflowPolicy defines what Send does when the queue is full.
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// ErrorHandler is called for every dispatch failure. Optional.
	ErrorHandler ErrorHandler `yaml:"-"`
}

// NewHubConfig returns the default configuration of the hub.
func NewHubConfig() *HubConfig {
	return &HubConfig{
		QueueSize:      DefaultHubConfigQueueSize,
		SendTimeout:    DefaultHubConfigSendTimeout,
		OverflowPolicy: DefaultHubConfigOverflowPolicy,
	}
}

// Validate checks the configuration.
func (c *HubConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotZero(ac, "QueueSize", &c.QueueSize, DefaultHubConfigQueueSize)

	config.CheckNotNegative(ac, "SendTimeout", &c.SendTimeout, DefaultHubConfigSendTimeout)

	config.CheckOneOf(ac, "OverflowPolicy", &c.OverflowPolicy, DefaultHubConfigOverflowPolicy,
		OverflowPolicyBlock, OverflowPolicyDropNewest)
}
