package ingress

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/FerroO2000/robocomm/internal/pool"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tcpBufSize = 4096
)

//////////////
//  CONFIG  //
//////////////

// Endianess defines the endianness of a slice of bytes.
type Endianess uint8

const (
	// LittleEndian defines little endianess.
	LittleEndian Endianess = iota
	// BigEndian defines big endianess.
	BigEndian
)

// UnmarshalText parses "little" or "big".
func (e *Endianess) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "little", "little_endian":
		*e = LittleEndian
	case "big", "big_endian":
		*e = BigEndian
	default:
		return fmt.Errorf("unknown endianess %q", text)
	}
	return nil
}

// TCPFramingMode defines the framing mode to use.
type TCPFramingMode uint8

const (
	// TCPFramingModeDelimited will use delimited messages.
	TCPFramingModeDelimited TCPFramingMode = iota
	// TCPFramingModeLengthPrefixed will use length-prefixed messages.
	TCPFramingModeLengthPrefixed
)

// UnmarshalText parses "delimited" or "length_prefixed".
func (fm *TCPFramingMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "delimited":
		*fm = TCPFramingModeDelimited
	case "length_prefixed":
		*fm = TCPFramingModeLengthPrefixed
	default:
		return fmt.Errorf("unknown framing mode %q", text)
	}
	return nil
}

// Default values for the TCP ingress stage configuration.
// They match the pose simulator, which sends text poses to 127.0.0.1:7878.
const (
	DefaultTCPConfigIPAddr         = "127.0.0.1"
	DefaultTCPConfigPort           = 7878
	DefaultTCPConfigReadTimeout    = 10 * time.Second
	DefaultTCPConfigFramingMode    = TCPFramingModeDelimited
	DefaultTCPConfigMaxMessageSize = 4 << 20
	DefaultTCPConfigDelimiter      = "\n"
	DefaultTCPConfigFanInQueueSize = 512
	DefaultTCPConfigHeaderLen      = 4
	DefaultTCPConfigMsgType        = envelope.MsgTypeLocalization
)

// TCPConfig structs contains the configuration for the TCP ingress stage.
type TCPConfig struct {
	// IPAddr is the IP address of the server to listen on.
	IPAddr string `yaml:"ip_addr"`

	// Port is the port to listen on.
	Port uint16 `yaml:"port"`

	// ReadTimeout is the timeout for reading from a connection.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// FramingMode defines how the frames are separated.
	FramingMode TCPFramingMode `yaml:"framing_mode"`

	// MaxMessageSize is the maximum size of a frame.
	// If the accumulator that is holding the frame
	// gets bigger, the connection is closed.
	MaxMessageSize int `yaml:"max_message_size"`

	// Delimiter separates the frames when the FramingMode is TCPFramingModeDelimited.
	// It is not part of the payload.
	Delimiter string `yaml:"delimiter"`

	// HeaderLen is the length of the header when the FramingMode
	// is TCPFramingModeLengthPrefixed. It is not part of the payload.
	HeaderLen int `yaml:"header_len"`

	// MessageLengthFieldLen is the length of the message length field
	// when FramingMode is TCPFramingModeLengthPrefixed.
	MessageLengthFieldLen int `yaml:"message_length_field_len"`

	// MessageLengthFieldOffset is the offset in the header
	// of the message length field when FramingMode is TCPFramingModeLengthPrefixed.
	MessageLengthFieldOffset int `yaml:"message_length_field_offset"`

	// MessageLengthFieldEndianess is the endianess (byte order)
	// of the message length field when FramingMode is TCPFramingModeLengthPrefixed.
	MessageLengthFieldEndianess Endianess `yaml:"message_length_field_endianess"`

	// MsgType is the type of every frame when TypeHeader is false.
	MsgType envelope.MsgType `yaml:"msg_type"`

	// TypeHeader states whether the first byte of the payload
	// carries the message type of the frame.
	TypeHeader bool `yaml:"type_header"`

	// FanInQueueSize is the size of the queue that conveys the envelopes
	// built by the connection goroutines to the hub.
	FanInQueueSize int `yaml:"fan_in_queue_size"`
}

// NewTCPConfig returns the default configuration of the TCP stage.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		IPAddr:         DefaultTCPConfigIPAddr,
		Port:           DefaultTCPConfigPort,
		ReadTimeout:    DefaultTCPConfigReadTimeout,
		FramingMode:    DefaultTCPConfigFramingMode,
		MaxMessageSize: DefaultTCPConfigMaxMessageSize,
		Delimiter:      DefaultTCPConfigDelimiter,
		MsgType:        DefaultTCPConfigMsgType,
		FanInQueueSize: DefaultTCPConfigFanInQueueSize,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)

	config.CheckNotZero(ac, "Port", &c.Port, DefaultTCPConfigPort)

	config.CheckNotNegative(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)
	config.CheckNotZero(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)

	config.CheckNotNegative(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)
	config.CheckNotZero(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)

	config.CheckNotNegative(ac, "FanInQueueSize", &c.FanInQueueSize, DefaultTCPConfigFanInQueueSize)
	config.CheckNotZero(ac, "FanInQueueSize", &c.FanInQueueSize, DefaultTCPConfigFanInQueueSize)

	if !c.TypeHeader {
		config.CheckOneOf(ac, "MsgType", &c.MsgType, DefaultTCPConfigMsgType, envelope.MsgTypes()...)
	}

	if c.FramingMode == TCPFramingModeDelimited {
		config.CheckNotEmpty(ac, "Delimiter", &c.Delimiter, DefaultTCPConfigDelimiter)
		return
	}

	// Check configuration when framing mode is length-prefixed
	config.CheckNotNegative(ac, "HeaderLen", &c.HeaderLen, DefaultTCPConfigHeaderLen)
	config.CheckNotZero(ac, "HeaderLen", &c.HeaderLen, DefaultTCPConfigHeaderLen)

	config.CheckNotNegative(ac, "MessageLengthFieldLen", &c.MessageLengthFieldLen, c.HeaderLen)
	config.CheckNotZero(ac, "MessageLengthFieldLen", &c.MessageLengthFieldLen, min(c.HeaderLen, 8))
	config.CheckNotGreaterThan(ac, "MessageLengthFieldLen", "HeaderLen", &c.MessageLengthFieldLen, c.HeaderLen)
	config.CheckNotGreaterThan(ac, "MessageLengthFieldLen", "8", &c.MessageLengthFieldLen, 8)

	config.CheckNotNegative(ac, "MessageLengthFieldOffset", &c.MessageLengthFieldOffset, 0)
	config.CheckNotGreaterThan(ac,
		"MessageLengthFieldOffset", "HeaderLen-MessageLengthFieldLen",
		&c.MessageLengthFieldOffset, c.HeaderLen-c.MessageLengthFieldLen,
	)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*tcpSource)(nil)

type tcpSource struct {
	baseSource

	fanIn *pool.FanIn[*envelope.Envelope]

	connWg *sync.WaitGroup

	bufPool sync.Pool

	listener  *net.TCPListener
	closed    chan struct{}
	closeOnce sync.Once

	readTimeout time.Duration

	msgType    envelope.MsgType
	typeHeader bool

	// Framing
	framingMode TCPFramingMode
	maxMsgSize  int
	// Delimited
	delimiter    []byte
	delimiterLen int
	// Length prefixed
	headerLen            int
	msgLenFieldOffset    int
	msgLenFieldLen       int
	msgLenFieldParseLen  int
	msgLenFieldEndianess Endianess

	// Metrics
	openConnections atomic.Int64
}

func newTCPSource() *tcpSource {
	return &tcpSource{
		connWg: &sync.WaitGroup{},

		closed: make(chan struct{}),

		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, tcpBufSize)
				return buf
			},
		},
	}
}

func (ts *tcpSource) init(cfg *TCPConfig) error {
	msgLenFieldParseLen := cfg.MessageLengthFieldLen
	switch msgLenFieldParseLen {
	case 3:
		msgLenFieldParseLen = 4
	case 5, 6, 7:
		msgLenFieldParseLen = 8
	}

	ts.fanIn = pool.NewFanIn[*envelope.Envelope](cfg.FanInQueueSize)

	ts.readTimeout = cfg.ReadTimeout

	ts.msgType = cfg.MsgType
	ts.typeHeader = cfg.TypeHeader

	ts.framingMode = cfg.FramingMode
	ts.maxMsgSize = cfg.MaxMessageSize

	ts.delimiter = []byte(cfg.Delimiter)
	ts.delimiterLen = len(cfg.Delimiter)

	ts.headerLen = cfg.HeaderLen
	ts.msgLenFieldOffset = cfg.MessageLengthFieldOffset
	ts.msgLenFieldLen = cfg.MessageLengthFieldLen
	ts.msgLenFieldParseLen = msgLenFieldParseLen
	ts.msgLenFieldEndianess = cfg.MessageLengthFieldEndianess

	parsedAddr, err := netip.ParseAddr(cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := netip.AddrPortFrom(parsedAddr, cfg.Port)
	listener, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}

	ts.listener = listener

	ts.initMetrics()

	return nil
}

func (ts *tcpSource) initMetrics() {
	ts.initBaseMetrics()
	ts.tel.NewUpDownCounter("open_connections", func() int64 { return ts.openConnections.Load() })
}

func (ts *tcpSource) run(ctx context.Context, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the stage cancels the connections
	go func() {
		select {
		case <-ts.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	// A single bridge forwards the envelopes of every connection
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		ts.runBridge(ctx, sink)
	}()

	ts.acceptLoop(ctx)

	ts.connWg.Wait()
	ts.fanIn.Close()

	<-bridgeDone
}

func (ts *tcpSource) acceptLoop(ctx context.Context) {
	for {
		conn, err := ts.listener.Accept()
		if err != nil {
			// Check if the error is because the context is done
			// or the listener has been closed
			select {
			case <-ctx.Done():
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			ts.tel.LogError("failed to accept connection", err)
			continue
		}

		// Spawn a goroutine to handle the connection
		ts.connWg.Go(func() {
			ts.handleConn(ctx, conn)
		})
	}
}

func (ts *tcpSource) runBridge(ctx context.Context, sink Sink) {
	for {
		env, err := ts.fanIn.ReadTask(ctx)
		if err != nil {
			return
		}

		_ = ts.forward(ctx, sink, env)
	}
}

func (ts *tcpSource) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()

	// Channel to notify when the connection is closed normally
	connClosed := make(chan struct{})
	defer close(connClosed)

	// Close the connection when the context is done
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connClosed:
		}
	}()

	// Handle the open connections metric
	ts.openConnections.Add(1)
	defer ts.openConnections.Add(-1)

	// Get the buffer from the pool
	buf := ts.bufPool.Get().([]byte)
	defer ts.bufPool.Put(buf)

	// Preallocate the accumulator
	accBaseCap := 4 * tcpBufSize
	acc := make([]byte, 0, accBaseCap)

	minAccLen := 0
	switch ts.framingMode {
	case TCPFramingModeDelimited:
		minAccLen = ts.delimiterLen
	case TCPFramingModeLengthPrefixed:
		minAccLen = ts.headerLen
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set the read deadline
		conn.SetReadDeadline(time.Now().Add(ts.readTimeout))

		// Read the TCP stream
		n, err := conn.Read(buf)
		if err != nil {
			// The client closed the connection, a trailing
			// undelimited frame is still a frame
			if errors.Is(err, io.EOF) {
				if ts.framingMode == TCPFramingModeDelimited && len(bytes.TrimSpace(acc)) > 0 {
					ts.handleFrame(ctx, acc, remoteAddr)
				}
				return
			}

			// Check if the connection is closed and if the context is done
			// return without re-closing the connection
			if errors.Is(err, net.ErrClosed) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}

			// For any other error, close the server connection.
			// This is likely be caused by the read deadline being exceeded.
			ts.tel.LogError("failed to read connection", err, "remote_addr", remoteAddr)
			return
		}

		// Append the new bytes to the accumulator
		acc = append(acc, buf[:n]...)

		for {
			accLen := len(acc)

			// If the accumulator is smaller than the minimum length,
			// continue reading the TCP stream
			if accLen < minAccLen {
				continue loop
			}

			// Get the boundaries of the payload
			payloadStart := 0
			payloadEnd := 0
			totLen := 0
			switch ts.framingMode {
			case TCPFramingModeDelimited:
				payloadEnd = bytes.Index(acc, ts.delimiter)
				totLen = payloadEnd + ts.delimiterLen

			case TCPFramingModeLengthPrefixed:
				msgLen := ts.parseHeader(acc[:ts.headerLen])
				if msgLen > ts.maxMsgSize {
					ts.tel.LogWarn("frame too large, closing connection", "remote_addr", remoteAddr, "size", msgLen)
					return
				}

				payloadStart = ts.headerLen
				payloadEnd = msgLen
				if msgLen >= 0 {
					payloadEnd += ts.headerLen
				}
				totLen = payloadEnd
			}

			if payloadEnd < 0 || accLen < totLen {
				// If the frame is not complete,
				// break the loop and continue reading the TCP stream
				break
			}

			ts.handleFrame(ctx, acc[payloadStart:payloadEnd], remoteAddr)

			// Remove the frame from the accumulator
			acc = acc[totLen:]

			// Check if the accumulator should be reset
			if len(acc) == 0 && cap(acc) > accBaseCap {
				acc = make([]byte, 0, accBaseCap)
				break
			}
		}

		// Prevent accumulator from growing too large
		if len(acc) > ts.maxMsgSize {
			ts.tel.LogWarn("frame too large, closing connection", "remote_addr", remoteAddr)
			return
		}
	}
}

func (ts *tcpSource) parseHeader(header []byte) int {
	if len(header) < ts.headerLen {
		return -1
	}

	msgLenField := header[ts.msgLenFieldOffset : ts.msgLenFieldOffset+ts.msgLenFieldLen]

	buf := msgLenField
	// Check if the message length field should be extended
	if ts.msgLenFieldLen != ts.msgLenFieldParseLen {
		buf = make([]byte, ts.msgLenFieldParseLen)

		switch ts.msgLenFieldEndianess {
		case LittleEndian:
			copy(buf, msgLenField)
		case BigEndian:
			copy(buf[ts.msgLenFieldParseLen-ts.msgLenFieldLen:], msgLenField)
		}
	}

	switch ts.msgLenFieldEndianess {
	case LittleEndian:
		return parseLittleEndianMsgLen(buf)
	case BigEndian:
		return parseBigEndianMsgLen(buf)
	}

	return -1
}

func parseLittleEndianMsgLen(buf []byte) int {
	switch len(buf) {
	case 1:
		return int(buf[0])
	case 2:
		return int(binary.LittleEndian.Uint16(buf))
	case 4:
		return int(binary.LittleEndian.Uint32(buf))
	case 8:
		return int(binary.LittleEndian.Uint64(buf))
	default:
		return -1
	}
}

func parseBigEndianMsgLen(buf []byte) int {
	switch len(buf) {
	case 1:
		return int(buf[0])
	case 2:
		return int(binary.BigEndian.Uint16(buf))
	case 4:
		return int(binary.BigEndian.Uint32(buf))
	case 8:
		return int(binary.BigEndian.Uint64(buf))
	default:
		return -1
	}
}

// handleFrame builds the envelope of a frame and hands it to the bridge.
func (ts *tcpSource) handleFrame(ctx context.Context, payload []byte, remoteAddr string) {
	_, span := ts.tel.NewTrace(ctx, "receive TCP frame")
	defer span.End()

	msgType := ts.msgType
	if ts.typeHeader {
		if len(payload) == 0 || !envelope.MsgType(payload[0]).IsValid() {
			ts.rejectedEnvelopes.Add(1)
			ts.tel.LogWarn("frame with an invalid type header", "remote_addr", remoteAddr)
			return
		}

		msgType = envelope.MsgType(payload[0])
		payload = payload[1:]
	}

	span.SetAttributes(
		attribute.Int("payload_size", len(payload)),
		attribute.String("msg_type", msgType.String()),
	)

	env := envelope.New(envelope.ProtocolTCP, msgType, payload,
		envelope.WithSource(remoteAddr),
		envelope.WithSpan(span),
	)

	if err := ts.fanIn.AddTask(ctx, env); err != nil {
		ts.rejectedEnvelopes.Add(1)
		ts.tel.LogError("failed to write envelope into the fan in", err)
	}
}

func (ts *tcpSource) addr() net.Addr {
	if ts.listener == nil {
		return nil
	}
	return ts.listener.Addr()
}

func (ts *tcpSource) close() {
	ts.closeOnce.Do(func() {
		if ts.listener != nil {
			ts.listener.Close()
		}

		close(ts.closed)
	})
}

/////////////
//  STAGE  //
/////////////

// TCPStage is an ingress stage that reads TCP connections,
// splits the stream into frames and sends every frame to the hub.
type TCPStage struct {
	*stage[*TCPConfig]

	source *tcpSource
}

// NewTCPStage returns a new TCP stage.
func NewTCPStage(sink Sink, cfg *TCPConfig) *TCPStage {
	source := newTCPSource()

	return &TCPStage{
		stage: newStage("tcp", source, sink, cfg),

		source: source,
	}
}

// Init validates the configuration and starts listening.
func (ts *TCPStage) Init(ctx context.Context) error {
	if err := ts.stage.Init(ctx); err != nil {
		return err
	}

	return ts.source.init(ts.cfg)
}

// Addr returns the address the stage listens on.
func (ts *TCPStage) Addr() net.Addr {
	return ts.source.addr()
}

// Close closes the listener and the open connections.
func (ts *TCPStage) Close() {
	ts.source.close()
	ts.stage.Close()
}
