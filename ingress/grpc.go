package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/FerroO2000/robocomm"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
)

// IngestServiceName is the full name of the gRPC ingest service.
const IngestServiceName = "robocomm.v1.Ingest"

// Full method names of the ingest service.
const (
	IngestSendMethod   = "/" + IngestServiceName + "/Send"
	IngestStreamMethod = "/" + IngestServiceName + "/Stream"
)

// Field numbers of the ingest frames.
const (
	ingestRequestMsgTypeField   protowire.Number = 1
	ingestRequestPayloadField   protowire.Number = 2
	ingestResponseAcceptedField protowire.Number = 1
)

//////////////
//  CONFIG  //
//////////////

// Default values for the gRPC ingress stage configuration.
const (
	DefaultGRPCConfigIPAddr         = "0.0.0.0"
	DefaultGRPCConfigPort           = 50051
	DefaultGRPCConfigMaxRecvMsgSize = 4 << 20
)

// GRPCConfig structs contains the configuration for the gRPC ingress stage.
type GRPCConfig struct {
	// IPAddr is the IP address of the server to listen on.
	IPAddr string `yaml:"ip_addr"`

	// Port is the port to listen on.
	Port uint16 `yaml:"port"`

	// MaxRecvMsgSize is the maximum size of a received frame.
	MaxRecvMsgSize int `yaml:"max_recv_msg_size"`
}

// NewGRPCConfig returns the default configuration of the gRPC stage.
func NewGRPCConfig() *GRPCConfig {
	return &GRPCConfig{
		IPAddr:         DefaultGRPCConfigIPAddr,
		Port:           DefaultGRPCConfigPort,
		MaxRecvMsgSize: DefaultGRPCConfigMaxRecvMsgSize,
	}
}

// Validate checks the configuration.
func (c *GRPCConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultGRPCConfigIPAddr)

	config.CheckNotZero(ac, "Port", &c.Port, DefaultGRPCConfigPort)

	config.CheckNotNegative(ac, "MaxRecvMsgSize", &c.MaxRecvMsgSize, DefaultGRPCConfigMaxRecvMsgSize)
	config.CheckNotZero(ac, "MaxRecvMsgSize", &c.MaxRecvMsgSize, DefaultGRPCConfigMaxRecvMsgSize)
}

/////////////
//  CODEC  //
/////////////

// RawFrame is a protobuf encoded frame of the ingest service.
// The frames are exchanged as is by RawCodec.
type RawFrame struct {
	Data []byte
}

// RawCodec is the gRPC codec of the ingest service.
// It does not marshal anything, the frames are decoded with protowire.
type RawCodec struct{}

// Name returns the name of the codec.
func (RawCodec) Name() string {
	return "proto"
}

// Marshal returns the bytes of a *RawFrame.
func (RawCodec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*RawFrame)
	if !ok {
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
	return frame.Data, nil
}

// Unmarshal copies the data into a *RawFrame.
func (RawCodec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*RawFrame)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}

	frame.Data = append(frame.Data[:0], data...)
	return nil
}

// AppendIngestRequest appends an IngestRequest{msg_type, payload} frame to b.
func AppendIngestRequest(b []byte, msgType envelope.MsgType, payload []byte) []byte {
	b = protowire.AppendTag(b, ingestRequestMsgTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msgType))
	b = protowire.AppendTag(b, ingestRequestPayloadField, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func parseIngestRequest(b []byte) (envelope.MsgType, []byte, error) {
	var msgType envelope.MsgType
	var payload []byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == ingestRequestMsgTypeField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, nil, protowire.ParseError(m)
			}
			msgType = envelope.MsgType(v)
			n = m

		case num == ingestRequestPayloadField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, nil, protowire.ParseError(m)
			}
			payload = v
			n = m

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
		}

		b = b[n:]
	}

	if !msgType.IsValid() {
		return 0, nil, fmt.Errorf("invalid message type %d", msgType)
	}

	return msgType, payload, nil
}

// ParseIngestResponse returns the number of envelopes
// accepted by the hub carried by an IngestResponse frame.
func ParseIngestResponse(b []byte) (uint64, error) {
	var accepted uint64

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]

		if num == ingestResponseAcceptedField && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			accepted = v
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		b = b[m:]
	}

	return accepted, nil
}

func newIngestResponse(accepted uint64) *RawFrame {
	b := protowire.AppendTag(nil, ingestResponseAcceptedField, protowire.VarintType)
	return &RawFrame{Data: protowire.AppendVarint(b, accepted)}
}

///////////////
//  SERVICE  //
///////////////

type ingestServer interface {
	send(ctx context.Context, frame *RawFrame) error
}

func ingestSendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	frame := &RawFrame{}
	if err := dec(frame); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		if err := srv.(ingestServer).send(ctx, req.(*RawFrame)); err != nil {
			return nil, err
		}
		return newIngestResponse(1), nil
	}

	if interceptor == nil {
		return handler(ctx, frame)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: IngestSendMethod,
	}
	return interceptor(ctx, frame, info, handler)
}

func ingestStreamHandler(srv any, stream grpc.ServerStream) error {
	accepted := uint64(0)

	for {
		frame := &RawFrame{}
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return stream.SendMsg(newIngestResponse(accepted))
			}
			return err
		}

		if err := srv.(ingestServer).send(stream.Context(), frame); err != nil {
			return err
		}

		accepted++
	}
}

// IngestServiceDesc describes the ingest service. Send is unary,
// Stream is client streaming and answers with the number of accepted frames.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*ingestServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler:    ingestSendHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       ingestStreamHandler,
			ClientStreams: true,
		},
	},
	Metadata: "robocomm/v1/ingest.proto",
}

// metadataCarrier adapts the gRPC metadata to the propagation carrier interface.
type metadataCarrier metadata.MD

func (mc metadataCarrier) Get(key string) string {
	vals := metadata.MD(mc).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (mc metadataCarrier) Set(key, value string) {
	metadata.MD(mc).Set(key, value)
}

func (mc metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc))
	for key := range mc {
		keys = append(keys, key)
	}
	return keys
}

func sendErrorToStatus(err error) error {
	switch {
	case errors.Is(err, robocomm.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, robocomm.ErrSendTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*grpcSource)(nil)
var _ ingestServer = (*grpcSource)(nil)

type grpcSource struct {
	baseSource

	listener net.Listener
	server   *grpc.Server

	sink Sink

	closeOnce sync.Once
}

func newGRPCSource(sink Sink) *grpcSource {
	return &grpcSource{
		sink: sink,
	}
}

func (gs *grpcSource) init(cfg *GRPCConfig) error {
	if gs.listener == nil {
		parsedAddr, err := netip.ParseAddr(cfg.IPAddr)
		if err != nil {
			return err
		}

		listener, err := net.Listen("tcp", netip.AddrPortFrom(parsedAddr, cfg.Port).String())
		if err != nil {
			return err
		}

		gs.listener = listener
	}

	gs.server = grpc.NewServer(
		grpc.ForceServerCodec(RawCodec{}),
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
	)
	gs.server.RegisterService(&IngestServiceDesc, gs)

	gs.initBaseMetrics()

	return nil
}

func (gs *grpcSource) send(ctx context.Context, frame *RawFrame) error {
	msgType, payload, err := parseIngestRequest(frame.Data)
	if err != nil {
		gs.rejectedEnvelopes.Add(1)
		return status.Error(codes.InvalidArgument, err.Error())
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = gs.tel.ExtractTraceContext(ctx, metadataCarrier(md))
	}

	ctx, span := gs.tel.NewTrace(ctx, "receive gRPC frame")
	defer span.End()

	span.SetAttributes(
		attribute.Int("payload_size", len(payload)),
		attribute.String("msg_type", msgType.String()),
	)

	opts := []envelope.Option{envelope.WithSpan(span)}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		opts = append(opts, envelope.WithSource(p.Addr.String()))
	}

	env := envelope.New(envelope.ProtocolGRPC, msgType, payload, opts...)

	if err := gs.forward(ctx, gs.sink, env); err != nil {
		return sendErrorToStatus(err)
	}

	return nil
}

func (gs *grpcSource) run(ctx context.Context, _ Sink) {
	go func() {
		<-ctx.Done()
		gs.close()
	}()

	if err := gs.server.Serve(gs.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		gs.tel.LogError("failed to serve", err)
	}
}

func (gs *grpcSource) close() {
	gs.closeOnce.Do(func() {
		if gs.server != nil {
			gs.server.GracefulStop()
			return
		}

		if gs.listener != nil {
			gs.listener.Close()
		}
	})
}

/////////////
//  STAGE  //
/////////////

// GRPCStage is an ingress stage that serves the robocomm.v1.Ingest service.
// Every frame is sent to the hub before the call returns,
// so the callers see the backpressure of the hub as a gRPC status.
type GRPCStage struct {
	*stage[*GRPCConfig]

	source *grpcSource
}

// NewGRPCStage returns a new gRPC stage.
func NewGRPCStage(sink Sink, cfg *GRPCConfig) *GRPCStage {
	source := newGRPCSource(sink)

	return &GRPCStage{
		stage: newStage("grpc", source, sink, cfg),

		source: source,
	}
}

// Init validates the configuration and starts listening.
func (gs *GRPCStage) Init(ctx context.Context) error {
	if err := gs.stage.Init(ctx); err != nil {
		return err
	}

	return gs.source.init(gs.cfg)
}

// Close stops the server, waiting for the pending calls.
func (gs *GRPCStage) Close() {
	gs.source.close()
	gs.stage.Close()
}
