package ingress

import (
	"context"
	"net"
	"testing"

	"github.com/FerroO2000/robocomm"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestGRPCStage(t *testing.T, sink Sink) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(1 << 20)

	stage := NewGRPCStage(sink, NewGRPCConfig())
	stage.source.listener = listener
	startStage(t, stage)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(RawCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func Test_GRPCStage_Send(t *testing.T) {
	assert := assert.New(t)

	sink := newFakeSink()
	conn := newTestGRPCStage(t, sink)

	payload := []byte(`{"x":2,"y":5,"theta":1}`)
	req := &RawFrame{Data: AppendIngestRequest(nil, envelope.MsgTypeLocalization, payload)}
	resp := &RawFrame{}

	require.NoError(t, conn.Invoke(t.Context(), IngestSendMethod, req, resp))

	accepted, err := ParseIngestResponse(resp.Data)
	assert.NoError(err)
	assert.Equal(uint64(1), accepted)

	env := sink.next(t)
	assert.Equal(envelope.ProtocolGRPC, env.Protocol())
	assert.Equal(envelope.MsgTypeLocalization, env.Type())
	assert.Equal(payload, env.Payload())
}

func Test_GRPCStage_SendErrors(t *testing.T) {
	assert := assert.New(t)

	sink := newFakeSink()
	conn := newTestGRPCStage(t, sink)

	// Invalid message type
	req := &RawFrame{Data: AppendIngestRequest(nil, envelope.MsgType(99), []byte("x"))}
	err := conn.Invoke(t.Context(), IngestSendMethod, req, &RawFrame{})
	assert.Equal(codes.InvalidArgument, status.Code(err))

	// Hub backpressure
	sink.setErr(robocomm.ErrQueueFull)
	req = &RawFrame{Data: AppendIngestRequest(nil, envelope.MsgTypeIMU, []byte("x"))}
	err = conn.Invoke(t.Context(), IngestSendMethod, req, &RawFrame{})
	assert.Equal(codes.ResourceExhausted, status.Code(err))

	sink.setErr(robocomm.ErrHubStopped)
	err = conn.Invoke(t.Context(), IngestSendMethod, req, &RawFrame{})
	assert.Equal(codes.Unavailable, status.Code(err))

	sink.assertEmpty(t)
}

func Test_GRPCStage_Stream(t *testing.T) {
	assert := assert.New(t)

	sink := newFakeSink()
	conn := newTestGRPCStage(t, sink)

	stream, err := conn.NewStream(t.Context(), &IngestServiceDesc.Streams[0], IngestStreamMethod)
	require.NoError(t, err)

	msgTypes := []envelope.MsgType{envelope.MsgTypeLocalization, envelope.MsgTypeIMU, envelope.MsgTypeLaserScan}
	for _, msgType := range msgTypes {
		req := &RawFrame{Data: AppendIngestRequest(nil, msgType, []byte(msgType.String()))}
		require.NoError(t, stream.SendMsg(req))
	}
	require.NoError(t, stream.CloseSend())

	resp := &RawFrame{}
	require.NoError(t, stream.RecvMsg(resp))

	accepted, err := ParseIngestResponse(resp.Data)
	assert.NoError(err)
	assert.Equal(uint64(3), accepted)

	for _, msgType := range msgTypes {
		env := sink.next(t)
		assert.Equal(msgType, env.Type())
		assert.Equal(msgType.String(), string(env.Payload()))
	}
}

func Test_parseIngestRequest(t *testing.T) {
	assert := assert.New(t)

	msgType, payload, err := parseIngestRequest(AppendIngestRequest(nil, envelope.MsgTypeIMU, []byte{1, 2, 3}))
	assert.NoError(err)
	assert.Equal(envelope.MsgTypeIMU, msgType)
	assert.Equal([]byte{1, 2, 3}, payload)

	_, _, err = parseIngestRequest([]byte{0xff})
	assert.Error(err)

	_, _, err = parseIngestRequest(nil)
	assert.Error(err)
}
