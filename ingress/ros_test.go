package ingress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func Test_newROSSubscribeOp(t *testing.T) {
	assert := assert.New(t)

	op, err := newROSSubscribeOp(ROSTopic{Topic: "/pose", Type: "geometry_msgs/Pose2D"}, 100*time.Millisecond)
	assert.NoError(err)

	res := gjson.ParseBytes(op)
	assert.Equal("subscribe", res.Get("op").String())
	assert.Equal("/pose", res.Get("topic").String())
	assert.Equal("geometry_msgs/Pose2D", res.Get("type").String())
	assert.Equal(int64(100), res.Get("throttle_rate").Int())

	op, err = newROSSubscribeOp(ROSTopic{Topic: "/scan"}, 0)
	assert.NoError(err)

	res = gjson.ParseBytes(op)
	assert.False(res.Get("type").Exists())
	assert.False(res.Get("throttle_rate").Exists())
}

func Test_ROSStage(t *testing.T) {
	assert := assert.New(t)

	subscribed := make(chan string, 8)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Wait for the subscription of the pose topic
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			topic := gjson.GetBytes(data, "topic").String()
			subscribed <- topic
			if topic == "/pose" {
				break
			}
		}

		ops := []string{
			`{"op":"status","level":"info","msg":"subscribed"}`,
			`{"op":"publish","topic":"/unknown","msg":{"x":1}}`,
			`{"op":"publish","topic":"/pose","msg":{"x":2.0,"y":5.0,"theta":1.0}}`,
			`not json`,
			`{"op":"publish","topic":"/pose","msg":42}`,
			`{"op":"publish","topic":"/pose","msg":{"x":3.0,"y":4.0,"theta":0.5}}`,
		}
		for _, op := range ops {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(op)); err != nil {
				return
			}
		}

		// Keep the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := NewROSConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.Topics = []ROSTopic{
		{Topic: "/pose", Type: "geometry_msgs/Pose2D", MsgType: envelope.MsgTypeLocalization},
	}

	sink := newFakeSink()
	stage := NewROSStage(sink, cfg)
	startStage(t, stage)

	select {
	case topic := <-subscribed:
		assert.Equal("/pose", topic)
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription received")
	}

	env := sink.next(t)
	assert.Equal(envelope.ProtocolROS, env.Protocol())
	assert.Equal(envelope.MsgTypeLocalization, env.Type())
	assert.Equal("/pose", env.Source())
	assert.JSONEq(`{"x":2.0,"y":5.0,"theta":1.0}`, string(env.Payload()))

	env = sink.next(t)
	assert.JSONEq(`{"x":3.0,"y":4.0,"theta":0.5}`, string(env.Payload()))

	sink.assertEmpty(t)

	assert.Equal(int64(3), stage.source.ignoredOps.Load())
	assert.Equal(int64(1), stage.source.rejectedEnvelopes.Load())

	// Close the stage before the server, which waits for the connection
	stage.Close()
}
