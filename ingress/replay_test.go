package ingress

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func encodeRecords(t *testing.T, envs ...*envelope.Envelope) []byte {
	t.Helper()

	data := []byte{}
	for _, env := range envs {
		record, err := EncodeRecord(env)
		if err != nil {
			t.Fatalf("encode record: %v", err)
		}
		data = append(data, record...)
	}

	return data
}

func Test_Record(t *testing.T) {
	assert := assert.New(t)

	id := uuid.New()
	recvTime := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)

	env := envelope.New(envelope.ProtocolMQTT, envelope.MsgTypeIMU, []byte{0x00, 0xff, '\n', 0x10},
		envelope.WithID(id),
		envelope.WithSource("robot/imu"),
		envelope.WithReceiveTime(recvTime),
	)

	record, err := EncodeRecord(env)
	assert.NoError(err)
	assert.Equal(byte('\n'), record[len(record)-1])

	decoded, err := DecodeRecord(record, true)
	assert.NoError(err)
	assert.Equal(id, decoded.ID())
	assert.Equal(envelope.ProtocolMQTT, decoded.Protocol())
	assert.Equal(envelope.MsgTypeIMU, decoded.Type())
	assert.Equal("robot/imu", decoded.Source())
	assert.Equal(env.Payload(), decoded.Payload())
	assert.True(recvTime.Equal(decoded.ReceiveTime()))

	fresh, err := DecodeRecord(record, false)
	assert.NoError(err)
	assert.NotEqual(id, fresh.ID())
	assert.Equal(env.Payload(), fresh.Payload())
}

func Test_DecodeRecord_Invalid(t *testing.T) {
	assert := assert.New(t)

	records := []string{
		`not json`,
		`{"protocol":"pigeon","type":"imu","payload":""}`,
		`{"protocol":"tcp","type":"odometry","payload":""}`,
		`{"protocol":"tcp","type":"imu","payload":"%%%"}`,
		`{"protocol":"tcp","type":"imu","payload":"","id":"not-a-uuid"}`,
		`{"protocol":"tcp","type":"imu","payload":"","receive_time":"yesterday"}`,
	}

	for _, record := range records {
		_, err := DecodeRecord([]byte(record), true)
		assert.ErrorIs(err, ErrInvalidRecord, record)
	}
}

func Test_ReplayStage(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()

	first := envelope.New(envelope.ProtocolTCP, envelope.MsgTypeLocalization, []byte("2,5,1"))
	second := envelope.New(envelope.ProtocolROS, envelope.MsgTypeLaserScan, []byte(`{"ranges":[1,2]}`))

	// A recording present before the stage starts
	existing := encodeRecords(t, first, second)
	existing = append(existing, []byte("garbage\n\n")...)
	assert.NoError(os.WriteFile(filepath.Join(dir, "old.jsonl"), existing, 0o644))

	// Files not matching the pattern are ignored
	assert.NoError(os.WriteFile(filepath.Join(dir, "notes.txt"), encodeRecords(t, first), 0o644))

	cfg := NewReplayConfig()
	cfg.WatchedDirs = []string{dir}
	cfg.CloseDebounce = 100 * time.Millisecond

	sink := newFakeSink()
	stage := NewReplayStage(sink, cfg)

	startStage(t, stage)

	env := sink.next(t)
	assert.Equal(first.ID(), env.ID())
	assert.Equal(first.Payload(), env.Payload())

	env = sink.next(t)
	assert.Equal(second.ID(), env.ID())
	assert.Equal(envelope.ProtocolROS, env.Protocol())

	sink.assertEmpty(t)

	// A recording written while running, one record split in two writes
	third := envelope.New(envelope.ProtocolKafka, envelope.MsgTypeIMU, []byte("imu"))
	record := encodeRecords(t, third)

	file, err := os.Create(filepath.Join(dir, "new.jsonl"))
	assert.NoError(err)
	defer file.Close()

	_, err = file.Write(record[:10])
	assert.NoError(err)

	sink.assertEmpty(t)

	_, err = file.Write(record[10:])
	assert.NoError(err)

	env = sink.next(t)
	assert.Equal(third.ID(), env.ID())
	assert.Equal([]byte("imu"), env.Payload())

	// Appending after the reader has been closed resumes from the last offset
	time.Sleep(300 * time.Millisecond)

	fourth := envelope.New(envelope.ProtocolKafka, envelope.MsgTypeIMU, []byte("imu 2"))
	_, err = file.Write(encodeRecords(t, fourth))
	assert.NoError(err)

	env = sink.next(t)
	assert.Equal(fourth.ID(), env.ID())

	sink.assertEmpty(t)

	assert.Equal(int64(1), stage.source.rejectedEnvelopes.Load())
}

func Test_ReplayConfig_Validate(t *testing.T) {
	assert := assert.New(t)

	cfg := &ReplayConfig{
		Pattern:     "[",
		MaxLineSize: -1,
	}

	ac := config.NewAnomalyCollector()
	cfg.Validate(ac)

	assert.Equal(DefaultReplayConfigWatchedDirs, cfg.WatchedDirs)
	assert.Equal(DefaultReplayConfigPattern, cfg.Pattern)
	assert.Equal(DefaultReplayConfigMaxLineSize, cfg.MaxLineSize)
	assert.Equal(DefaultReplayConfigCloseDebounce, cfg.CloseDebounce)
	assert.Equal(DefaultReplayConfigFanInQueueSize, cfg.FanInQueueSize)
}
