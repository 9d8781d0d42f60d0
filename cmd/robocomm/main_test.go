package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/ingress"
	"github.com/FerroO2000/robocomm/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level: debug
shutdown_timeout: 2s
hub:
  queue_size: 64
  overflow_policy: drop_newest
ingress:
  tcp:
    enabled: false
  mqtt:
    enabled: true
    config:
      broker_url: tcp://broker:1883
      topics:
        - topic: fleet/+/pose
          qos: 1
          msg_type: localization
  replay:
    enabled: true
    config:
      watched_dirs: [/var/lib/robocomm]
questdb:
  enabled: true
  config:
    robot_name: r2
`

func Test_loadConfig(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "robocomm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal("DEBUG", cfg.LogLevel.String())
	assert.Equal(2*time.Second, cfg.ShutdownTimeout)

	assert.Equal(uint32(64), cfg.Hub.QueueSize)
	assert.Equal(robocomm.OverflowPolicyDropNewest, cfg.Hub.OverflowPolicy)
	// Not in the file, kept from the defaults
	assert.Equal(robocomm.DefaultHubConfigSendTimeout, cfg.Hub.SendTimeout)

	assert.False(cfg.Ingress.TCP.Enabled)

	assert.True(cfg.Ingress.MQTT.Enabled)
	assert.Equal("tcp://broker:1883", cfg.Ingress.MQTT.Config.BrokerURL)
	assert.Equal(ingress.DefaultMQTTConfigClientID, cfg.Ingress.MQTT.Config.ClientID)
	assert.Equal([]ingress.MQTTTopic{
		{Topic: "fleet/+/pose", QoS: 1, MsgType: envelope.MsgTypeLocalization},
	}, cfg.Ingress.MQTT.Config.Topics)

	assert.True(cfg.Ingress.Replay.Enabled)
	assert.Equal([]string{"/var/lib/robocomm"}, cfg.Ingress.Replay.Config.WatchedDirs)
	assert.True(cfg.Ingress.Replay.Config.KeepIdentity)

	assert.True(cfg.QuestDB.Enabled)
	assert.Equal("r2", cfg.QuestDB.Config.RobotName)

	assert.True(cfg.Ticker.Enabled)
	assert.False(cfg.Telemetry.Enabled)

	stages := newIngressStages(nil, &cfg.Ingress)
	assert.Len(stages, 2)
}

func Test_loadConfig_errors(t *testing.T) {
	assert := assert.New(t)

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  overflow_policy: sometimes\n"), 0o644))

	_, err = loadConfig(path)
	assert.Error(err)

	cfg, err := loadConfig("")
	assert.NoError(err)
	assert.True(cfg.Ingress.TCP.Enabled)
}

func Test_routes(t *testing.T) {
	assert := assert.New(t)

	r := newRoutes()

	board := storage.NewBoard()
	require.NoError(t, board.Attach(r.localization, r.imu, r.laserScan))

	hub, err := robocomm.NewHub(nil, r.localization, r.imu, r.laserScan)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close(t.Context()) })

	// The same message type arrives as text from the simulator and as JSON from MQTT
	assert.NoError(hub.Send(t.Context(), envelope.New(envelope.ProtocolTCP, envelope.MsgTypeLocalization, []byte("2 5 1"))))
	assert.NoError(hub.Flush(t.Context()))

	loc, ok := board.Localization.Get()
	assert.True(ok)
	assert.Equal(2.0, loc.Pose.X)
	assert.Equal(5.0, loc.Pose.Y)
	assert.InDelta(1.0, loc.Pose.Theta.Value(), 1e-9)

	assert.NoError(hub.Send(t.Context(), envelope.New(envelope.ProtocolMQTT, envelope.MsgTypeLocalization, []byte("2 5 1"))))
	assert.NoError(hub.Flush(t.Context()))

	assert.Equal(int64(1), hub.Stats().DecodeErrors)
	assert.Equal(uint64(1), board.Localization.Seq())
}

func Test_newRootCmd(t *testing.T) {
	assert := assert.New(t)

	cmd := newRootCmd()

	flag := cmd.Flags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal("c", flag.Shorthand)

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	cmd.SetArgs([]string{"--config", missing})
	assert.Error(cmd.ExecuteContext(t.Context()))

	cmd = newRootCmd()
	cmd.SetArgs([]string{"unexpected"})
	assert.Error(cmd.ExecuteContext(t.Context()))
}
