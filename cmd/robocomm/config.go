package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/FerroO2000/robocomm"
	"github.com/FerroO2000/robocomm/egress"
	"github.com/FerroO2000/robocomm/ingress"
	"github.com/FerroO2000/robocomm/storage"
	"github.com/FerroO2000/robocomm/telemetry"
	"gopkg.in/yaml.v3"
)

// section is an optional component of the command.
type section[T any] struct {
	Enabled bool `yaml:"enabled"`
	Config  *T   `yaml:"config"`
}

func newSection[T any](cfg *T, enabled bool) section[T] {
	return section[T]{
		Enabled: enabled,
		Config:  cfg,
	}
}

type ingressConfig struct {
	TCP    section[ingress.TCPConfig]    `yaml:"tcp"`
	MQTT   section[ingress.MQTTConfig]   `yaml:"mqtt"`
	GRPC   section[ingress.GRPCConfig]   `yaml:"grpc"`
	ROS    section[ingress.ROSConfig]    `yaml:"ros"`
	Kafka  section[ingress.KafkaConfig]  `yaml:"kafka"`
	Replay section[ingress.ReplayConfig] `yaml:"replay"`
}

type fileConfig struct {
	LogLevel slog.Level `yaml:"log_level"`

	// ShutdownTimeout bounds the drain of the hub on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Telemetry *telemetry.Config             `yaml:"telemetry"`
	Hub       *robocomm.HubConfig           `yaml:"hub"`
	Ticker    section[storage.TickerConfig] `yaml:"ticker"`
	Ingress   ingressConfig                 `yaml:"ingress"`
	QuestDB   section[egress.QuestDBConfig] `yaml:"questdb"`
}

// newFileConfig returns the configuration used when no file is given:
// the simulator TCP stage feeding the board, read by the ticker.
func newFileConfig() *fileConfig {
	return &fileConfig{
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 5 * time.Second,

		Telemetry: telemetry.NewConfig(),
		Hub:       robocomm.NewHubConfig(),
		Ticker:    newSection(storage.NewTickerConfig(), true),
		Ingress: ingressConfig{
			TCP:    newSection(ingress.NewTCPConfig(), true),
			MQTT:   newSection(ingress.NewMQTTConfig(), false),
			GRPC:   newSection(ingress.NewGRPCConfig(), false),
			ROS:    newSection(ingress.NewROSConfig(), false),
			Kafka:  newSection(ingress.NewKafkaConfig(), false),
			Replay: newSection(ingress.NewReplayConfig(), false),
		},
		QuestDB: newSection(egress.NewQuestDBConfig(), false),
	}
}

// loadConfig reads the YAML file at path over the defaults.
// An empty path returns the defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := newFileConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
