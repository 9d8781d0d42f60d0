// Command robocomm runs the communication hub of a robot: the enabled
// transports feed the hub, whose messages are cached in the board
// (read periodically by the ticker) and optionally recorded into QuestDB.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/FerroO2000/robocomm"
	"github.com/FerroO2000/robocomm/adapter"
	"github.com/FerroO2000/robocomm/egress"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/ingress"
	"github.com/FerroO2000/robocomm/internal"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/FerroO2000/robocomm/pubsub"
	"github.com/FerroO2000/robocomm/storage"
	"github.com/FerroO2000/robocomm/telemetry"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "robocomm",
		Short: "Communication hub of a robot",
		Long: `robocomm receives the messages of the robot from the enabled transports,
dispatches them to the subscribers of their type and keeps the latest
value of every type in the board.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tel := internal.NewTelemetry("cmd", "robocomm")

			cfg, err := loadConfig(configPath)
			if err != nil {
				tel.LogError("failed to load the configuration", err, "path", configPath)
				return err
			}

			internal.SetLogLevel(cfg.LogLevel)

			ctx, cancelCtx := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancelCtx()

			if err := run(ctx, tel, cfg); err != nil {
				tel.LogError("robocomm failed", err)
				return err
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path of the YAML configuration file")

	return cmd
}

func run(ctx context.Context, tel *internal.Telemetry, cfg *fileConfig) error {
	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		// The hub runs without exporters
		tel.LogWarn("telemetry not available", "reason", err.Error())
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			tel.LogError("failed to shutdown telemetry", err)
		}
	}()

	routes := newRoutes()

	board := storage.NewBoard()
	if err := board.Attach(routes.localization, routes.imu, routes.laserScan); err != nil {
		return err
	}

	var recorder *egress.QuestDBRecorder
	if cfg.QuestDB.Enabled {
		recorder = egress.NewQuestDBRecorder(cfg.QuestDB.Config)
		if err := routes.attachRecorder(recorder); err != nil {
			return err
		}
	}

	hub, err := robocomm.NewHub(cfg.Hub, routes.localization, routes.imu, routes.laserScan)
	if err != nil {
		return err
	}

	rt := robocomm.NewRuntime(hub)

	for _, stage := range newIngressStages(hub, &cfg.Ingress) {
		rt.AddStage(stage)
	}

	if cfg.Ticker.Enabled {
		rt.AddStage(storage.NewTicker(board, newTickLogger(tel), cfg.Ticker.Config))
	}

	if recorder != nil {
		rt.AddSinkStage(recorder)
	}

	if err := rt.Init(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		_ = rt.Close(closeCtx)
		return err
	}

	rt.Run(ctx)

	tel.LogInfo("running", "routes", len(hub.Routes()))

	select {
	case <-ctx.Done():
	case <-hub.Done():
	}

	tel.LogInfo("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	closeErr := rt.Close(closeCtx)

	if recorder != nil {
		if err := recorder.Shutdown(closeCtx); err != nil {
			tel.LogError("failed to shutdown the recorder", err)
		}
	}

	stats := hub.Stats()
	tel.LogInfo("hub stopped",
		"enqueued", stats.Enqueued,
		"dispatched", stats.Dispatched,
		"dropped", stats.DroppedEnvelopes,
		"decode_errors", stats.DecodeErrors,
	)

	return closeErr
}

//////////////
//  ROUTES  //
//////////////

// routes holds a publisher for every message type.
// The adapter of an envelope is selected by the protocol it arrived from.
type routes struct {
	localization *pubsub.Publisher[msgs.Localization]
	imu          *pubsub.Publisher[msgs.IMU]
	laserScan    *pubsub.Publisher[msgs.LaserScan]
}

func newRoutes() *routes {
	localization := adapter.ByProtocol[msgs.Localization]{
		envelope.ProtocolTCP:   adapter.NewTextLocalization(),
		envelope.ProtocolMQTT:  adapter.NewJSONLocalization(),
		envelope.ProtocolKafka: adapter.NewJSONLocalization(),
		envelope.ProtocolGRPC:  adapter.NewProtoLocalization(),
		envelope.ProtocolROS:   adapter.NewROSPose2D(),
	}

	imu := adapter.ByProtocol[msgs.IMU]{
		envelope.ProtocolTCP:   adapter.NewJSONIMU(),
		envelope.ProtocolMQTT:  adapter.NewJSONIMU(),
		envelope.ProtocolKafka: adapter.NewJSONIMU(),
		envelope.ProtocolGRPC:  adapter.NewProtoIMU(),
		envelope.ProtocolROS:   adapter.NewROSIMU(),
	}

	laserScan := adapter.ByProtocol[msgs.LaserScan]{
		envelope.ProtocolTCP:   adapter.NewJSONLaserScan(),
		envelope.ProtocolMQTT:  adapter.NewJSONLaserScan(),
		envelope.ProtocolKafka: adapter.NewJSONLaserScan(),
		envelope.ProtocolGRPC:  adapter.NewProtoLaserScan(),
		envelope.ProtocolROS:   adapter.NewROSLaserScan(),
	}

	return &routes{
		localization: pubsub.NewPublisher[msgs.Localization](envelope.MsgTypeLocalization, localization),
		imu:          pubsub.NewPublisher[msgs.IMU](envelope.MsgTypeIMU, imu),
		laserScan:    pubsub.NewPublisher[msgs.LaserScan](envelope.MsgTypeLaserScan, laserScan),
	}
}

func (r *routes) attachRecorder(recorder *egress.QuestDBRecorder) error {
	if _, err := r.localization.Register("questdb_localization", recorder.Localization()); err != nil {
		return err
	}

	if _, err := r.imu.Register("questdb_imu", recorder.IMU()); err != nil {
		return err
	}

	_, err := r.laserScan.Register("questdb_laser_scan", recorder.LaserScan())
	return err
}

///////////////
//  INGRESS  //
///////////////

func newIngressStages(sink ingress.Sink, cfg *ingressConfig) []robocomm.Stage {
	stages := []robocomm.Stage{}

	if cfg.TCP.Enabled {
		stages = append(stages, ingress.NewTCPStage(sink, cfg.TCP.Config))
	}

	if cfg.MQTT.Enabled {
		stages = append(stages, ingress.NewMQTTStage(sink, cfg.MQTT.Config))
	}

	if cfg.GRPC.Enabled {
		stages = append(stages, ingress.NewGRPCStage(sink, cfg.GRPC.Config))
	}

	if cfg.ROS.Enabled {
		stages = append(stages, ingress.NewROSStage(sink, cfg.ROS.Config))
	}

	if cfg.Kafka.Enabled {
		stages = append(stages, ingress.NewKafkaStage(sink, cfg.Kafka.Config))
	}

	if cfg.Replay.Enabled {
		stages = append(stages, ingress.NewReplayStage(sink, cfg.Replay.Config))
	}

	return stages
}

//////////////
//  TICKER  //
//////////////

// newTickLogger returns a tick function that logs the latest pose,
// standing in for the planner reading the board.
func newTickLogger(tel *internal.Telemetry) storage.TickFunc {
	lastSeq := uint64(0)

	return func(_ context.Context, tick int, snap storage.BoardSnapshot) {
		loc := snap.Localization
		if loc == nil || loc.Seq == lastSeq {
			return
		}
		lastSeq = loc.Seq

		tel.LogDebug("pose",
			"tick", tick,
			"x", loc.Value.Pose.X,
			"y", loc.Value.Pose.Y,
			"theta", loc.Value.Pose.Theta.Value(),
			"seq", loc.Seq,
		)
	}
}
