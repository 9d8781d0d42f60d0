package ingress

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal"
	"github.com/FerroO2000/robocomm/internal/config"
)

type source interface {
	setTelemetry(tel *internal.Telemetry)
	run(ctx context.Context, sink Sink)
}

type stage[Cfg cfg] struct {
	tel *internal.Telemetry

	cfg Cfg

	source source

	sink Sink
}

func newStage[Cfg cfg](name string, source source, sink Sink, cfg Cfg) *stage[Cfg] {
	tel := internal.NewTelemetry("ingress", name)
	source.setTelemetry(tel)

	return &stage[Cfg]{
		tel: tel,

		cfg: cfg,

		source: source,

		sink: sink,
	}
}

// Init validates the configuration of the stage.
func (s *stage[Cfg]) Init(_ context.Context) error {
	s.tel.LogInfo("initializing")

	config.NewValidator(s.tel).Validate(s.cfg)

	return nil
}

func (s *stage[Cfg]) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	s.source.run(ctx, s.sink)
}

func (s *stage[Cfg]) Close() {
	s.tel.LogInfo("closing")
}

//////////////
//  SOURCE  //
//////////////

// baseSource holds the telemetry and the metrics shared by every source.
type baseSource struct {
	tel *internal.Telemetry

	receivedBytes     atomic.Int64
	receivedEnvelopes atomic.Int64
	rejectedEnvelopes atomic.Int64
}

func (bs *baseSource) setTelemetry(tel *internal.Telemetry) {
	bs.tel = tel
}

func (bs *baseSource) initBaseMetrics() {
	bs.tel.NewCounter("received_bytes", func() int64 { return bs.receivedBytes.Load() })
	bs.tel.NewCounter("received_envelopes", func() int64 { return bs.receivedEnvelopes.Load() })
	bs.tel.NewCounter("rejected_envelopes", func() int64 { return bs.rejectedEnvelopes.Load() })
}

// forward sends the envelope to the sink and updates the metrics.
// The envelope is lost if the sink rejects it.
func (bs *baseSource) forward(ctx context.Context, sink Sink, env *envelope.Envelope) error {
	bs.receivedBytes.Add(int64(len(env.Payload())))
	bs.receivedEnvelopes.Add(1)

	if err := sink.Send(ctx, env); err != nil {
		bs.rejectedEnvelopes.Add(1)

		if !errors.Is(err, context.Canceled) {
			bs.tel.LogWarn("envelope rejected by the hub", append([]any{"reason", err.Error()}, env.LogArgs()...)...)
		}

		return err
	}

	return nil
}
