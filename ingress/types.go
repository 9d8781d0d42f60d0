// Package ingress contains the transports feeding the hub.
package ingress

import (
	"context"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal/config"
)

// Sink receives the envelopes built by the ingress stages.
// It is implemented by *robocomm.Hub.
type Sink interface {
	Send(ctx context.Context, env *envelope.Envelope) error
}

type cfg = config.Config
