// Package robocomm provides the dispatch hub of the robot communication
// backbone: raw envelopes coming from the transports are queued,
// converted into typed messages and delivered to their subscribers.
package robocomm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/robocomm/adapter"
	"github.com/FerroO2000/robocomm/connector"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/internal"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/FerroO2000/robocomm/pubsub"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Route handles the envelopes of a single message type.
// It is implemented by *pubsub.Publisher.
type Route interface {
	// InputMsgType returns the message type the route answers to.
	InputMsgType() envelope.MsgType
	// Publish converts the envelope and delivers it.
	Publish(ctx context.Context, env *envelope.Envelope) error
	// Seal forbids any further change to the subscribers of the route.
	Seal()
}

var _ Route = (*pubsub.Publisher[int])(nil)

// HubState is the state of a hub.
type HubState uint32

const (
	// HubStateRunning defines a hub whose dispatch loop is active.
	HubStateRunning HubState = iota
	// HubStateStopped defines a hub whose dispatch loop has terminated.
	// It is a final state.
	HubStateStopped
)

func (hs HubState) String() string {
	switch hs {
	case HubStateRunning:
		return "running"
	case HubStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HubStats contains the counters of a hub.
type HubStats struct {
	Enqueued         int64
	Dispatched       int64
	DecodeErrors     int64
	RoutingErrors    int64
	SubscriberErrors int64
	RouteErrors      int64
	DroppedEnvelopes int64
}

type queueItem struct {
	env *envelope.Envelope

	// barrier is closed by the dispatch loop when reached.
	barrier chan struct{}
}

// Hub owns the ingestion queue, the routing table and the dispatch loop.
//
// Any number of goroutines can send envelopes to the hub. A single
// goroutine takes them from the queue in FIFO order and hands each one
// to the route of its message type, so every adapter and subscriber
// runs on that goroutine.
type Hub struct {
	tel *internal.Telemetry
	cfg *HubConfig

	routes map[envelope.MsgType]Route

	queue connector.Connector[*queueItem]

	// sendMux is held for reading by the senders and for writing
	// while closing the queue, so no envelope is written after the close.
	sendMux  sync.RWMutex
	stopping atomic.Bool

	closeOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc

	state atomic.Uint32
	done  chan struct{}

	// Metrics
	enqueued         atomic.Int64
	dispatched       atomic.Int64
	decodeErrors     atomic.Int64
	routingErrors    atomic.Int64
	subscriberErrors atomic.Int64
	routeErrors      atomic.Int64
	droppedEnvelopes atomic.Int64
}

// NewHub returns a new hub with the given routes and starts its dispatch loop.
// A nil configuration is replaced by the default one.
// The routes are sealed: subscribers must be registered before calling NewHub.
func NewHub(cfg *HubConfig, routes ...Route) (*Hub, error) {
	if cfg == nil {
		cfg = NewHubConfig()
	}

	tel := internal.NewTelemetry("hub", "dispatch")
	config.NewValidator(tel).Validate(cfg)

	routingTable := make(map[envelope.MsgType]Route, len(routes))
	for _, route := range routes {
		if route == nil {
			return nil, ErrNilRoute
		}

		msgType := route.InputMsgType()
		if !msgType.IsValid() {
			return nil, fmt.Errorf("%w: message type %d", ErrInvalidRoute, msgType)
		}

		if _, ok := routingTable[msgType]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoute, msgType)
		}

		routingTable[msgType] = route
	}

	for _, route := range routingTable {
		route.Seal()
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	h := &Hub{
		tel: tel,
		cfg: cfg,

		routes: routingTable,

		queue: connector.NewRingBuffer[*queueItem](cfg.QueueSize),

		runCtx:    runCtx,
		runCancel: runCancel,

		done: make(chan struct{}),
	}

	h.state.Store(uint32(HubStateRunning))
	h.initMetrics()

	go h.run()

	return h, nil
}

func (h *Hub) initMetrics() {
	h.tel.NewCounter("enqueued_envelopes", func() int64 { return h.enqueued.Load() })
	h.tel.NewCounter("dispatched_envelopes", func() int64 { return h.dispatched.Load() })
	h.tel.NewCounter("decode_errors", func() int64 { return h.decodeErrors.Load() })
	h.tel.NewCounter("routing_errors", func() int64 { return h.routingErrors.Load() })
	h.tel.NewCounter("subscriber_errors", func() int64 { return h.subscriberErrors.Load() })
	h.tel.NewCounter("route_errors", func() int64 { return h.routeErrors.Load() })
	h.tel.NewCounter("dropped_envelopes", func() int64 { return h.droppedEnvelopes.Load() })
	h.tel.NewUpDownCounter("queue_length", func() int64 { return int64(h.queue.Len()) })
}

// Send enqueues the envelope for asynchronous dispatch.
// It does not wait for the envelope to be dispatched.
// When the queue is full, it either waits for room (OverflowPolicyBlock)
// or fails with ErrQueueFull (OverflowPolicyDropNewest).
func (h *Hub) Send(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	h.sendMux.RLock()
	defer h.sendMux.RUnlock()

	if h.stopping.Load() {
		return ErrHubStopped
	}

	if err := h.enqueue(ctx, &queueItem{env: env}); err != nil {
		h.droppedEnvelopes.Add(1)
		return err
	}

	h.enqueued.Add(1)

	return nil
}

func (h *Hub) enqueue(ctx context.Context, item *queueItem) error {
	if h.cfg.OverflowPolicy == OverflowPolicyDropNewest {
		return h.mapQueueErr(h.queue.TryWrite(item))
	}

	if h.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.SendTimeout)
		defer cancel()
	}

	return h.mapQueueErr(h.queue.Write(ctx, item))
}

func (h *Hub) mapQueueErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, connector.ErrFull):
		return ErrQueueFull
	case errors.Is(err, connector.ErrClosed):
		return ErrHubStopped
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrSendTimeout, err)
	default:
		return err
	}
}

// Flush blocks until every envelope sent before the call has been dispatched,
// or the context is done.
func (h *Hub) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	h.sendMux.RLock()
	if h.stopping.Load() {
		h.sendMux.RUnlock()
		return ErrHubStopped
	}
	err := h.queue.Write(ctx, &queueItem{barrier: barrier})
	h.sendMux.RUnlock()

	if err != nil {
		return h.mapQueueErr(err)
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting envelopes, waits for the queued ones to be
// dispatched and for the dispatch loop to terminate.
// If the context is done first, the envelopes still queued are discarded
// and the error of the context is returned.
// It is safe to call Close more than once.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.tel.LogInfo("closing")

		h.stopping.Store(true)

		go func() {
			// Wait for the in-flight senders
			h.sendMux.Lock()
			h.queue.Close()
			h.sendMux.Unlock()
		}()
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.runCancel()
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the dispatch loop terminates.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// State returns the state of the hub.
func (h *Hub) State() HubState {
	return HubState(h.state.Load())
}

// Routes returns the message types the hub has a route for.
func (h *Hub) Routes() []envelope.MsgType {
	msgTypes := make([]envelope.MsgType, 0, len(h.routes))
	for msgType := range h.routes {
		msgTypes = append(msgTypes, msgType)
	}
	slices.Sort(msgTypes)
	return msgTypes
}

// Stats returns the counters of the hub.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Enqueued:         h.enqueued.Load(),
		Dispatched:       h.dispatched.Load(),
		DecodeErrors:     h.decodeErrors.Load(),
		RoutingErrors:    h.routingErrors.Load(),
		SubscriberErrors: h.subscriberErrors.Load(),
		RouteErrors:      h.routeErrors.Load(),
		DroppedEnvelopes: h.droppedEnvelopes.Load(),
	}
}

/////////////////////
//  DISPATCH LOOP  //
/////////////////////

func (h *Hub) run() {
	defer close(h.done)
	defer h.runCancel()
	defer h.state.Store(uint32(HubStateStopped))

	h.tel.LogInfo("dispatch loop started", "routes", len(h.routes))

	for {
		// The queue is only closed by Close, which makes Read
		// return ErrClosed once every item has been read
		item, err := h.queue.Read(context.Background())
		if err != nil {
			h.tel.LogInfo("queue closed, dispatch loop stopped", "dispatched_envelopes", h.dispatched.Load())
			return
		}

		if item.barrier != nil {
			close(item.barrier)
			continue
		}

		if h.runCtx.Err() != nil {
			h.droppedEnvelopes.Add(1)
			continue
		}

		h.dispatch(item.env)
	}
}

func (h *Hub) dispatch(env *envelope.Envelope) {
	defer h.dispatched.Add(1)

	ctx, span := h.tel.NewTrace(env.LoadSpanContext(h.runCtx), "dispatch envelope")
	defer span.End()

	span.SetAttributes(
		attribute.String("envelope_id", env.ID().String()),
		attribute.String("protocol", env.Protocol().String()),
		attribute.String("msg_type", env.Type().String()),
	)

	route, ok := h.routes[env.Type()]
	if !ok {
		h.report(ctx, env, newRoutingError(env))
		return
	}

	if err := h.publish(ctx, route, env); err != nil {
		h.report(ctx, env, err)
	}
}

func (h *Hub) publish(ctx context.Context, route Route, env *envelope.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrRoutePanic, rec)
		}
	}()

	return route.Publish(ctx, env)
}

func countSubscriberErrors(err error) int64 {
	var subErr *pubsub.SubscriberError

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		count := int64(0)
		for _, e := range joined.Unwrap() {
			if errors.As(e, &subErr) {
				count++
			}
		}
		return count
	}

	if errors.As(err, &subErr) {
		return 1
	}
	return 0
}

func (h *Hub) report(ctx context.Context, env *envelope.Envelope, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch failed")

	var routingErr *RoutingError
	var decodeErr *adapter.DecodeError

	switch {
	case errors.As(err, &routingErr):
		h.routingErrors.Add(1)
		h.tel.LogWarn("no route for envelope", env.LogArgs()...)

	case errors.As(err, &decodeErr):
		h.decodeErrors.Add(1)
		h.tel.LogError("failed to decode envelope", err, env.LogArgs()...)

	default:
		if count := countSubscriberErrors(err); count > 0 {
			h.subscriberErrors.Add(count)
			h.tel.LogError("failed to deliver message", err, env.LogArgs()...)
			break
		}

		h.routeErrors.Add(1)
		h.tel.LogError("failed to publish envelope", err, env.LogArgs()...)
	}

	h.handleError(ctx, err)
}

func (h *Hub) handleError(ctx context.Context, err error) {
	if h.cfg.ErrorHandler == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.tel.LogError("error handler panicked", fmt.Errorf("%v", rec))
		}
	}()

	h.cfg.ErrorHandler(ctx, err)
}
