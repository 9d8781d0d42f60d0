package robocomm

import (
	"context"
	"errors"
	"sync"
)

// Stage defines the interface of a component run by the runtime,
// e.g. a transport feeding the hub or a ticker reading the storages.
type Stage interface {
	// Init initializes the stage.
	Init(ctx context.Context) error
	// Run runs the stage. It returns when the context is done
	// or the stage is closed.
	Run(ctx context.Context)
	// Close closes (forever) the stage.
	Close()
}

// Runtime runs a hub together with the stages around it.
//
// Stages are either sources, added with AddStage, or sinks,
// added with AddSinkStage. Sinks are fed by the subscribers of the hub,
// so they are closed only after the hub has drained its queue.
type Runtime struct {
	hub    *Hub
	stages []Stage
	sinks  []Stage

	wg     *sync.WaitGroup
	sinkWg *sync.WaitGroup

	sinkCancel context.CancelFunc
	isRunning  bool
}

// NewRuntime returns a new runtime for the given hub.
func NewRuntime(hub *Hub) *Runtime {
	return &Runtime{
		hub:    hub,
		stages: []Stage{},
		sinks:  []Stage{},

		wg:     &sync.WaitGroup{},
		sinkWg: &sync.WaitGroup{},

		sinkCancel: func() {},
		isRunning:  false,
	}
}

// Hub returns the hub of the runtime.
func (r *Runtime) Hub() *Hub {
	return r.hub
}

// AddStage adds a source stage to the runtime.
// Stages added after Run are ignored.
func (r *Runtime) AddStage(stage Stage) {
	if r.isRunning {
		return
	}

	r.stages = append(r.stages, stage)
}

// AddSinkStage adds a stage that consumes what the hub dispatches.
// Stages added after Run are ignored.
func (r *Runtime) AddSinkStage(stage Stage) {
	if r.isRunning {
		return
	}

	r.sinks = append(r.sinks, stage)
}

// Init initializes the sinks and then the sources,
// in the order they were added.
func (r *Runtime) Init(ctx context.Context) error {
	for _, stage := range r.sinks {
		if err := stage.Init(ctx); err != nil {
			return err
		}
	}

	for _, stage := range r.stages {
		if err := stage.Init(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Run runs all the stages.
// It will spawn a goroutine for each stage.
// The sinks do not stop with the context, they are stopped by Close.
func (r *Runtime) Run(ctx context.Context) {
	r.isRunning = true

	sinkCtx, sinkCancel := context.WithCancel(context.WithoutCancel(ctx))
	r.sinkCancel = sinkCancel

	for _, stage := range r.sinks {
		r.sinkWg.Go(func() {
			stage.Run(sinkCtx)
		})
	}

	for _, stage := range r.stages {
		r.wg.Go(func() {
			stage.Run(ctx)
		})
	}
}

// Close closes the sources and waits for them to return,
// then closes the hub, draining the envelopes still queued,
// and finally closes the sinks and waits for them.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	for _, stage := range r.stages {
		stage.Close()
	}

	if err := waitGroup(ctx, r.wg); err != nil {
		errs = append(errs, err)
	}

	if err := r.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, stage := range r.sinks {
		stage.Close()
	}

	if err := waitGroup(ctx, r.sinkWg); err != nil {
		errs = append(errs, err)
	}

	r.sinkCancel()

	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
