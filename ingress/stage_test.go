package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/envelope"
)

type fakeSink struct {
	mux sync.Mutex
	err error

	received chan *envelope.Envelope
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		received: make(chan *envelope.Envelope, 256),
	}
}

func (fs *fakeSink) Send(_ context.Context, env *envelope.Envelope) error {
	fs.mux.Lock()
	err := fs.err
	fs.mux.Unlock()

	if err != nil {
		return err
	}

	fs.received <- env
	return nil
}

func (fs *fakeSink) setErr(err error) {
	fs.mux.Lock()
	fs.err = err
	fs.mux.Unlock()
}

func (fs *fakeSink) next(t *testing.T) *envelope.Envelope {
	t.Helper()

	select {
	case env := <-fs.received:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope received")
		return nil
	}
}

func (fs *fakeSink) assertEmpty(t *testing.T) {
	t.Helper()

	select {
	case env := <-fs.received:
		t.Fatalf("unexpected envelope %s", env.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

type runnable interface {
	Init(ctx context.Context) error
	Run(ctx context.Context)
	Close()
}

// startStage initializes and runs the stage until the end of the test.
func startStage(t *testing.T, s runnable) {
	t.Helper()

	if err := s.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		s.Run(t.Context())
	})

	t.Cleanup(func() {
		s.Close()
		wg.Wait()
	})
}
