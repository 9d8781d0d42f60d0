package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mux      sync.Mutex
	received []string
}

func (r *recorder) subscriber(name string) SubscriberFunc[int] {
	return func(_ context.Context, _ int) error {
		r.mux.Lock()
		defer r.mux.Unlock()

		r.received = append(r.received, name)
		return nil
	}
}

func Test_Registry_Notify_order(t *testing.T) {
	assert := assert.New(t)

	rec := &recorder{}
	reg := NewRegistry[int]()

	sub := rec.subscriber("a")
	_, err := reg.Register("a", sub)
	assert.NoError(err)
	_, err = reg.Register("b", rec.subscriber("b"))
	assert.NoError(err)
	// Identical subscribers are not deduplicated
	_, err = reg.Register("a-again", sub)
	assert.NoError(err)

	assert.Equal(3, reg.Len())
	assert.NoError(reg.Notify(t.Context(), 1))
	assert.Equal([]string{"a", "b", "a"}, rec.received)
}

func Test_Registry_Notify_isolation(t *testing.T) {
	assert := assert.New(t)

	rec := &recorder{}
	reg := NewRegistry[int]()

	failure := errors.New("cannot store")

	_, _ = reg.Register("first", rec.subscriber("first"))
	failingID, _ := reg.Register("failing", SubscriberFunc[int](func(context.Context, int) error {
		return failure
	}))
	panickingID, _ := reg.Register("panicking", SubscriberFunc[int](func(context.Context, int) error {
		panic("boom")
	}))
	_, _ = reg.Register("last", rec.subscriber("last"))

	err := reg.Notify(t.Context(), 42)
	assert.Error(err)
	assert.ErrorIs(err, failure)
	assert.ErrorIs(err, ErrSubscriberPanic)

	var subErr *SubscriberError
	assert.ErrorAs(err, &subErr)
	assert.Contains([]uuid.UUID{failingID, panickingID}, subErr.SubscriberID)

	// The subscribers after the failing ones still run
	assert.Equal([]string{"first", "last"}, rec.received)
}

type scan struct {
	ranges []float64
}

func (s scan) Clone() scan {
	return scan{ranges: slices.Clone(s.ranges)}
}

func Test_Registry_Notify_clone(t *testing.T) {
	assert := assert.New(t)

	reg := NewRegistry[scan]()

	_, _ = reg.Register("mutating", SubscriberFunc[scan](func(_ context.Context, s scan) error {
		s.ranges[0] = -1
		return nil
	}))

	var seen float64
	_, _ = reg.Register("reading", SubscriberFunc[scan](func(_ context.Context, s scan) error {
		seen = s.ranges[0]
		return nil
	}))

	original := scan{ranges: []float64{1, 2}}
	assert.NoError(reg.Notify(t.Context(), original))
	assert.Equal(1.0, seen)
	assert.Equal(1.0, original.ranges[0])
}

func Test_Registry_Seal(t *testing.T) {
	assert := assert.New(t)

	rec := &recorder{}
	reg := NewRegistry[int]()

	id, err := reg.Register("a", rec.subscriber("a"))
	assert.NoError(err)

	_, err = reg.Register("nil", nil)
	assert.ErrorIs(err, ErrNilSubscriber)

	reg.Seal()
	assert.True(reg.IsSealed())

	_, err = reg.Register("b", rec.subscriber("b"))
	assert.ErrorIs(err, ErrRegistrySealed)
	assert.ErrorIs(reg.Unregister(id), ErrRegistrySealed)

	assert.NoError(reg.Notify(t.Context(), 1))
	assert.Equal([]string{"a"}, rec.received)
}

func Test_Registry_Unregister(t *testing.T) {
	assert := assert.New(t)

	rec := &recorder{}
	reg := NewRegistry[int]()

	idA, _ := reg.Register("a", rec.subscriber("a"))
	_, _ = reg.Register("b", rec.subscriber("b"))

	assert.NoError(reg.Unregister(idA))
	assert.ErrorIs(reg.Unregister(idA), ErrSubscriberNotFound)

	assert.NoError(reg.Notify(t.Context(), 1))
	assert.Equal([]string{"b"}, rec.received)
}

func Test_Registry_Notify_concurrent(t *testing.T) {
	assert := assert.New(t)

	reg := NewRegistry[int]()

	var mux sync.Mutex
	total := 0
	_, _ = reg.Register("sum", SubscriberFunc[int](func(_ context.Context, v int) error {
		mux.Lock()
		total += v
		mux.Unlock()
		return nil
	}))
	reg.Seal()

	wg := sync.WaitGroup{}
	for range 8 {
		wg.Go(func() {
			for range 100 {
				assert.NoError(reg.Notify(t.Context(), 1))
			}
		})
	}
	wg.Wait()

	assert.Equal(800, total)
}
