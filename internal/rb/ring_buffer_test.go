package rb

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_roundToPowerOf2(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint32(2), roundToPowerOf2(0))
	assert.Equal(uint32(2), roundToPowerOf2(1))
	assert.Equal(uint32(4), roundToPowerOf2(3))
	assert.Equal(uint32(512), roundToPowerOf2(512))
	assert.Equal(uint32(1024), roundToPowerOf2(513))
}

func Test_bufferImplementations(t *testing.T) {
	const (
		capacity = 128
		items    = 100_000
	)

	suite := []struct {
		kind             BufferKind
		buffer           buffer[int]
		prodNum, consNum int
	}{
		{BufferKindMPSC, newMPSCBuffer[int](capacity), 1, 1},
		{BufferKindMPSC, newMPSCBuffer[int](capacity), 8, 1},
		{BufferKindMPMC, newMPMCBuffer[int](capacity), 1, 1},
		{BufferKindMPMC, newMPMCBuffer[int](capacity), 1, 8},
		{BufferKindMPMC, newMPMCBuffer[int](capacity), 8, 1},
		{BufferKindMPMC, newMPMCBuffer[int](capacity), 8, 8},
	}

	for _, tCase := range suite {
		tName := fmt.Sprintf("%s-P%d-C%d", tCase.kind, tCase.prodNum, tCase.consNum)

		t.Run(tName, func(t *testing.T) {
			testBuffer(t, tCase.buffer, tCase.prodNum, tCase.consNum, items)
		})
	}
}

func testBuffer(t *testing.T, buffer buffer[int], prodNum, consNum, items int) {
	assert := assert.New(t)

	pushWg := &sync.WaitGroup{}
	pushWg.Add(prodNum)

	valueMap := &sync.Map{}
	for val := range items {
		valueMap.Store(val, true)
	}

	itemsPerProducer := items / prodNum
	for idx := range prodNum {
		go func(idx int) {
			defer pushWg.Done()

			baseVal := idx * itemsPerProducer
			produced := 0
			for produced < itemsPerProducer {
				if buffer.push(baseVal + produced) {
					produced++
				}
			}
		}(idx)
	}

	popWg := &sync.WaitGroup{}
	popWg.Add(consNum)

	var totalConsumed atomic.Int64

	itemsPerConsumer := items / consNum
	for range consNum {
		go func() {
			defer popWg.Done()

			consumed := 0
			for consumed < itemsPerConsumer {
				val, ok := buffer.pop()
				if !ok {
					continue
				}

				assert.True(valueMap.CompareAndSwap(val, true, false))
				totalConsumed.Add(1)
				consumed++
			}
		}()
	}

	pushWg.Wait()
	popWg.Wait()

	assert.Equal(int64(items), totalConsumed.Load())
}

func Test_RingBuffer(t *testing.T) {
	const (
		capacity   = 1024
		totalItems = 200_000
	)

	suite := []struct {
		kind             BufferKind
		prodNum, consNum int
	}{
		{BufferKindMPSC, 1, 1},
		{BufferKindMPSC, 4, 1},
		{BufferKindMPSC, 16, 1},
		{BufferKindMPMC, 1, 4},
		{BufferKindMPMC, 8, 8},
	}

	for _, tCase := range suite {
		tName := fmt.Sprintf("%s-P%d-C%d", tCase.kind, tCase.prodNum, tCase.consNum)

		t.Run(tName, func(t *testing.T) {
			testRingBuffer(t, tCase.kind, capacity, tCase.prodNum, tCase.consNum, totalItems)
		})
	}
}

func testRingBuffer(t *testing.T, kind BufferKind, capacity, prodNum, consNum, totalItems int) {
	assert := assert.New(t)

	itemsPerProd := totalItems / prodNum

	rb := NewRingBuffer[int](uint32(capacity), kind)

	var receivedItems sync.Map
	var receivedCount atomic.Uint64

	var producerWg sync.WaitGroup
	var consumerWg sync.WaitGroup

	consumerWg.Add(consNum)
	for range consNum {
		go func() {
			defer consumerWg.Done()

			// Each consumer reads until the buffer is closed and drained
			for {
				item, err := rb.Read(t.Context())
				if err != nil {
					assert.ErrorIs(err, ErrClosed)
					return
				}

				receivedItems.Store(item, true)
				receivedCount.Add(1)
			}
		}()
	}

	producerWg.Add(prodNum)
	for i := range prodNum {
		go func(producerID int) {
			defer producerWg.Done()

			base := producerID * itemsPerProd
			for j := range itemsPerProd {
				if err := rb.Write(t.Context(), base+j); err != nil {
					assert.NoError(err)
					return
				}
			}
		}(i)
	}

	producerWg.Wait()
	rb.Close()
	consumerWg.Wait()

	assert.Equal(uint64(itemsPerProd*prodNum), receivedCount.Load())

	missingItems := 0
	for i := range itemsPerProd * prodNum {
		if _, ok := receivedItems.Load(i); !ok {
			missingItems++
		}
	}
	assert.Zero(missingItems)
}

func Test_RingBuffer_FIFO(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](8, BufferKindMPSC)

	go func() {
		for i := range 1000 {
			assert.NoError(rb.Write(t.Context(), i))
		}
		rb.Close()
	}()

	expected := 0
	for {
		item, err := rb.Read(t.Context())
		if err != nil {
			assert.ErrorIs(err, ErrClosed)
			break
		}

		assert.Equal(expected, item)
		expected++
	}

	assert.Equal(1000, expected)
}

func Test_RingBuffer_WriteDeadline(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](2, BufferKindMPSC)
	assert.NoError(rb.Write(t.Context(), 1))
	assert.NoError(rb.Write(t.Context(), 2))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := rb.Write(ctx, 3)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Equal(uint32(2), rb.Len())
}

func Test_RingBuffer_WriteUnblocksOnRead(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](2, BufferKindMPSC)
	assert.NoError(rb.Write(t.Context(), 1))
	assert.NoError(rb.Write(t.Context(), 2))

	written := make(chan error, 1)
	go func() {
		written <- rb.Write(t.Context(), 3)
	}()

	item, err := rb.Read(t.Context())
	assert.NoError(err)
	assert.Equal(1, item)

	select {
	case err := <-written:
		assert.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not woken up")
	}
}

func Test_RingBuffer_TryWrite(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](2, BufferKindMPSC)
	assert.NoError(rb.TryWrite(1))
	assert.NoError(rb.TryWrite(2))
	assert.ErrorIs(rb.TryWrite(3), ErrFull)

	rb.Close()
	assert.ErrorIs(rb.TryWrite(4), ErrClosed)
}

func Test_RingBuffer_DrainAfterClose(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[string](4, BufferKindMPSC)
	assert.NoError(rb.Write(t.Context(), "a"))
	assert.NoError(rb.Write(t.Context(), "b"))

	rb.Close()
	assert.ErrorIs(rb.Write(t.Context(), "c"), ErrClosed)

	item, err := rb.Read(t.Context())
	assert.NoError(err)
	assert.Equal("a", item)

	item, err = rb.Read(t.Context())
	assert.NoError(err)
	assert.Equal("b", item)

	_, err = rb.Read(t.Context())
	assert.ErrorIs(err, ErrClosed)
}

func Test_RingBuffer_ReadContext(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](4, BufferKindMPSC)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := rb.Read(ctx)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func Benchmark_RingBuffers(b *testing.B) {
	b.ReportAllocs()

	kinds := []BufferKind{BufferKindMPSC, BufferKindMPMC}
	capacities := []int{512, 1024, 4096}
	for _, kind := range kinds {
		for _, capacity := range capacities {
			b.Run("WriteReadSteady-"+kind.String()+"-"+strconv.Itoa(capacity), func(b *testing.B) {
				benchWriteReadSteady(b, kind, capacity)
			})
		}
	}
}

func benchWriteReadSteady(b *testing.B, kind BufferKind, capacity int) {
	rb := NewRingBuffer[int](uint32(capacity), kind)

	val := 0
	for b.Loop() {
		if err := rb.Write(b.Context(), val); err != nil {
			b.Logf("Write error: %v,", err)
			continue
		}

		if _, err := rb.Read(b.Context()); err != nil {
			b.Logf("Read error: %v", err)
			continue
		}

		val++
	}
}
