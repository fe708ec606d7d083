package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(zerolog.Nop())
}

func TestEmitDeliversToSubscriber(t *testing.T) {
	engine := newTestEngine()
	defer engine.Stop()

	received := make(chan *Event, 1)
	engine.Subscribe(OrderUpdate, func(e *Event) {
		received <- e
	})

	engine.Emit(OrderUpdate, "test", "payload")

	select {
	case e := <-received:
		assert.Equal(t, OrderUpdate, e.Type)
		assert.Equal(t, "test", e.Module)
		assert.Equal(t, "payload", e.Data)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	engine := newTestEngine()

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		engine.Subscribe(TickUpdate, func(e *Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	engine.Emit(TickUpdate, "test", nil)
	engine.Stop() // drains the queue

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPerTypeOrderingPreserved(t *testing.T) {
	engine := newTestEngine()

	var mu sync.Mutex
	var got []int
	engine.Subscribe(OrderUpdate, func(e *Event) {
		mu.Lock()
		got = append(got, e.Data.(int))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		engine.Emit(OrderUpdate, "test", i)
	}
	engine.Stop()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHandlerPanicDoesNotKillEngine(t *testing.T) {
	engine := newTestEngine()

	var delivered atomic.Int32
	engine.Subscribe(AlarmUpdate, func(e *Event) {
		panic("bad handler")
	})
	engine.Subscribe(AlarmUpdate, func(e *Event) {
		delivered.Add(1)
	})

	engine.Emit(AlarmUpdate, "test", nil)
	engine.Emit(AlarmUpdate, "test", nil)
	engine.Stop()

	// The panicking handler never blocks the one registered after it.
	assert.Equal(t, int32(2), delivered.Load())
}

func TestEmitAfterStopIsNoop(t *testing.T) {
	engine := newTestEngine()

	var count atomic.Int32
	engine.Subscribe(AccountUpdate, func(e *Event) { count.Add(1) })

	engine.Emit(AccountUpdate, "test", nil)
	engine.Stop()
	engine.Emit(AccountUpdate, "test", nil)
	engine.Stop() // idempotent

	assert.Equal(t, int32(1), count.Load())
}

func TestStopUnblocksPendingEmitters(t *testing.T) {
	engine := newTestEngine()
	engine.queueSize = 1

	gate := make(chan struct{})
	engine.Subscribe(OrderUpdate, func(e *Event) {
		<-gate
	})

	// First emit is picked up by the worker and parks in the handler; the
	// second fills the one-slot queue.
	engine.Emit(OrderUpdate, "test", 0)
	engine.Emit(OrderUpdate, "test", 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			engine.Emit(OrderUpdate, "test", n)
		}(i)
	}

	stopped := make(chan struct{})
	go func() {
		engine.Stop()
		close(stopped)
	}()

	// Give Stop a moment to race the blocked emitters, then release the
	// handler. Everything must return without panicking.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitters still blocked after Stop")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestDistinctTypesDispatchIndependently(t *testing.T) {
	engine := newTestEngine()
	defer engine.Stop()

	tickDone := make(chan struct{})
	barSeen := make(chan struct{})

	// A slow tick handler must not delay bar delivery.
	engine.Subscribe(TickUpdate, func(e *Event) {
		<-tickDone
	})
	engine.Subscribe(BarUpdate, func(e *Event) {
		close(barSeen)
	})

	engine.Emit(TickUpdate, "test", nil)
	engine.Emit(BarUpdate, "test", nil)

	select {
	case <-barSeen:
	case <-time.After(time.Second):
		t.Fatal("bar event blocked behind tick handler")
	}
	close(tickDone)
}
