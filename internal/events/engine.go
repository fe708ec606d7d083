package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultQueueSize = 1024

// Engine is a typed async pub/sub. Each event type gets its own FIFO queue
// and worker goroutine, so delivery order is preserved within a type (order
// events for one order_id arrive in gateway emission order) while distinct
// types dispatch in parallel. There is no total ordering across types.
type Engine struct {
	log       zerolog.Logger
	queueSize int

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	queues   map[EventType]chan *Event
	stopped  bool

	// done signals Stop to emitters and workers. Queues are never closed:
	// an Emit blocked on a full queue unblocks through done instead of
	// panicking on a send to a closed channel.
	done chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates and starts an event engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log:       log.With().Str("component", "events").Logger(),
		queueSize: defaultQueueSize,
		handlers:  make(map[EventType][]Handler),
		queues:    make(map[EventType]chan *Event),
		done:      make(chan struct{}),
	}
}

// Subscribe registers a handler for one event type. Registration order is
// invocation order.
func (e *Engine) Subscribe(eventType EventType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.handlers[eventType] = append(e.handlers[eventType], handler)
	e.ensureWorkerLocked(eventType)
}

// Emit enqueues an event. Blocks only when the per-type queue is full, which
// applies backpressure to the producer rather than dropping state updates.
func (e *Engine) Emit(eventType EventType, module string, data any) {
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return
	}
	queue, ok := e.queues[eventType]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		queue = e.ensureWorkerLocked(eventType)
		e.mu.Unlock()
	}

	event := &Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case queue <- event:
	case <-e.done:
		// Stop raced this Emit; the event is dropped.
	}
}

// ensureWorkerLocked creates the queue and worker for a type. Caller holds
// the write lock.
func (e *Engine) ensureWorkerLocked(eventType EventType) chan *Event {
	if queue, ok := e.queues[eventType]; ok {
		return queue
	}
	queue := make(chan *Event, e.queueSize)
	e.queues[eventType] = queue

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case event := <-queue:
				e.dispatch(event)
			case <-e.done:
				// drain whatever is still queued, then exit
				for {
					select {
					case event := <-queue:
						e.dispatch(event)
					default:
						return
					}
				}
			}
		}
	}()
	return queue
}

// dispatch invokes every registered handler for the event, in registration
// order, recovering panics so a bad handler cannot kill the engine.
func (e *Engine) dispatch(event *Event) {
	e.mu.RLock()
	handlers := e.handlers[event.Type]
	e.mu.RUnlock()

	for _, handler := range handlers {
		e.invoke(event, handler)
	}
}

func (e *Engine) invoke(event *Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("event_type", string(event.Type)).
				Str("module", event.Module).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Stop drains all queues and stops the workers. Emit and Subscribe become
// no-ops afterwards; an Emit blocked on a full queue returns without
// delivering.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		close(e.done)
		e.wg.Wait()
		e.log.Debug().Msg("Event engine stopped")
	})
}
