package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Event is a message delivered to the handler registered for its Name.
type Event struct {
	Name    string
	Payload any
}

type Handler interface {
	Handle(event Event) error
}

type HandlerFunc func(event Event) error

func (f HandlerFunc) Handle(event Event) error {
	return f(event)
}

// Dispatcher runs handlers one at a time on a single goroutine, so handler
// code never interleaves with another handler.
type Dispatcher struct {
	handlers map[string]Handler
	queue    chan Event
	mutex    sync.RWMutex
	logger   zerolog.Logger
}

func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		queue:    make(chan Event, 64),
		logger:   logger,
	}
}

func (d *Dispatcher) RegisterHandler(name string, handler Handler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.handlers[name] = handler
	d.logger.Debug().Str("event", name).Msg("Registered event handler")
}

func (d *Dispatcher) UnregisterHandler(name string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.handlers, name)
}

// Dispatch enqueues the event for the loop. It drops the event when ctx ends first.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.logger.Warn().Str("event", event.Name).Msg("Dropped event, dispatcher context done")
	}
}

// Run processes queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.Handle(event)
		}
	}
}

// Handle runs the handler for event on the calling goroutine.
func (d *Dispatcher) Handle(event Event) {
	d.mutex.RLock()
	handler, exists := d.handlers[event.Name]
	d.mutex.RUnlock()

	if !exists {
		d.logger.Warn().
			Str("event", event.Name).
			Msg("No handler registered for event")
		return
	}

	if err := handler.Handle(event); err != nil {
		d.logger.Error().
			Err(err).
			Str("event", event.Name).
			Msg("Handler failed to process event")
	}
}

func (d *Dispatcher) RegisteredHandlers() []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}
