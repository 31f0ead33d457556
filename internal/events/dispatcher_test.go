package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var mutex sync.Mutex
	var seen []int
	d.RegisterHandler("tick", HandlerFunc(func(event Event) error {
		mutex.Lock()
		defer mutex.Unlock()
		seen = append(seen, event.Payload.(int))
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 10; i++ {
		d.Dispatch(ctx, Event{Name: "tick", Payload: i})
	}

	assert.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(seen) == 10
	}, time.Second, 5*time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestDispatcher_UnknownAndFailingHandlers(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	calls := 0
	d.RegisterHandler("fails", HandlerFunc(func(Event) error {
		calls++
		return errors.New("boom")
	}))

	assert.NotPanics(t, func() {
		d.Handle(Event{Name: "missing"})
		d.Handle(Event{Name: "fails"})
	})
	assert.Equal(t, 1, calls)

	d.UnregisterHandler("fails")
	d.Handle(Event{Name: "fails"})
	assert.Equal(t, 1, calls)
	assert.Empty(t, d.RegisteredHandlers())
}

func TestDispatcher_DropsWhenContextDone(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// nothing drains the queue; fill it past capacity
		for i := 0; i < 100; i++ {
			d.Dispatch(ctx, Event{Name: "tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "dispatch blocked after context was cancelled")
	}
}
