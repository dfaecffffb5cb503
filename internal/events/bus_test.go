package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus(zap.NewNop(), 64)
	sub := bus.Subscribe("e1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{
			Type:        LogAppended,
			ExecutionID: "e1",
			Message:     fmt.Sprintf("entry-%d", i),
		})
	}

	for i := 0; i < 10; i++ {
		select {
		case event := <-sub.C:
			assert.Equal(t, fmt.Sprintf("entry-%d", i), event.Message)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusScopesByExecution(t *testing.T) {
	bus := NewBus(zap.NewNop(), 64)
	sub1 := bus.Subscribe("e1")
	defer sub1.Close()
	sub2 := bus.Subscribe("e2")
	defer sub2.Close()

	bus.Publish(Event{Type: StepStarted, ExecutionID: "e1", StepID: "s1"})

	select {
	case event := <-sub1.C:
		assert.Equal(t, "s1", event.StepID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for e1 received nothing")
	}
	select {
	case event := <-sub2.C:
		t.Fatalf("subscriber for e2 received %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusClosesStreamOnTerminated(t *testing.T) {
	bus := NewBus(zap.NewNop(), 64)
	sub := bus.Subscribe("e1")

	bus.Publish(Event{Type: ExecutionTerminated, ExecutionID: "e1", Status: "COMPLETED"})

	event, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, ExecutionTerminated, event.Type)

	_, ok = <-sub.C
	assert.False(t, ok, "stream should close after the terminated event")
}

func TestBusGlobalSubscriberSeesAllExecutions(t *testing.T) {
	bus := NewBus(zap.NewNop(), 64)
	sub := bus.SubscribeAll()
	defer sub.Close()

	bus.Publish(Event{Type: StepStarted, ExecutionID: "e1"})
	bus.Publish(Event{Type: StepStarted, ExecutionID: "e2"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-sub.C:
			got[event.ExecutionID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	assert.True(t, got["e1"])
	assert.True(t, got["e2"])
}

func TestBusDropsSaturatedSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1)
	sub := bus.Subscribe("e1")

	// Nobody drains: the second publish overflows the buffer and the
	// subscription is dropped instead of blocking the publisher.
	bus.Publish(Event{Type: LogAppended, ExecutionID: "e1", Message: "first"})
	bus.Publish(Event{Type: LogAppended, ExecutionID: "e1", Message: "second"})

	event, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, "first", event.Message)
	_, ok = <-sub.C
	assert.False(t, ok)
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	sub := bus.Subscribe("e1")
	sub.Close()
	sub.Close()
	bus.Publish(Event{Type: StepStarted, ExecutionID: "e1"})
}
