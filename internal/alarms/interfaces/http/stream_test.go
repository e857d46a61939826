package http

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "ess-cloud/internal/alarms/application"
	alarms "ess-cloud/internal/alarms/domain"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewSSEBroker()
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	broker.Notify(context.Background(), alarmapp.AlarmEvent{
		Type:  "opened",
		Alarm: &alarms.ActiveAlarm{ID: 42, AlarmType: "overtemp"},
	})

	select {
	case payload := <-ch:
		var event alarmapp.AlarmEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "opened", event.Type)
		require.NotNil(t, event.Alarm)
		assert.EqualValues(t, 42, event.Alarm.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBrokerDropsEventsForFullClients(t *testing.T) {
	broker := NewSSEBroker()
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	// Nobody reads; the buffered channel fills and later events drop
	// instead of blocking the notifier.
	for i := 0; i < 64; i++ {
		broker.Notify(context.Background(), alarmapp.AlarmEvent{Type: "opened"})
	}
	assert.Equal(t, 16, len(ch))
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewSSEBroker()
	ch := broker.Subscribe()
	broker.Unsubscribe(ch)

	broker.Notify(context.Background(), alarmapp.AlarmEvent{Type: "opened"})
	assert.Equal(t, 0, len(ch))
}

func TestBrokerConcurrentBroadcastAndUnsubscribe(t *testing.T) {
	broker := NewSSEBroker()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				broker.Notify(context.Background(), alarmapp.AlarmEvent{Type: "retriggered"})
			}
		}
	}()

	// Clients churning while events broadcast must never panic.
	for i := 0; i < 5000; i++ {
		ch := broker.Subscribe()
		broker.Unsubscribe(ch)
	}
	close(done)
	wg.Wait()
}
