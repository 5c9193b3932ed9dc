package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T, instanceID string) (*FanoutBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFanoutBus(client, instanceID), mr
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	bus.Subscribe(ctx, func(e Event) {
		received <- e
	})
	// 等订阅生效
	time.Sleep(50 * time.Millisecond)

	bus.Publish(ctx, "tenant:1", "chat_assigned", map[string]interface{}{
		"session_id": "abc",
	})

	select {
	case event := <-received:
		if event.Room != "tenant:1" || event.Type != "chat_assigned" || event.Origin != "node-a" {
			t.Fatalf("event = %+v", event)
		}
		if event.Payload["session_id"] != "abc" {
			t.Fatalf("payload = %v", event.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishDegradesToLocalDelivery(t *testing.T) {
	bus, mr := newTestBus(t, "node-a")
	ctx := context.Background()

	received := make(chan Event, 1)
	bus.mu.Lock()
	bus.handler = func(e Event) { received <- e }
	bus.mu.Unlock()

	mr.Close()
	bus.Publish(ctx, "tenant:1", "message", map[string]interface{}{"x": "y"})

	select {
	case event := <-received:
		if event.Room != "tenant:1" || event.Type != "message" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("local fallback did not deliver")
	}
}
