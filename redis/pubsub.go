package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const fanoutPrefix = "fanout:"

// Event 房间级广播事件
type Event struct {
	Room    string                 `json:"room"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
	Origin  string                 `json:"origin"` // 发布实例ID
}

type EventHandler func(Event)

// FanoutBus 基于 Redis Pub/Sub 的跨实例事件分发。
// 只负责分发，不做任何路由决策；Redis 不可用时退化为本实例直投。
type FanoutBus struct {
	client     *redis.Client
	instanceID string

	mu      sync.RWMutex
	handler EventHandler
}

func NewFanoutBus(client *redis.Client, instanceID string) *FanoutBus {
	return &FanoutBus{
		client:     client,
		instanceID: instanceID,
	}
}

// Publish 发布房间事件。同一实例对同一房间的发布顺序即订阅端收到的顺序
func (b *FanoutBus) Publish(ctx context.Context, room, eventType string, payload map[string]interface{}) {
	event := Event{
		Room:    room,
		Type:    eventType,
		Payload: payload,
		Origin:  b.instanceID,
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("fanout marshal failed: %v", err)
		return
	}
	if err := b.client.Publish(ctx, fanoutPrefix+room, data).Err(); err != nil {
		// 降级：跨实例可见性丢失，本实例仍然送达
		log.Printf("fanout publish degraded to local delivery: %v", err)
		b.deliver(event)
	}
}

// Subscribe 订阅所有房间频道，收到的事件交给 handler 投递到本实例连接
func (b *FanoutBus) Subscribe(ctx context.Context, handler EventHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()

	sub := b.client.PSubscribe(ctx, fanoutPrefix+"*")
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("fanout unmarshal failed: %v", err)
					continue
				}
				b.deliver(event)
			}
		}
	}()
}

func (b *FanoutBus) deliver(event Event) {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(event)
	}
}
