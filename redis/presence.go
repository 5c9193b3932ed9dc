package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore 短 TTL 在线记录，多实例共享。
// Redis 不可用时退化为本实例内存记录，路由继续工作（跨实例可见性丢失）。
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.RWMutex
	local map[string]time.Time // key -> 过期时间，仅降级时使用
}

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PresenceStore{
		client: client,
		ttl:    ttl,
		local:  make(map[string]time.Time),
	}
}

func presenceKey(tenantID uint, role string, subjectID uint) string {
	return fmt.Sprintf("presence:%d:%s:%d", tenantID, role, subjectID)
}

// Heartbeat 刷新在线记录，幂等，重置 TTL
func (p *PresenceStore) Heartbeat(ctx context.Context, tenantID uint, role string, subjectID uint) error {
	key := presenceKey(tenantID, role, subjectID)
	err := p.client.Set(ctx, key, time.Now().Unix(), p.ttl).Err()
	if err != nil {
		log.Printf("presence heartbeat degraded to local: %v", err)
		p.mu.Lock()
		p.local[key] = time.Now().Add(p.ttl)
		p.mu.Unlock()
	}
	return nil
}

// Clear 显式下线，立即删除记录（不等 TTL）
func (p *PresenceStore) Clear(ctx context.Context, tenantID uint, role string, subjectID uint) {
	key := presenceKey(tenantID, role, subjectID)
	if err := p.client.Del(ctx, key).Err(); err != nil {
		log.Printf("presence clear failed: %v", err)
	}
	p.mu.Lock()
	delete(p.local, key)
	p.mu.Unlock()
}

// ListOnline 返回指定租户、角色下所有在线主体ID
func (p *PresenceStore) ListOnline(ctx context.Context, tenantID uint, role string) ([]uint, error) {
	pattern := fmt.Sprintf("presence:%d:%s:*", tenantID, role)
	ids := make([]uint, 0)

	var cursor uint64
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			// 降级：读本地记录
			return p.listLocal(pattern), nil
		}
		for _, key := range keys {
			if id, ok := subjectFromKey(key); ok {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// IsOnline 单个主体是否在线
func (p *PresenceStore) IsOnline(ctx context.Context, tenantID uint, role string, subjectID uint) bool {
	key := presenceKey(tenantID, role, subjectID)
	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		p.mu.RLock()
		defer p.mu.RUnlock()
		exp, ok := p.local[key]
		return ok && time.Now().Before(exp)
	}
	return n > 0
}

func (p *PresenceStore) listLocal(pattern string) []uint {
	prefix := strings.TrimSuffix(pattern, "*")
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]uint, 0)
	for key, exp := range p.local {
		if !strings.HasPrefix(key, prefix) || now.After(exp) {
			continue
		}
		if id, ok := subjectFromKey(key); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func subjectFromKey(key string) (uint, bool) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(key[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}
