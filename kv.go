package gamebus

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// KV 投递去重依赖的最小键值接口，便于单元测试注入 mock。
// SetNX 原子占位；Del 在投递终态失败时释放占位，允许后续重投。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// RedisKV 适配 github.com/redis/go-redis，多进程共享去重窗口。
type RedisKV struct{ R *redis.Client }

func (r RedisKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.R.SetNX(ctx, key, value, ttl).Result()
}

func (r RedisKV) Del(ctx context.Context, key string) error {
	return r.R.Del(ctx, key).Err()
}

// memoryKV 进程内去重窗口，基于带过期的 LRU。
// 过期粒度为缓存级 TTL（取配置的去重窗口），键级 TTL 需要 Redis。
type memoryKV struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, string]
}

func newMemoryKV(ttl time.Duration, capacity int) *memoryKV {
	if capacity <= 0 {
		capacity = 65536
	}
	return &memoryKV{lru: expirable.NewLRU[string, string](capacity, nil, ttl)}
}

func (m *memoryKV) SetNX(_ context.Context, key string, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lru.Contains(key) {
		return false, nil
	}
	m.lru.Add(key, value)
	return true, nil
}

func (m *memoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
	return nil
}
