package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyResponse is the cached outcome of an idempotent submit.
type IdempotencyResponse struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// IdempotencyStore caches submit responses keyed by the caller-provided
// idempotency key so retried submissions do not double-schedule.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyResponse, bool, error)
	Set(ctx context.Context, key string, resp *IdempotencyResponse) error
}

const (
	idempotencyKeyPrefix = "wattwise:idempotency:"
	idempotencyTTL       = 24 * time.Hour
)

// RedisIdempotencyStore backs idempotency with Redis so retries land on any
// replica.
type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(addr, password string, db int) (*RedisIdempotencyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisIdempotencyStore{client: client}, nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyResponse, bool, error) {
	data, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp IdempotencyResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *IdempotencyResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	// NX: first writer wins, retries keep the original response.
	return s.client.SetNX(ctx, idempotencyKeyPrefix+key, data, idempotencyTTL).Err()
}

// MemoryIdempotencyStore is the single-process fallback for dev and tests.
type MemoryIdempotencyStore struct {
	cache sync.Map
}

type memoryIdempotencyEntry struct {
	resp    IdempotencyResponse
	savedAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{}
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyResponse, bool, error) {
	val, ok := s.cache.Load(key)
	if !ok {
		return nil, false, nil
	}
	e := val.(memoryIdempotencyEntry)
	if time.Since(e.savedAt) > idempotencyTTL {
		s.cache.Delete(key)
		return nil, false, nil
	}
	resp := e.resp
	return &resp, true, nil
}

func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, resp *IdempotencyResponse) error {
	s.cache.LoadOrStore(key, memoryIdempotencyEntry{resp: *resp, savedAt: time.Now()})
	return nil
}
