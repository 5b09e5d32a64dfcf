package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDeliveryTTL is how long a delivery id is remembered. GitHub
// redeliveries are manual and rarely older than a few days.
const DefaultDeliveryTTL = 72 * time.Hour

// Deduper remembers webhook delivery ids.
type Deduper interface {
	// Claim records id and reports whether it had not been seen before.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a redelivery is processed again.
	Release(ctx context.Context, id string) error
}

// RedisDeduper shares claimed delivery ids across replicas through Redis.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper creates a Redis-backed Deduper. ttl <= 0 uses DefaultDeliveryTTL.
func NewRedisDeduper(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	if prefix == "" {
		prefix = "herald:webhook:delivery:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim delivery %s: %w", id, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("release delivery %s: %w", id, err)
	}
	return nil
}

// MemoryDeduper keeps claimed delivery ids in process memory. Suitable for a
// single replica.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time // delivery id -> expiry
	ttl  time.Duration
	now  func() time.Time
}

var _ Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper creates an in-memory Deduper. ttl <= 0 uses DefaultDeliveryTTL.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}
