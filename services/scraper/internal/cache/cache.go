// Package cache stores resolved stream bundles for a bounded time.
package cache

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/streamgate/services/scraper/internal/domain"
)

const (
	DefaultTTL = 600 * time.Second
	// SweepProbability is the chance that a Put also evicts every expired entry.
	SweepProbability = 0.05
)

// Store is the read/write interface the resolver depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (domain.StreamBundle, bool)
	Put(ctx context.Context, key string, v domain.StreamBundle, ttl time.Duration) error
}

// Invalidator drops entries ahead of their expiry.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type entry struct {
	val       domain.StreamBundle
	expiresAt time.Time
}

// Memory is an in-process Store. Expired entries read as misses and are only
// removed by the probabilistic sweep on Put, never by a timer.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry

	now   func() time.Time
	roll  func() float64
	sweep float64
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithSweep sets the sweep probability and the source of randomness.
func WithSweep(p float64, roll func() float64) MemoryOption {
	return func(m *Memory) {
		m.sweep = p
		if roll != nil {
			m.roll = roll
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]entry),
		now:   time.Now,
		roll:  rand.Float64,
		sweep: SweepProbability,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) (domain.StreamBundle, bool) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(it.expiresAt) {
		return domain.StreamBundle{}, false
	}
	return it.val, true
}

func (m *Memory) Put(_ context.Context, key string, v domain.StreamBundle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{val: v, expiresAt: now.Add(ttl)}
	if m.roll() < m.sweep {
		for k, it := range m.items {
			if !now.Before(it.expiresAt) {
				delete(m.items, k)
			}
		}
	}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]entry)
	m.mu.Unlock()
	return nil
}

// Len counts stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// HandleInvalidation applies one invalidation message: a key, or ALL (or an
// empty payload) to drop everything.
func HandleInvalidation(ctx context.Context, inv Invalidator, payload string) error {
	key := strings.TrimSpace(payload)
	if key == "" || strings.EqualFold(key, "ALL") {
		return inv.Clear(ctx)
	}
	return inv.Invalidate(ctx, key)
}

// SubscribeInvalidation wires key-level invalidation to a NATS subject.
func SubscribeInvalidation(nc *nats.Conn, subject string, inv Invalidator, log *zap.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := HandleInvalidation(context.Background(), inv, string(msg.Data)); err != nil {
			log.Warn("cache invalidation failed", zap.String("subject", subject), zap.Error(err))
			return
		}
		log.Debug("cache invalidated", zap.String("key", string(msg.Data)))
	})
}
