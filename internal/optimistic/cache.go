package optimistic

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// EventKind is the kind of a cache change.
type EventKind string

const (
	// Speculative: a mutation wrote its value before the remote answered.
	Speculative EventKind = "speculative"

	// Confirmed: the remote accepted the speculative value.
	Confirmed EventKind = "confirmed"

	// Reverted: the remote rejected the mutation and the previous value
	// (or absence) was restored.
	Reverted EventKind = "reverted"

	// Invalidated: a derived entry was dropped and must be refetched.
	Invalidated EventKind = "invalidated"
)

// Event describes one cache change.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Key      string          `json:"key"`
	UpdateID string          `json:"update_id,omitempty"`
	Value    payload.Payload `json:"value,omitempty"`

	// Present is false when the key has no value after the change.
	Present bool   `json:"present"`
	Err     string `json:"error,omitempty"`
}

// AllKeys subscribes to every key.
const AllKeys = "*"

// Cache is the shared entity cache that optimistic mutations write into.
// Subscribers are called synchronously by Publish and must not block.
type Cache interface {
	Read(ctx context.Context, key string) (payload.Payload, bool, error)
	Write(ctx context.Context, key string, value payload.Payload) error
	Delete(ctx context.Context, key string) error
	Subscribe(key string, fn func(Event)) (cancel func())
	Publish(ctx context.Context, ev Event) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Subscribers is a key-indexed fan-out list. Cache implementations embed
// it to provide Subscribe and local delivery.
//
// Thread-safety: Subscribers is safe for concurrent use via internal mutex.
type Subscribers struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(Event)
}

// Subscribe registers fn for key, or for every key with AllKeys.
func (s *Subscribers) Subscribe(key string, fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]map[int]func(Event))
	}
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(Event))
	}
	s.next++
	id := s.next
	s.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[key], id)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
		})
	}
}

// Deliver calls the subscribers of ev.Key and of AllKeys, in
// registration order, without the lock held.
func (s *Subscribers) Deliver(ev Event) {
	s.mu.Lock()
	var fns []func(Event)
	for _, key := range []string{ev.Key, AllKeys} {
		for _, id := range slices.Sorted(maps.Keys(s.subs[key])) {
			fns = append(fns, s.subs[key][id])
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// MemoryCache is an in-process Cache.
//
// Thread-safety: MemoryCache is safe for concurrent use.
type MemoryCache struct {
	Subscribers

	mu   sync.RWMutex
	data map[string]payload.Payload
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]payload.Payload)}
}

func (c *MemoryCache) Read(_ context.Context, key string) (payload.Payload, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v.Clone(), ok, nil
}

func (c *MemoryCache) Write(_ context.Context, key string, value payload.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value.Clone()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *MemoryCache) Publish(_ context.Context, ev Event) error {
	c.Deliver(ev)
	return nil
}

// Invalidate drops keys and publishes an Invalidated event for each.
func (c *MemoryCache) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.Delete(ctx, key); err != nil {
			return err
		}
		c.Deliver(Event{Kind: Invalidated, Key: key})
	}
	return nil
}
