// Package optimistic applies entity mutations to a shared cache before
// the remote store confirms them, and rolls them back when it refuses.
//
// Mutations on the same key are serialized in arrival order. A mutation
// waiting for its turn can be abandoned through its context; once it owns
// the key it runs to completion.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/carlosandia/crm-renove-sub007/internal/ids"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// Remote persists an entity mutation.
type Remote interface {
	PersistEntityMutation(ctx context.Context, key string, value payload.Payload) error
}

// RemoteFunc adapts a function to Remote.
type RemoteFunc func(ctx context.Context, key string, value payload.Payload) error

func (f RemoteFunc) PersistEntityMutation(ctx context.Context, key string, value payload.Payload) error {
	return f(ctx, key, value)
}

// Mutation is a request to replace the value at Key.
type Mutation struct {
	Key string

	// DisplayName names the entity in user notifications.
	DisplayName string

	Value payload.Payload

	// Dependents are derived cache keys invalidated after the mutation
	// settles, whatever the outcome.
	Dependents []string
}

// TransformFunc computes a new value from the current one.
type TransformFunc func(prev payload.Payload, present bool) (payload.Payload, error)

// Update records one mutation from speculation to settlement.
type Update struct {
	ID              string
	Key             string
	Previous        payload.Payload
	PreviousPresent bool
	Speculative     payload.Payload
	Committed       bool
	Err             error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets where rejected mutations are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithIDs sets the update id generator.
func WithIDs(g ids.Generator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNow sets the time source used for archived_at.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type keySlot struct {
	sem  *semaphore.Weighted
	refs int
}

// Coordinator runs optimistic mutations against a Cache and a Remote.
//
// Thread-safety: All methods are safe for concurrent use. Different keys
// proceed in parallel.
type Coordinator struct {
	cache    Cache
	remote   Remote
	notifier notify.Notifier
	ids      ids.Generator
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*keySlot
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cache Cache, remote Remote, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:    cache,
		remote:   remote,
		notifier: notify.Discard,
		ids:      ids.UUIDv7{},
		logger:   slog.Default(),
		now:      time.Now,
		slots:    make(map[string]*keySlot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire waits for exclusive use of key. semaphore.Weighted queues
// waiters FIFO and drops a waiter whose context ends.
func (c *Coordinator) acquire(ctx context.Context, key string) (release func(), err error) {
	c.mu.Lock()
	slot, ok := c.slots[key]
	if !ok {
		slot = &keySlot{sem: semaphore.NewWeighted(1)}
		c.slots[key] = slot
	}
	slot.refs++
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(c.slots, key)
		}
		c.mu.Unlock()
	}

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		drop()
		return nil, err
	}
	return func() {
		slot.sem.Release(1)
		drop()
	}, nil
}

// Mutate replaces the value at m.Key optimistically.
//
// The speculative value is in the cache, and a Speculative event has been
// published, before the remote is called. On success a Confirmed event
// follows. On failure the previous value is restored (or the key deleted
// if it had none), a Reverted event carries the restored value and the
// user is notified. Dependents are invalidated in both cases.
//
// ctx bounds the wait for the key. The remote call itself is not
// cancelled by ctx.
func (c *Coordinator) Mutate(ctx context.Context, m Mutation) (*Update, error) {
	value := m.Value
	return c.MutateFunc(ctx, m.Key, m.DisplayName, m.Dependents, func(payload.Payload, bool) (payload.Payload, error) {
		return value, nil
	})
}

// MutateFunc is Mutate with a value computed from the current one while
// the key is held.
func (c *Coordinator) MutateFunc(ctx context.Context, key, displayName string, dependents []string, fn TransformFunc) (*Update, error) {
	if key == "" {
		return nil, fmt.Errorf("mutate: empty key")
	}
	release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", key, err)
	}
	defer release()

	prev, present, err := c.cache.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	next, err := fn(prev.Clone(), present)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", key, err)
	}
	if next == nil {
		next = payload.Payload{}
	}

	u := &Update{
		ID:              c.ids.Generate(),
		Key:             key,
		Previous:        prev,
		PreviousPresent: present,
		Speculative:     next.Clone(),
	}

	if err := c.cache.Write(ctx, key, next); err != nil {
		return nil, fmt.Errorf("write speculative %s: %w", key, err)
	}
	c.publish(ctx, Event{Kind: Speculative, Key: key, UpdateID: u.ID, Value: next, Present: true})

	remoteErr := c.remote.PersistEntityMutation(context.WithoutCancel(ctx), key, next.Clone())
	if remoteErr == nil {
		u.Committed = true
		c.publish(ctx, Event{Kind: Confirmed, Key: key, UpdateID: u.ID, Value: next, Present: true})
		c.logger.Debug("mutation confirmed", "key", key, "update", u.ID)
	} else {
		u.Err = remoteErr
		c.rollback(ctx, u, displayName)
	}

	if len(dependents) > 0 {
		if err := c.cache.Invalidate(ctx, dependents...); err != nil {
			c.logger.Warn("invalidate dependents", "key", key, "error", err)
		}
	}

	if remoteErr != nil {
		return u, fmt.Errorf("persist %s: %w", key, remoteErr)
	}
	return u, nil
}

func (c *Coordinator) rollback(ctx context.Context, u *Update, displayName string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if u.PreviousPresent {
		err = c.cache.Write(ctx, u.Key, u.Previous)
	} else {
		err = c.cache.Delete(ctx, u.Key)
	}
	if err != nil {
		c.logger.Error("rollback failed", "key", u.Key, "update", u.ID, "error", err)
	}
	c.publish(ctx, Event{
		Kind:     Reverted,
		Key:      u.Key,
		UpdateID: u.ID,
		Value:    u.Previous,
		Present:  u.PreviousPresent,
		Err:      u.Err.Error(),
	})
	c.logger.Warn("mutation reverted", "key", u.Key, "update", u.ID, "error", u.Err)

	if displayName == "" {
		displayName = u.Key
	}
	c.notifier.Notify(notify.Error, fmt.Sprintf("Failed to update %s: %v", displayName, u.Err))
}

func (c *Coordinator) publish(ctx context.Context, ev Event) {
	if err := c.cache.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish cache event", "key", ev.Key, "kind", string(ev.Kind), "error", err)
	}
}

// Set writes value to the cache directly, after any in-flight mutation
// on the key has settled. Nothing is sent to the remote.
func (c *Coordinator) Set(ctx context.Context, key string, value payload.Payload) error {
	release, err := c.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	defer release()
	if err := c.cache.Write(ctx, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get reads the current cached value.
func (c *Coordinator) Get(ctx context.Context, key string) (payload.Payload, bool, error) {
	return c.cache.Read(ctx, key)
}

// Archive flags written by SetArchived.
const (
	FieldIsArchived = "is_archived"
	FieldIsActive   = "is_active"
	FieldArchivedAt = "archived_at"
)

// SetArchived archives or restores the entity at key. Archiving sets
// is_archived, clears is_active and stamps archived_at; restoring does
// the reverse and nulls archived_at. Other fields are kept.
func (c *Coordinator) SetArchived(ctx context.Context, key, displayName string, archived bool, dependents ...string) (*Update, error) {
	return c.MutateFunc(ctx, key, displayName, dependents, func(prev payload.Payload, _ bool) (payload.Payload, error) {
		next := prev.Clone()
		if next == nil {
			next = payload.Payload{}
		}
		next[FieldIsArchived] = archived
		next[FieldIsActive] = !archived
		if archived {
			next[FieldArchivedAt] = c.now().UTC().Format(time.RFC3339)
		} else {
			next[FieldArchivedAt] = nil
		}
		return next, nil
	})
}
