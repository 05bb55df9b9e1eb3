// Package rediscache backs the optimistic cache and the snapshot KV with
// Redis so several editor processes share one view.
package rediscache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carlosandia/crm-renove-sub007/internal/ids"
	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// DefaultPrefix namespaces cache entries.
const DefaultPrefix = "pipeline:cache:"

// DefaultChannel carries cache events between processes.
const DefaultChannel = "pipeline:cache:events"

// envelope is the wire form of an event on the channel. Origin lets a
// process skip its own events, which it already delivered locally.
type envelope struct {
	Origin string           `json:"origin"`
	Event  optimistic.Event `json:"event"`
}

// Cache is an optimistic.Cache over Redis strings. Events are delivered
// to local subscribers immediately and fanned out to other processes over
// PUBLISH; Listen receives theirs.
//
// Thread-safety: Cache is safe for concurrent use.
type Cache struct {
	optimistic.Subscribers

	client  *redis.Client
	prefix  string
	channel string
	origin  string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(c *Cache) { c.prefix = p }
}

// WithChannel sets the event channel.
func WithChannel(ch string) Option {
	return func(c *Cache) { c.channel = ch }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithOrigin sets the id this process stamps on published events.
func WithOrigin(g ids.Generator) Option {
	return func(c *Cache) { c.origin = g.Generate() }
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewCache creates a cache on client. The client is owned by the caller.
func NewCache(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		prefix:  DefaultPrefix,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.origin == "" {
		c.origin = ids.UUIDv7{}.Generate()
	}
	return c
}

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) Read(ctx context.Context, key string) (payload.Payload, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	p, err := payload.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return p, true, nil
}

func (c *Cache) Write(ctx context.Context, key string, value payload.Payload) error {
	if value == nil {
		value = payload.Payload{}
	}
	data, err := payload.MarshalCanonical(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Publish delivers ev to local subscribers, then to other processes.
func (c *Cache) Publish(ctx context.Context, ev optimistic.Event) error {
	c.Deliver(ev)
	data, err := json.Marshal(envelope{Origin: c.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Key, err)
	}
	if err := c.client.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Key, err)
	}
	return nil
}

// Invalidate drops keys in one DEL and publishes an Invalidated event
// for each.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	var errs []error
	for _, k := range keys {
		errs = append(errs, c.Publish(ctx, optimistic.Event{Kind: optimistic.Invalidated, Key: k}))
	}
	return errors.Join(errs...)
}

// Listen subscribes to the event channel and delivers events from other
// processes to local subscribers until ctx ends or Close is called. It
// returns once the subscription is confirmed.
func (c *Cache) Listen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		return nil
	}
	ps := c.client.Subscribe(ctx, c.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	c.pubsub = ps
	c.done = make(chan struct{})
	go c.receive(ctx, ps, c.done)
	return nil
}

func (c *Cache) receive(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			dec := json.NewDecoder(bytes.NewReader([]byte(msg.Payload)))
			dec.UseNumber()
			if err := dec.Decode(&env); err != nil {
				c.logger.Warn("bad cache event", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == c.origin {
				continue
			}
			c.Deliver(env.Event)
		}
	}
}

// Close stops Listen. The client stays open.
func (c *Cache) Close() error {
	c.mu.Lock()
	ps, done := c.pubsub, c.done
	c.pubsub, c.done = nil, nil
	c.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
