package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/overtonx/pricewatch/storage"
)

const defaultNamespace = "pricewatch:latest"

// Client is the subset of redis.Cmdable used by the cache.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	// TTL expires a flight's entry when no price was archived for it. Zero keeps it forever.
	TTL       time.Duration
	Namespace string
}

// Cache keeps the most recently archived price of every flight.
type Cache struct {
	client    Client
	ttl       time.Duration
	namespace string
}

// NewRedisClient opens a client for o. The connection is made lazily.
func NewRedisClient(o Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
}

// New wraps client. Zero Options fields fall back to defaults.
func New(client Client, o Options) *Cache {
	ns := o.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &Cache{client: client, ttl: o.TTL, namespace: ns}
}

func (c *Cache) key(flightID string) string {
	return c.namespace + ":" + flightID
}

// SetLatest overwrites the cached price of price.FlightID.
func (c *Cache) SetLatest(ctx context.Context, price storage.ArchivedPrice) error {
	if price.FlightID == "" {
		return errors.New("flight id is required")
	}
	b, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	if err := c.client.Set(ctx, c.key(price.FlightID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache latest price of %s: %w", price.FlightID, err)
	}
	return nil
}

// Latest returns the cached price of flightID. ok is false when nothing is cached.
func (c *Cache) Latest(ctx context.Context, flightID string) (price storage.ArchivedPrice, ok bool, err error) {
	b, err := c.client.Get(ctx, c.key(flightID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ArchivedPrice{}, false, nil
	}
	if err != nil {
		return storage.ArchivedPrice{}, false, fmt.Errorf("failed to read latest price of %s: %w", flightID, err)
	}
	if err := json.Unmarshal(b, &price); err != nil {
		return storage.ArchivedPrice{}, false, fmt.Errorf("corrupt cache entry for %s: %w", flightID, err)
	}
	return price, true, nil
}
