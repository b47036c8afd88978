package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keyWebhookSeen  = "webhook:seen:%s:%s"
	defaultDedupTTL = 24 * time.Hour
)

// EventDedup is a short-lived set of processed webhook event ids.
// It is a fast path only; reconcilers stay idempotent without it.
type EventDedup interface {
	Seen(ctx context.Context, signingDomain, eventID string) (bool, error)
	Mark(ctx context.Context, signingDomain, eventID string) error
}

type redisEventDedup struct {
	client *redis.Client
	ttl    time.Duration
}

type nopEventDedup struct{}

func NewEventDedup(client *redis.Client) EventDedup {
	if client == nil {
		return nopEventDedup{}
	}
	return NewRedisEventDedup(client, defaultDedupTTL)
}

func NewRedisEventDedup(client *redis.Client, ttl time.Duration) EventDedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &redisEventDedup{client: client, ttl: ttl}
}

func (d *redisEventDedup) Seen(ctx context.Context, signingDomain, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	_, err := d.client.Get(ctx, fmt.Sprintf(keyWebhookSeen, signingDomain, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *redisEventDedup) Mark(ctx context.Context, signingDomain, eventID string) error {
	if eventID == "" {
		return nil
	}
	return d.client.Set(ctx, fmt.Sprintf(keyWebhookSeen, signingDomain, eventID), time.Now().UTC().Unix(), d.ttl).Err()
}

func (nopEventDedup) Seen(context.Context, string, string) (bool, error) { return false, nil }

func (nopEventDedup) Mark(context.Context, string, string) error { return nil }
