package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/rental-reservations/internal/idempotency"
)

const (
	keyPrefix     = "idemp:"
	lockKeyPrefix = "idemp:lock:"
)

// Idempotency is the redis idempotency.Backend. Responses and acquisition locks
// live under separate keys so a lock never shadows a stored response.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func (i *Idempotency) Get(ctx context.Context, key string) (*idempotency.Response, error) {
	val, err := i.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get idempotent response")
	}
	var resp idempotency.Response
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, errors.Wrap(err, "decode idempotent response")
	}
	return &resp, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode idempotent response")
	}
	return errors.Wrap(i.client.Set(ctx, keyPrefix+key, data, ttl).Err(), "set idempotent response")
}

func (i *Idempotency) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := i.client.SetNX(ctx, lockKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire idempotency lock")
	}
	return ok, nil
}

func (i *Idempotency) ReleaseLock(ctx context.Context, key string) error {
	return errors.Wrap(i.client.Del(ctx, lockKeyPrefix+key).Err(), "release idempotency lock")
}
