package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/robertarktes/rental-reservations/internal/observability"
)

// Response is what a retried call gets back verbatim.
type Response struct {
	Status int    `json:"status"`
	Result []byte `json:"result"`
}

// Backend stores responses and the short-lived acquisition lock for a key.
type Backend interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

type Idempotency struct {
	backend      Backend
	ttl          time.Duration
	lockTTL      time.Duration
	maxWait      time.Duration
	pollInterval time.Duration
	logger       observability.Logger
}

type Option func(*Idempotency)

func WithLockTTL(d time.Duration) Option {
	return func(i *Idempotency) {
		if d > 0 {
			i.lockTTL = d
		}
	}
}

// WithMaxWait bounds how long a duplicate waits for the first caller's result.
func WithMaxWait(d time.Duration) Option {
	return func(i *Idempotency) {
		if d > 0 {
			i.maxWait = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(i *Idempotency) {
		if d > 0 {
			i.pollInterval = d
		}
	}
}

func WithLogger(l observability.Logger) Option {
	return func(i *Idempotency) {
		if l != nil {
			i.logger = l
		}
	}
}

func NewIdempotency(backend Backend, ttl time.Duration, opts ...Option) *Idempotency {
	i := &Idempotency{
		backend:      backend,
		ttl:          ttl,
		lockTTL:      10 * time.Second,
		maxWait:      3 * time.Second,
		pollInterval: 50 * time.Millisecond,
		logger:       observability.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL is the default lifetime of stored responses.
func (i *Idempotency) TTL() time.Duration {
	return i.ttl
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	return i.backend.Get(ctx, key)
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.backend.Set(ctx, key, resp, i.ttl)
}

// GetOrCompute returns the stored response for key, or runs compute and stores its
// result for ttl (the default TTL when ttl is zero). Concurrent callers with the same
// key wait up to the configured bound for the first one to finish; if it never does
// they compute on their own. A compute error is returned and nothing is stored.
func (i *Idempotency) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (Response, error)) (Response, bool, error) {
	return i.GetOrRecompute(ctx, key, ttl, nil, compute)
}

// GetOrRecompute is GetOrCompute for results that can go stale before their TTL:
// a stored response for which stale reports true counts as missing, and its
// replacement is computed under the same acquisition lock, so concurrent retries
// still compute once. stale may be nil.
func (i *Idempotency) GetOrRecompute(ctx context.Context, key string, ttl time.Duration, stale func(Response) bool, compute func(ctx context.Context) (Response, error)) (Response, bool, error) {
	if ttl <= 0 {
		ttl = i.ttl
	}
	usable := func(r *Response) bool {
		return r != nil && (stale == nil || !stale(*r))
	}

	if existing, err := i.backend.Get(ctx, key); err != nil {
		return Response{}, false, err
	} else if usable(existing) {
		observability.IdempotencyReplays.Inc()
		return *existing, true, nil
	}

	acquired, err := i.backend.AcquireLock(ctx, key, i.lockTTL)
	if err != nil {
		i.logger.WithError(err).Warn("idempotency lock unavailable, computing without it")
	}
	if err == nil && !acquired {
		resp, found, err := i.wait(ctx, key, usable)
		if err != nil {
			return Response{}, false, err
		}
		if found {
			observability.IdempotencyReplays.Inc()
			return resp, true, nil
		}
		i.logger.WithField("wait", i.maxWait.String()).Warn("idempotent duplicate gave up waiting, computing")
	}
	if acquired {
		defer func() {
			if err := i.backend.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
				i.logger.WithError(err).Warn("failed to release idempotency lock")
			}
		}()
		// the previous holder may have stored its result between our Get and the lock
		if existing, err := i.backend.Get(ctx, key); err == nil && usable(existing) {
			observability.IdempotencyReplays.Inc()
			return *existing, true, nil
		}
	}

	resp, err := compute(ctx)
	if err != nil {
		return Response{}, false, err
	}
	if err := i.backend.Set(ctx, key, resp, ttl); err != nil {
		i.logger.WithError(err).Error("failed to store idempotent response")
	}
	return resp, false, nil
}

func (i *Idempotency) wait(ctx context.Context, key string, usable func(*Response) bool) (Response, bool, error) {
	deadline := time.NewTimer(i.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Response{}, false, ctx.Err()
		case <-deadline.C:
			return Response{}, false, nil
		case <-ticker.C:
			existing, err := i.backend.Get(ctx, key)
			if err != nil {
				return Response{}, false, err
			}
			if usable(existing) {
				return *existing, true, nil
			}
		}
	}
}

// Key derives the cache key for one operation scope. A caller token wins; without one
// the fingerprint parts identify the request.
func Key(scope, token string, fingerprint ...string) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	if token = strings.TrimSpace(token); token != "" {
		h.Write([]byte("token"))
		h.Write([]byte{0})
		h.Write([]byte(token))
	} else {
		h.Write([]byte("fingerprint"))
		for _, part := range fingerprint {
			h.Write([]byte{0})
			h.Write([]byte(part))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
