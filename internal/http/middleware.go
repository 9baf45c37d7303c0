package http

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const (
	ActorHeader          = "X-Actor-ID"
	IdempotencyKeyHeader = "Idempotency-Key"

	minIdempotencyKey = 8
	maxIdempotencyKey = 255
)

type actorKey struct{}

// ActorFrom returns the authenticated caller, or "" on public routes.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Limiter is satisfied by rateLimit.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string, rate int, period time.Duration) bool
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithFields(map[string]interface{}{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			ctx := observability.ContextWithLogger(r.Context(), entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetricsMiddleware counts requests by route pattern so IDs do not explode the label set.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
	})
}

// ActorVerifier resolves the caller of a request.
type ActorVerifier struct {
	key *rsa.PublicKey
}

// NewActorVerifier verifies RS256 bearer tokens when pemKey is set. Without a key
// the caller is taken from the X-Actor-ID header, which is only fit behind a
// trusted gateway.
func NewActorVerifier(pemKey string) (*ActorVerifier, error) {
	if strings.TrimSpace(pemKey) == "" {
		return &ActorVerifier{}, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt public key")
	}
	return &ActorVerifier{key: key}, nil
}

func (v *ActorVerifier) actor(r *http.Request) (string, error) {
	if v.key == nil {
		return strings.TrimSpace(r.Header.Get(ActorHeader)), nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}
	return token.Claims.GetSubject()
}

// RequireActor rejects requests without an identifiable caller and stores the
// caller on the context and the request logger.
func RequireActor(v *ActorVerifier, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := v.actor(r)
			if err != nil || actor == "" {
				if err != nil {
					observability.LoggerFrom(r.Context(), logger).WithError(err).Debug("rejected credentials")
				}
				writeError(w, r, logger, domain.Unauthorized("caller could not be identified"))
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			ctx = observability.ContextWithLogger(ctx, observability.LoggerFrom(ctx, logger).WithField("actor_id", actor))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdempotencyKeyMiddleware only checks the shape of a supplied key; handlers decide
// what the key covers.
func IdempotencyKeyMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key != "" && !validIdempotencyKey(key) {
				writeError(w, r, logger, domain.InvalidBody("invalid Idempotency-Key", map[string]string{
					IdempotencyKeyHeader: "must be 8 to 255 printable characters",
				}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validIdempotencyKey(key string) bool {
	if len(key) < minIdempotencyKey || len(key) > maxIdempotencyKey {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

func RateLimitMiddleware(rl Limiter, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed := rl.Allow(r.Context(), "ip:"+clientIP(r), 300, time.Minute)
			if actor := ActorFrom(r.Context()); allowed && actor != "" {
				allowed = rl.Allow(r.Context(), "actor:"+actor, 60, time.Minute)
			}
			if !allowed {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "RATE_LIMITED", Message: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
