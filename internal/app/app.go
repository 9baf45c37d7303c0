// Package app connects the stores and builds the services shared by the binaries.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/rental-reservations/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/rental-reservations/internal/adapters/mongo"
	paymentsadapter "github.com/robertarktes/rental-reservations/internal/adapters/payments"
	redisadapter "github.com/robertarktes/rental-reservations/internal/adapters/redis"
	"github.com/robertarktes/rental-reservations/internal/availability"
	"github.com/robertarktes/rental-reservations/internal/booking"
	"github.com/robertarktes/rental-reservations/internal/calendar"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/config"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/idempotency"
	"github.com/robertarktes/rental-reservations/internal/lifecycle"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/pricing"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Infra holds the store connections of one process.
type Infra struct {
	Pool    *pgxpool.Pool
	Repo    *crdb.Repository
	Mongo   *mongo.Client
	Catalog *mongoadapter.CatalogRepository
	Audit   *mongoadapter.AuditLogger
	Redis   *redisclient.Client
	Cache   *redisadapter.Cache
}

func Connect(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Infra, error) {
	if cfg.CRDBDSN == "" {
		return nil, errors.New("CRDB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect to crdb")
	}
	infra := &Infra{Pool: pool, Repo: crdb.NewRepository(pool)}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		infra.Close()
		return nil, errors.Wrap(err, "connect to mongo")
	}
	infra.Mongo = mongoClient
	db := mongoClient.Database(cfg.MongoDatabase)
	infra.Catalog = mongoadapter.NewCatalogRepository(db, logger)
	infra.Audit = mongoadapter.NewAuditLogger(db, logger)

	infra.Redis = redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	infra.Cache = redisadapter.NewCache(infra.Redis)
	return infra, nil
}

func (i *Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = i.Mongo.Disconnect(ctx)
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}

// Dispatcher fans events out to the outbox and the audit log.
func (i *Infra) Dispatcher(logger observability.Logger) *events.Dispatcher {
	return events.NewDispatcher(logger, 5*time.Second, i.Repo, i.Audit)
}

func NewQuoter(cfg *config.Config) (*pricing.RateQuoter, error) {
	fee, err := decimal.NewFromString(cfg.FeeRate)
	if err != nil {
		return nil, errors.Wrapf(err, "FEE_RATE %q", cfg.FeeRate)
	}
	tax, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return nil, errors.Wrapf(err, "TAX_RATE %q", cfg.TaxRate)
	}
	discounts := make(map[string]pricing.Discount, len(cfg.Discounts))
	for code, d := range cfg.Discounts {
		pct := decimal.Zero
		if d.Percent != "" {
			if pct, err = decimal.NewFromString(d.Percent); err != nil {
				return nil, errors.Wrapf(err, "discount %s percent", code)
			}
		}
		discounts[code] = pricing.Discount{Percent: pct, FixedCents: d.FixedCents}
	}
	return pricing.NewRateQuoter(fee, tax, discounts), nil
}

type Services struct {
	Reader      *availability.Reader
	Idempotency *idempotency.Idempotency
	Booking     *booking.Service
	Lifecycle   *lifecycle.Service
}

// Services builds the domain services over the connected stores.
func (i *Infra) Services(cfg *config.Config, logger observability.Logger, emitter events.Emitter) (*Services, error) {
	if cfg.PaymentsBaseURL == "" {
		return nil, errors.New("PAYMENTS_BASE_URL is required")
	}
	quoter, err := NewQuoter(cfg)
	if err != nil {
		return nil, err
	}
	validator, err := lifecycle.NewCheckpointValidator(cfg.PhotoHosts)
	if err != nil {
		return nil, err
	}
	processor := paymentsadapter.NewClient(cfg.PaymentsBaseURL, cfg.PaymentsAPIKey)
	clk := clock.Real{}

	reader := availability.NewReader(i.Catalog, i.Repo, calendar.NewGranularityRule(cfg.HourlyCategories), clk, cfg.MaxWindowBuckets)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(i.Redis), cfg.IdempotencyTTL,
		idempotency.WithLockTTL(cfg.IdempotencyLockTTL),
		idempotency.WithMaxWait(cfg.IdempotencyWait),
		idempotency.WithLogger(logger),
	)
	return &Services{
		Reader:      reader,
		Idempotency: idemp,
		Booking: booking.NewService(booking.Deps{
			Reader:       reader,
			Quoter:       quoter,
			Payments:     processor,
			Locks:        i.Repo,
			Reservations: i.Repo,
			Idempotency:  idemp,
			Events:       emitter,
			Clock:        clk,
			Logger:       logger,
		}, cfg.HoldTTL),
		Lifecycle: lifecycle.NewService(lifecycle.Deps{
			Reservations: i.Repo,
			Locks:        i.Repo,
			Payments:     processor,
			Validator:    validator,
			Events:       emitter,
			Clock:        clk,
			Logger:       logger,
		}, cfg.CheckoutGrace),
	}, nil
}
