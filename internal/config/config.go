package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Discount struct {
	Percent    string `yaml:"percent"`
	FixedCents int64  `yaml:"fixed_cents"`
}

type Config struct {
	CRDBDSN       string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RabbitURL     string
	KafkaBrokers  []string
	KafkaTopic    string
	JWTPublicKey  string
	HTTPAddr      string
	OTLPEndpoint  string

	HoldTTL            time.Duration
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	IdempotencyWait    time.Duration
	CheckoutGrace      time.Duration
	SweepInterval      time.Duration
	OutboxInterval     time.Duration
	MaxWindowBuckets   int

	HourlyCategories []string
	PhotoHosts       []string
	FeeRate          string
	TaxRate          string
	Discounts        map[string]Discount

	PaymentsBaseURL string
	PaymentsAPIKey  string
	WebhookSecret   string
}

// overlay is the optional YAML file named by RESERVATIONS_CONFIG. Any value it sets
// replaces the one taken from the environment.
type overlay struct {
	HourlyCategories []string            `yaml:"hourly_categories"`
	PhotoHosts       []string            `yaml:"photo_hosts"`
	FeeRate          string              `yaml:"fee_rate"`
	TaxRate          string              `yaml:"tax_rate"`
	Discounts        map[string]Discount `yaml:"discounts"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CRDBDSN:       os.Getenv("CRDB_DSN"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: envOr("MONGO_DATABASE", "rentals"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RabbitURL:     os.Getenv("RABBIT_URL"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    envOr("KAFKA_TOPIC", "reservation-events"),
		JWTPublicKey:  os.Getenv("JWT_PUBLIC_KEY"),
		HTTPAddr:      envOr("HTTP_ADDR", ":8080"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		HoldTTL:            durationOr("HOLD_TTL", 30*time.Minute),
		IdempotencyTTL:     durationOr("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyLockTTL: durationOr("IDEMPOTENCY_LOCK_TTL", 10*time.Second),
		IdempotencyWait:    durationOr("IDEMPOTENCY_WAIT", 3*time.Second),
		CheckoutGrace:      durationOr("CHECKOUT_GRACE", 12*time.Hour),
		SweepInterval:      durationOr("SWEEP_INTERVAL", time.Minute),
		OutboxInterval:     durationOr("OUTBOX_INTERVAL", 5*time.Second),
		MaxWindowBuckets:   intOr("MAX_WINDOW_BUCKETS", 2000),

		HourlyCategories: splitList(envOr("HOURLY_CATEGORIES", "tools,equipment,vehicles-hourly,spaces")),
		PhotoHosts:       splitList(os.Getenv("PHOTO_HOSTS")),
		FeeRate:          envOr("FEE_RATE", "0.10"),
		TaxRate:          envOr("TAX_RATE", "0"),

		PaymentsBaseURL: os.Getenv("PAYMENTS_BASE_URL"),
		PaymentsAPIKey:  os.Getenv("PAYMENTS_API_KEY"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
	}

	if path := os.Getenv("RESERVATIONS_CONFIG"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config overlay %s", path)
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return errors.Wrapf(err, "parse config overlay %s", path)
	}
	if len(o.HourlyCategories) > 0 {
		c.HourlyCategories = o.HourlyCategories
	}
	if len(o.PhotoHosts) > 0 {
		c.PhotoHosts = o.PhotoHosts
	}
	if o.FeeRate != "" {
		c.FeeRate = o.FeeRate
	}
	if o.TaxRate != "" {
		c.TaxRate = o.TaxRate
	}
	if len(o.Discounts) > 0 {
		c.Discounts = o.Discounts
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d <= 0 {
		return def
	}
	return d
}

func intOr(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
