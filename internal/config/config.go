package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	DBHost         string `envconfig:"DB_HOST" default:"postgres"`
	DBPort         int    `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"hnharvest"`
	DBPass         string `envconfig:"DB_PASS" default:"password"`
	DBName         string `envconfig:"DB_NAME" default:"hacker_news"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"0"`
	MigrationPath  string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Upstream
	HNBaseURL           string        `envconfig:"HN_BASE_URL" default:"https://hacker-news.firebaseio.com/v0"`
	HNRequestTimeout    time.Duration `envconfig:"HN_REQUEST_TIMEOUT" default:"10s"`
	HNRequestsPerSecond float64       `envconfig:"HN_REQUESTS_PER_SECOND" default:"0"`
	HNRateBurst         int           `envconfig:"HN_RATE_BURST" default:"50"`

	// Queue
	ChunkSize       int64         `envconfig:"CHUNK_SIZE" default:"10000"`
	StaleClaimAfter time.Duration `envconfig:"STALE_CLAIM_AFTER" default:"30m"`

	// Worker
	WorkerCount         int           `envconfig:"WORKER_COUNT" default:"4"`
	WorkerSlot          int           `envconfig:"HNHARVEST_WORKER_SLOT" default:"-1"`
	FetchConcurrency    int           `envconfig:"FETCH_CONCURRENCY" default:"200"`
	BatchSize           int           `envconfig:"BATCH_SIZE" default:"1000"`
	FetchMaxRetries     int           `envconfig:"FETCH_MAX_RETRIES" default:"5"`
	FetchBackoffInitial time.Duration `envconfig:"FETCH_BACKOFF_INITIAL" default:"250ms"`
	FetchBackoffMax     time.Duration `envconfig:"FETCH_BACKOFF_MAX" default:"10s"`
	StoreMaxRetries     int           `envconfig:"STORE_MAX_RETRIES" default:"8"`
	StoreBackoffInitial time.Duration `envconfig:"STORE_BACKOFF_INITIAL" default:"500ms"`
	StoreBackoffMax     time.Duration `envconfig:"STORE_BACKOFF_MAX" default:"30s"`

	// Dispatcher
	WorkerMaxRestarts int           `envconfig:"WORKER_MAX_RESTARTS" default:"3"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"2s"`
	StatusAddr        string        `envconfig:"STATUS_ADDR" default:":8081"`

	// Trends
	TrendCacheTTL time.Duration `envconfig:"TREND_CACHE_TTL" default:"1h"`

	// Messaging, empty NSQDHost disables event publishing
	NSQDHost string `envconfig:"NSQD_HOST"`
	NSQDHTTP string `envconfig:"NSQD_HTTP"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.HNBaseURL == "" {
		return fmt.Errorf("%w: HN_BASE_URL", ErrMissingRequired)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalidValue)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("%w: WORKER_COUNT must be positive", ErrInvalidValue)
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("%w: FETCH_CONCURRENCY must be positive", ErrInvalidValue)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE must be positive", ErrInvalidValue)
	}
	return nil
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// PoolSize is the per-process connection ceiling. Fetches never hold a
// connection, so the pool only has to cover the writer, claim/complete calls
// and failure recording with room to spare.
func (c *Config) PoolSize() int {
	if c.DBMaxOpenConns > 0 {
		return c.DBMaxOpenConns
	}
	n := c.FetchConcurrency/4 + 8
	if n > 64 {
		n = 64
	}
	return n
}
