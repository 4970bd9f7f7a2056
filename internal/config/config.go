package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Third-party marketplace provider.
	ProviderBaseURL  string        `env:"PROVIDER_BASE_URL,notEmpty"`
	ProviderTokenURL string        `env:"PROVIDER_TOKEN_URL,notEmpty"`
	ProviderAPIKey   string        `env:"PROVIDER_API_KEY,notEmpty"`
	ProviderSecret   string        `env:"PROVIDER_API_SECRET"`
	RequestTimeout   time.Duration `env:"PROVIDER_REQUEST_TIMEOUT" envDefault:"30s"`

	// Queue tuning.
	MaxConcurrent int           `env:"QUEUE_MAX_CONCURRENT" envDefault:"3"`
	MaxRetries    int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	RetryDelay    time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"5s"`
	PollInterval  time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`

	// Cron upload worker.
	CronBatchSize  int           `env:"UPLOAD_BATCH_SIZE" envDefault:"5"`
	VerifyAttempts int           `env:"UPLOAD_VERIFY_ATTEMPTS" envDefault:"5"`
	VerifyDelay    time.Duration `env:"UPLOAD_VERIFY_DELAY" envDefault:"2s"`

	// Tiered cache.
	CachePrefix    string        `env:"CACHE_PREFIX" envDefault:"dm:cache"`
	CacheThreshold int           `env:"CACHE_SIZE_THRESHOLD" envDefault:"65536"`
	CacheMaxAge    time.Duration `env:"CACHE_MAX_AGE" envDefault:"1h"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
