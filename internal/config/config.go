package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"IDENTITY_APP_ENV" envDefault:"local"`
	LogLevel string `env:"IDENTITY_LOG_LEVEL" envDefault:"info"`
	Version  string `env:"IDENTITY_VERSION" envDefault:"dev"`
	Commit   string `env:"IDENTITY_COMMIT" envDefault:""`

	HTTPAddr     string        `env:"IDENTITY_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr     string        `env:"IDENTITY_GRPC_ADDR" envDefault:":9090"`
	ReadTimeout  time.Duration `env:"IDENTITY_HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"IDENTITY_HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	MaxBodyBytes int64         `env:"IDENTITY_HTTP_MAX_BODY_BYTES" envDefault:"65536"`
	CORSOrigins  []string      `env:"IDENTITY_CORS_ORIGINS" envSeparator:","`
	RateRPS      float64       `env:"IDENTITY_RATE_RPS" envDefault:"50"`
	RateBurst    int           `env:"IDENTITY_RATE_BURST" envDefault:"100"`

	PGDSN    string `env:"IDENTITY_PG_DSN"`
	RedisURL string `env:"IDENTITY_REDIS_URL"`

	RoleCacheTTL  time.Duration `env:"IDENTITY_ROLE_CACHE_TTL" envDefault:"30s"`
	ReconcileWait time.Duration `env:"IDENTITY_RECONCILE_WAIT" envDefault:"250ms"`

	AdminEmails        []string      `env:"IDENTITY_ADMIN_EMAILS" envSeparator:","`
	AdminAllowlistFile string        `env:"IDENTITY_ADMIN_ALLOWLIST_FILE"`
	AllowlistRefresh   time.Duration `env:"IDENTITY_ALLOWLIST_REFRESH" envDefault:"5m"`

	AuthSecret   string `env:"IDENTITY_AUTH_SECRET"`
	AuthIssuer   string `env:"IDENTITY_AUTH_ISSUER" envDefault:"covenant-auth"`
	AuthDisabled bool   `env:"IDENTITY_AUTH_DISABLED" envDefault:"false"`

	StoreTimeout       time.Duration `env:"IDENTITY_STORE_TIMEOUT" envDefault:"2s"`
	InteractiveTimeout time.Duration `env:"IDENTITY_INTERACTIVE_TIMEOUT" envDefault:"300ms"`

	RepairBatchSize   int           `env:"IDENTITY_REPAIR_BATCH_SIZE" envDefault:"200"`
	RepairConcurrency int           `env:"IDENTITY_REPAIR_CONCURRENCY" envDefault:"4"`
	RepairRate        float64       `env:"IDENTITY_REPAIR_RATE" envDefault:"0"`
	RepairTimeout     time.Duration `env:"IDENTITY_REPAIR_IDENTITY_TIMEOUT" envDefault:"5s"`

	RetryAttempts int           `env:"IDENTITY_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInitial  time.Duration `env:"IDENTITY_RETRY_INITIAL" envDefault:"50ms"`

	KafkaBrokers       []string `env:"IDENTITY_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string   `env:"IDENTITY_KAFKA_TOPIC" envDefault:"auth.identity-events"`
	KafkaGroup         string   `env:"IDENTITY_KAFKA_GROUP" envDefault:"identity-reconciler"`
	KafkaConflictTopic string   `env:"IDENTITY_KAFKA_CONFLICT_TOPIC" envDefault:"identity.conflicts"`
}

// Validate rejects combinations that would leave the service fail-open.
func (c *Config) Validate() error {
	if err := c.validateAuth(); err != nil {
		return err
	}
	return c.validateEngine()
}

func (c *Config) validateAuth() error {
	if !c.AuthDisabled && strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("IDENTITY_AUTH_SECRET is required unless IDENTITY_AUTH_DISABLED=true")
	}
	if c.AuthDisabled && c.AppEnv != "local" && c.AppEnv != "test" {
		return errors.New("IDENTITY_AUTH_DISABLED is only allowed in local or test environments")
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.RepairConcurrency <= 0 || c.RepairBatchSize <= 0 {
		return errors.New("repair batch size and concurrency must be positive")
	}
	if c.RetryAttempts <= 0 {
		return errors.New("IDENTITY_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{}, (*Config).Validate)
}

// LoadEngine loads configuration for offline tools that serve no callers and
// so need no token secret.
func LoadEngine() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{}, (*Config).validateEngine)
}

// LoadFrom parses an explicit environment instead of the process one.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ}, (*Config).Validate)
}

func parse(opts env.Options, validate func(*Config) error) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
