package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Mongo   MongoConfig
	Redis   RedisConfig
	Catalog CatalogConfig
	Kafka   KafkaConfig
	Cart    CartConfig
	Log     LogConfig
}

type AppConfig struct {
	Name string
	Env  string // development, production
}

type HTTPConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

type MongoConfig struct {
	URI    string
	DBName string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CatalogConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	CheckoutTopic string
	GroupID       string
}

// CartConfig holds the engine policy knobs.
type CartConfig struct {
	Currency            string
	MaxQuantityPerOrder int
	GuestTTL            time.Duration
	UserTTL             time.Duration
	CacheGuestTTL       time.Duration
	CacheUserTTL        time.Duration
	WriteRetries        int

	// ReconcileTransplantItems controls whether duplicate-active reconciliation
	// moves items from discarded carts into the primary. Off by default: the
	// upstream behavior marks duplicates MERGED without transplanting.
	ReconcileTransplantItems bool

	SweepEnabled      bool
	ExpireInterval    time.Duration
	ReconcileInterval time.Duration
	SweepBatchSize    int
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Load reads configuration from an optional config file and the environment.
// Environment variables replace the key dots with underscores, e.g.
// CART_GUESTTTL overrides cart.guestttl.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cart-engine")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.readtimeout", 10*time.Second)
	v.SetDefault("http.writetimeout", 15*time.Second)
	v.SetDefault("http.requesttimeout", 10*time.Second)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.dbname", "cartdb")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("catalog.baseurl", "http://localhost:8081")
	v.SetDefault("catalog.timeout", 2*time.Second)
	v.SetDefault("catalog.retries", 2)
	v.SetDefault("catalog.retrydelay", 200*time.Millisecond)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.checkouttopic", "checkout-outbox")
	v.SetDefault("kafka.groupid", "cart-engine")

	v.SetDefault("cart.currency", "USD")
	v.SetDefault("cart.maxquantityperorder", 99)
	v.SetDefault("cart.guestttl", 7*24*time.Hour)
	v.SetDefault("cart.userttl", 30*24*time.Hour)
	v.SetDefault("cart.cacheguestttl", 15*time.Minute)
	v.SetDefault("cart.cacheuserttl", time.Hour)
	v.SetDefault("cart.writeretries", 3)
	v.SetDefault("cart.reconciletransplantitems", false)
	v.SetDefault("cart.sweepenabled", true)
	v.SetDefault("cart.expireinterval", time.Minute)
	v.SetDefault("cart.reconcileinterval", 5*time.Minute)
	v.SetDefault("cart.sweepbatchsize", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func (c *Config) validate() error {
	if c.Cart.MaxQuantityPerOrder <= 0 {
		return fmt.Errorf("cart.maxquantityperorder must be positive, got %d", c.Cart.MaxQuantityPerOrder)
	}
	if c.Cart.GuestTTL <= 0 || c.Cart.UserTTL <= 0 {
		return fmt.Errorf("cart TTLs must be positive")
	}
	if c.Cart.GuestTTL > c.Cart.UserTTL {
		return fmt.Errorf("cart.guestttl must not exceed cart.userttl")
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	return nil
}
