// Package config assembles the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"coinwallet/internal/checkout"
	"coinwallet/internal/common/database"
	"coinwallet/internal/common/nats"
	"coinwallet/internal/password"
	"coinwallet/internal/providers/catalog"
	"coinwallet/internal/providers/orders"
)

// Config holds service configuration
type Config struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	Environment     string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	JWTSecret          string   `envconfig:"AUTH_JWT_SECRET" required:"true"`
	JWTIssuer          string   `envconfig:"AUTH_JWT_ISSUER"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	Database database.Config
	NATS     nats.Config
	Password password.Options
	Checkout checkout.Config
	Catalog  catalog.Config
	Orders   orders.Config
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("AUTH_JWT_SECRET must be at least 32 bytes")
	}
	if c.Password.MaxAttempts < 1 {
		return errors.New("PASSWORD_MAX_ATTEMPTS must be at least 1")
	}
	if c.Password.LockDuration <= 0 {
		return errors.New("PASSWORD_LOCK_DURATION must be positive")
	}
	if c.Checkout.OrderAttempts < 1 || c.Checkout.RefundAttempts < 1 {
		return errors.New("CHECKOUT_ORDER_ATTEMPTS and CHECKOUT_REFUND_ATTEMPTS must be at least 1")
	}
	if c.Catalog.BaseURL == "" || c.Orders.BaseURL == "" {
		return errors.New("CATALOG_BASE_URL and ORDER_SERVICE_BASE_URL are required")
	}
	return nil
}
