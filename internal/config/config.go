package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable consumed by the relay.
const EnvPrefix = "relay"

// Config captures all runtime tunables for the relay service.
type Config struct {
	// Address is the TCP address the relay listens on for upgrades and the
	// operational HTTP surface.
	Address string `envconfig:"ADDR" default:":8090"`
	// AllowedOrigins restricts upgrade requests; empty allows any origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// JWTSecret is the shared HS256 secret used to verify bearer tokens
	// minted by the authentication service.
	JWTSecret string `envconfig:"JWT_SECRET"`
	// JWTLeeway tolerates clock skew between the relay and the token issuer.
	JWTLeeway time.Duration `envconfig:"JWT_LEEWAY" default:"2s"`

	// NATSURL points at the shared log. Empty selects the in-process bus,
	// which only serves single-instance deployments and tests.
	NATSURL string `envconfig:"NATS_URL"`
	// PublishTimeout bounds every publish onto the shared log.
	PublishTimeout time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"5s"`

	// PingInterval controls the keepalive cadence for WebSocket connections.
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	// IdleTimeout closes connections that miss liveness pongs for this long.
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"75s"`
	// MaxPayloadBytes limits inbound WebSocket frame size.
	MaxPayloadBytes int64 `envconfig:"MAX_PAYLOAD_BYTES" default:"1048576"`
	// SendQueueSize bounds the per-connection outbound queue; a full queue
	// marks the connection non-responsive.
	SendQueueSize int `envconfig:"SEND_QUEUE_SIZE" default:"256"`

	// UpgradeWindow and UpgradeBurst rate-limit upgrade attempts per
	// instance. A burst of zero disables the limiter.
	UpgradeWindow time.Duration `envconfig:"UPGRADE_WINDOW" default:"1m"`
	UpgradeBurst  int           `envconfig:"UPGRADE_BURST" default:"0"`

	Logging LoggingConfig `envconfig:"LOG"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	Path       string `envconfig:"PATH" default:"relay.log"`
	MaxSizeMB  int    `envconfig:"MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"MAX_BACKUPS" default:"10"`
	MaxAgeDays int    `envconfig:"MAX_AGE_DAYS" default:"7"`
	Compress   bool   `envconfig:"COMPRESS" default:"true"`
}

// Load reads the relay configuration from RELAY_* environment variables,
// applying sane defaults and returning descriptive errors for invalid
// overrides.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, err
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)

	var problems []string

	if cfg.JWTSecret == "" {
		problems = append(problems, "RELAY_JWT_SECRET must be provided")
	}
	if cfg.JWTLeeway < 0 {
		problems = append(problems, fmt.Sprintf("RELAY_JWT_LEEWAY must be non-negative, got %s", cfg.JWTLeeway))
	}
	if cfg.PublishTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_PUBLISH_TIMEOUT must be positive, got %s", cfg.PublishTimeout))
	}
	if cfg.PingInterval <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_PING_INTERVAL must be positive, got %s", cfg.PingInterval))
	}
	if cfg.IdleTimeout <= cfg.PingInterval {
		problems = append(problems, fmt.Sprintf("RELAY_IDLE_TIMEOUT must exceed RELAY_PING_INTERVAL, got %s <= %s", cfg.IdleTimeout, cfg.PingInterval))
	}
	if cfg.MaxPayloadBytes <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_MAX_PAYLOAD_BYTES must be positive, got %d", cfg.MaxPayloadBytes))
	}
	if cfg.SendQueueSize <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_SEND_QUEUE_SIZE must be positive, got %d", cfg.SendQueueSize))
	}
	if cfg.UpgradeWindow <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_UPGRADE_WINDOW must be positive, got %s", cfg.UpgradeWindow))
	}
	if cfg.UpgradeBurst < 0 {
		problems = append(problems, fmt.Sprintf("RELAY_UPGRADE_BURST must be non-negative, got %d", cfg.UpgradeBurst))
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_SIZE_MB must be positive, got %d", cfg.Logging.MaxSizeMB))
	}
	if cfg.Logging.MaxBackups < 0 {
		problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_BACKUPS must be non-negative, got %d", cfg.Logging.MaxBackups))
	}
	if cfg.Logging.MaxAgeDays < 0 {
		problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_AGE_DAYS must be non-negative, got %d", cfg.Logging.MaxAgeDays))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}
