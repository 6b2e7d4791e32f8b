package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	Storage       string   `mapstructure:"STORAGE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`

	RedisURL     string   `mapstructure:"REDIS_URL"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	VideoProvider      string `mapstructure:"VIDEO_PROVIDER"`
	TwilioAccountSID   string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAPIKeySID    string `mapstructure:"TWILIO_API_KEY_SID"`
	TwilioAPIKeySecret string `mapstructure:"TWILIO_API_KEY_SECRET"`
	JitsiDomain        string `mapstructure:"JITSI_DOMAIN"`
	JitsiAppID         string `mapstructure:"JITSI_APP_ID"`
	JitsiAppSecret     string `mapstructure:"JITSI_APP_SECRET"`
	SessionTokenSecret string `mapstructure:"SESSION_TOKEN_SECRET"`

	MinLeadTime          time.Duration `mapstructure:"MIN_LEAD_TIME"`
	MaxAdvanceWindow     time.Duration `mapstructure:"MAX_ADVANCE_WINDOW"`
	CheckInWindow        time.Duration `mapstructure:"CHECK_IN_WINDOW"`
	NoShowGrace          time.Duration `mapstructure:"NO_SHOW_GRACE"`
	WaitingRoomTimeout   time.Duration `mapstructure:"WAITING_ROOM_TIMEOUT"`
	TimeoutSweepSchedule string        `mapstructure:"TIMEOUT_SWEEP_SCHEDULE"`
	NoShowSweepSchedule  string        `mapstructure:"NO_SHOW_SWEEP_SCHEDULE"`
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "METRICS_ENABLED", "REDIS_URL", "KAFKA_BROKERS",
	"KAFKA_TOPIC", "VIDEO_PROVIDER", "TWILIO_ACCOUNT_SID", "TWILIO_API_KEY_SID",
	"TWILIO_API_KEY_SECRET", "JITSI_DOMAIN", "JITSI_APP_ID", "JITSI_APP_SECRET",
	"SESSION_TOKEN_SECRET", "MIN_LEAD_TIME", "MAX_ADVANCE_WINDOW", "CHECK_IN_WINDOW",
	"NO_SHOW_GRACE", "WAITING_ROOM_TIMEOUT", "TIMEOUT_SWEEP_SCHEDULE", "NO_SHOW_SWEEP_SCHEDULE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("KAFKA_TOPIC", "telehealth.events")
	v.SetDefault("VIDEO_PROVIDER", "local")
	v.SetDefault("MIN_LEAD_TIME", "1h")
	v.SetDefault("MAX_ADVANCE_WINDOW", "1440h")
	v.SetDefault("CHECK_IN_WINDOW", "15m")
	v.SetDefault("NO_SHOW_GRACE", "15m")
	v.SetDefault("WAITING_ROOM_TIMEOUT", "30m")
	v.SetDefault("TIMEOUT_SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("NO_SHOW_SWEEP_SCHEDULE", "@every 5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
	}
	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" under
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if !c.IsDev() && c.SessionTokenSecret == "" {
		return fmt.Errorf("SESSION_TOKEN_SECRET is required outside development")
	}

	switch c.VideoProvider {
	case "local":
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAPIKeySID == "" || c.TwilioAPIKeySecret == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_API_KEY_SID and TWILIO_API_KEY_SECRET are required for VIDEO_PROVIDER=twilio")
		}
	case "jitsi":
		if c.JitsiDomain == "" || c.JitsiAppID == "" || c.JitsiAppSecret == "" {
			return fmt.Errorf("JITSI_DOMAIN, JITSI_APP_ID and JITSI_APP_SECRET are required for VIDEO_PROVIDER=jitsi")
		}
	default:
		return fmt.Errorf("VIDEO_PROVIDER must be local, twilio or jitsi, got %q", c.VideoProvider)
	}

	if c.MinLeadTime < 0 || c.MaxAdvanceWindow <= c.MinLeadTime {
		return fmt.Errorf("MAX_ADVANCE_WINDOW (%s) must exceed MIN_LEAD_TIME (%s)", c.MaxAdvanceWindow, c.MinLeadTime)
	}
	if c.WaitingRoomTimeout <= 0 {
		return fmt.Errorf("WAITING_ROOM_TIMEOUT must be positive")
	}
	return nil
}
