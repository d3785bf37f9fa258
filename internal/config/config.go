package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Background engine tuning.
	SLASweepInterval        time.Duration `mapstructure:"SLA_SWEEP_INTERVAL"`
	SLASweepBatch           int           `mapstructure:"SLA_SWEEP_BATCH"`
	EscalationSweepInterval time.Duration `mapstructure:"ESCALATION_SWEEP_INTERVAL"`
	DefaultEscalationRole   string        `mapstructure:"DEFAULT_ESCALATION_ROLE"`
	DispatchPollInterval    time.Duration `mapstructure:"DISPATCH_POLL_INTERVAL"`
	DispatchWorkers         int           `mapstructure:"DISPATCH_WORKERS"`
	DispatchBatch           int           `mapstructure:"DISPATCH_BATCH"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SLA_SWEEP_INTERVAL", "30s")
	v.SetDefault("SLA_SWEEP_BATCH", 100)
	v.SetDefault("ESCALATION_SWEEP_INTERVAL", "1m")
	v.SetDefault("DEFAULT_ESCALATION_ROLE", "charge_nurse")
	v.SetDefault("DISPATCH_POLL_INTERVAL", "5s")
	v.SetDefault("DISPATCH_WORKERS", 4)
	v.SetDefault("DISPATCH_BATCH", 50)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("SLA_SWEEP_INTERVAL")
	v.BindEnv("SLA_SWEEP_BATCH")
	v.BindEnv("ESCALATION_SWEEP_INTERVAL")
	v.BindEnv("DEFAULT_ESCALATION_ROLE")
	v.BindEnv("DISPATCH_POLL_INTERVAL")
	v.BindEnv("DISPATCH_WORKERS")
	v.BindEnv("DISPATCH_BATCH")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run with. Interval knobs
// must stay positive or the background engines would spin or stall.
func (c *Config) Validate() error {
	if c.SLASweepInterval <= 0 {
		return fmt.Errorf("SLA_SWEEP_INTERVAL must be positive, got %s", c.SLASweepInterval)
	}
	if c.EscalationSweepInterval <= 0 {
		return fmt.Errorf("ESCALATION_SWEEP_INTERVAL must be positive, got %s", c.EscalationSweepInterval)
	}
	if c.DispatchPollInterval <= 0 {
		return fmt.Errorf("DISPATCH_POLL_INTERVAL must be positive, got %s", c.DispatchPollInterval)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.DispatchWorkers)
	}
	if c.DefaultEscalationRole == "" {
		return fmt.Errorf("DEFAULT_ESCALATION_ROLE must not be empty")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
