package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Auth     AuthConfig
	Policy   PolicyConfig
	Gateway  GatewayConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Addr string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	LogLevel        string // silent, error, warn, info
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// shared profile cache and falls back to an in-process one.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	ProfileTTL time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig configures verification of bearer tokens minted by the
// identity provider.
type AuthConfig struct {
	Secret string
	Issuer string
}

// PolicyConfig holds the circulation policy constants.
type PolicyConfig struct {
	MaxBooksPerMember  int
	BorrowPeriodDays   int
	DailyFineRate      decimal.Decimal
	GracePeriodDays    int
	MaxRenewalsAllowed int
	ExtensionGraceDays int
	MaxFineAmount      decimal.Decimal // zero means uncapped
	LostFineAmount     decimal.Decimal
	DamagedFineAmount  decimal.Decimal
}

// GatewayConfig configures the payment gateway collaborator.
type GatewayConfig struct {
	Mode          string // simulated, http
	URL           string
	APIKey        string
	Timeout       time.Duration
	PendingTTL    time.Duration
	SweepInterval time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CIRC_ prefix (e.g., CIRC_DATABASE_DSN)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/circulation")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CIRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Addr: v.GetString("app.addr"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
			LogLevel:        v.GetString("database.log_level"),
		},
		Redis: RedisConfig{
			Addr:       v.GetString("redis.addr"),
			Password:   v.GetString("redis.password"),
			DB:         v.GetInt("redis.db"),
			ProfileTTL: v.GetDuration("redis.profile_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
		},
		Auth: AuthConfig{
			Secret: v.GetString("auth.secret"),
			Issuer: v.GetString("auth.issuer"),
		},
		Policy: PolicyConfig{
			MaxBooksPerMember:  v.GetInt("policy.max_books_per_member"),
			BorrowPeriodDays:   v.GetInt("policy.borrow_period_days"),
			GracePeriodDays:    v.GetInt("policy.grace_period_days"),
			MaxRenewalsAllowed: v.GetInt("policy.max_renewals_allowed"),
			ExtensionGraceDays: v.GetInt("policy.extension_grace_days"),
		},
		Gateway: GatewayConfig{
			Mode:          v.GetString("gateway.mode"),
			URL:           v.GetString("gateway.url"),
			APIKey:        v.GetString("gateway.api_key"),
			Timeout:       v.GetDuration("gateway.timeout"),
			PendingTTL:    v.GetDuration("gateway.pending_ttl"),
			SweepInterval: v.GetDuration("gateway.sweep_interval"),
		},
	}

	amounts := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"policy.daily_fine_rate", &cfg.Policy.DailyFineRate},
		{"policy.max_fine_amount", &cfg.Policy.MaxFineAmount},
		{"policy.lost_fine_amount", &cfg.Policy.LostFineAmount},
		{"policy.damaged_fine_amount", &cfg.Policy.DamagedFineAmount},
	}
	for _, a := range amounts {
		raw := v.GetString(a.key)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", a.key, raw, err)
		}
		*a.dst = d
	}

	// Defaults are applied on the empty/zero values.
	applyDefaults(cfg, v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.App.Name == "" {
		cfg.App.Name = "circulation"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Addr == "" {
		cfg.App.Addr = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Redis.ProfileTTL == 0 {
		cfg.Redis.ProfileTTL = 5 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "library-identity"
	}
	if cfg.Policy.MaxBooksPerMember == 0 {
		cfg.Policy.MaxBooksPerMember = 5
	}
	if cfg.Policy.BorrowPeriodDays == 0 {
		cfg.Policy.BorrowPeriodDays = 14
	}
	if cfg.Policy.DailyFineRate.IsZero() {
		cfg.Policy.DailyFineRate = decimal.NewFromInt(5)
	}
	// Zero is a meaningful grace period and renewal limit, so only fall back
	// when the key is absent altogether.
	if !v.IsSet("policy.max_renewals_allowed") {
		cfg.Policy.MaxRenewalsAllowed = 2
	}
	if !v.IsSet("policy.extension_grace_days") {
		cfg.Policy.ExtensionGraceDays = 7
	}
	if cfg.Policy.LostFineAmount.IsZero() {
		cfg.Policy.LostFineAmount = decimal.NewFromInt(500)
	}
	if cfg.Policy.DamagedFineAmount.IsZero() {
		cfg.Policy.DamagedFineAmount = decimal.NewFromInt(200)
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "simulated"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.PendingTTL == 0 {
		cfg.Gateway.PendingTTL = 30 * time.Minute
	}
	if cfg.Gateway.SweepInterval == 0 {
		cfg.Gateway.SweepInterval = time.Minute
	}
}

func (c *Config) validate() error {
	var errs []error
	p := c.Policy
	if p.MaxBooksPerMember < 0 {
		errs = append(errs, errors.New("policy.max_books_per_member must not be negative"))
	}
	if p.BorrowPeriodDays < 0 {
		errs = append(errs, errors.New("policy.borrow_period_days must not be negative"))
	}
	if p.GracePeriodDays < 0 {
		errs = append(errs, errors.New("policy.grace_period_days must not be negative"))
	}
	if p.MaxRenewalsAllowed < 0 {
		errs = append(errs, errors.New("policy.max_renewals_allowed must not be negative"))
	}
	if p.ExtensionGraceDays < 0 {
		errs = append(errs, errors.New("policy.extension_grace_days must not be negative"))
	}
	if p.DailyFineRate.IsNegative() || p.MaxFineAmount.IsNegative() ||
		p.LostFineAmount.IsNegative() || p.DamagedFineAmount.IsNegative() {
		errs = append(errs, errors.New("policy amounts must not be negative"))
	}
	switch c.Gateway.Mode {
	case "simulated":
	case "http":
		if c.Gateway.URL == "" {
			errs = append(errs, errors.New("gateway.url is required when gateway.mode is http"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.mode %q is not supported", c.Gateway.Mode))
	}
	if c.App.Env == "production" {
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required in production"))
		}
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required in production"))
		}
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the app runs with production settings.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
