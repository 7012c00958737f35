package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Email     EmailConfig     `yaml:"email"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// CORSOrigins lists browser origins allowed to call the API; empty allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// RedisConfig enables the async evaluation queue and the redis leader lock
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json
}

type LedgerConfig struct {
	// ClockSkew is how far in the future a reading's time bucket may lie.
	ClockSkew time.Duration `yaml:"clock_skew"`
}

type AlertsConfig struct {
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`
	DefaultTiers     []TierConfig  `yaml:"default_tiers"`
}

// TierConfig describes one alert tier. Percent is a decimal string such as "70" or "92.5".
type TierConfig struct {
	Tier     string        `yaml:"tier"`
	Percent  string        `yaml:"percent"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type DispatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	TickBudget  time.Duration `yaml:"tick_budget"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	Channels    []string      `yaml:"channels"` // enabled delivery channels
}

type ChannelLimit struct {
	PerHour int64 `yaml:"per_hour"`
	PerDay  int64 `yaml:"per_day"`
}

type RateLimitConfig struct {
	Default  ChannelLimit            `yaml:"default"`
	Channels map[string]ChannelLimit `yaml:"channels"`
	// RequestRPS and RequestBurst bound the HTTP ingestion and test-send routes per client.
	RequestRPS   float64 `yaml:"request_rps"`
	RequestBurst int     `yaml:"request_burst"`
}

type EmailConfig struct {
	Transport     string         `yaml:"transport"` // api, smtp
	From          string         `yaml:"from"`
	SubjectPrefix string         `yaml:"subject_prefix"`
	API           EmailAPIConfig `yaml:"api"`
	SMTP          SMTPConfig     `yaml:"smtp"`
}

type EmailAPIConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "costsentry.db",
		},
		JWT: JWTConfig{
			Secret: "costsentry-secret-key-change-in-production",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ledger: LedgerConfig{
			ClockSkew: 5 * time.Minute,
		},
		Alerts: AlertsConfig{
			EvaluateInterval: 15 * time.Minute,
			DefaultTiers: []TierConfig{
				{Tier: "warning", Percent: "70", Cooldown: 24 * time.Hour},
				{Tier: "critical", Percent: "95", Cooldown: 6 * time.Hour},
				{Tier: "emergency", Percent: "100", Cooldown: time.Hour},
			},
		},
		Dispatch: DispatchConfig{
			Interval:    5 * time.Minute,
			BatchSize:   100,
			TickBudget:  4 * time.Minute,
			SendTimeout: 10 * time.Second,
			MaxAttempts: 5,
			BackoffBase: time.Minute,
			BackoffMax:  time.Hour,
			LockTTL:     5 * time.Minute,
			Channels:    []string{"email", "slack", "discord", "teams"},
		},
		RateLimit: RateLimitConfig{
			Default: ChannelLimit{PerHour: 20, PerDay: 100},
			Channels: map[string]ChannelLimit{
				"email":   {PerHour: 10, PerDay: 50},
				"slack":   {PerHour: 30, PerDay: 200},
				"discord": {PerHour: 30, PerDay: 200},
				"teams":   {PerHour: 30, PerDay: 200},
			},
			RequestRPS:   5,
			RequestBurst: 20,
		},
		Email: EmailConfig{
			Transport:     "smtp",
			From:          "alerts@costsentry.local",
			SubjectPrefix: "[CostSentry]",
			SMTP: SMTPConfig{
				Host: "localhost",
				Port: 25,
			},
		},
	}
}

// Validate rejects settings the dispatcher and evaluator cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	d := c.Dispatch
	if d.Interval <= 0 || d.TickBudget <= 0 || d.SendTimeout <= 0 {
		return fmt.Errorf("dispatch interval, tick_budget and send_timeout must be positive")
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("dispatch batch_size must be positive, got %d", d.BatchSize)
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max_attempts must be positive, got %d", d.MaxAttempts)
	}
	if d.BackoffBase <= 0 || d.BackoffMax < d.BackoffBase {
		return fmt.Errorf("dispatch backoff_base must be positive and not above backoff_max")
	}
	// the item in flight when the budget runs out may take a full send_timeout more
	if d.LockTTL <= d.TickBudget+d.SendTimeout {
		return fmt.Errorf("dispatch lock_ttl (%s) must exceed tick_budget (%s) plus send_timeout (%s)",
			d.LockTTL, d.TickBudget, d.SendTimeout)
	}

	if c.Alerts.EvaluateInterval <= 0 {
		return fmt.Errorf("alerts evaluate_interval must be positive")
	}
	seen := make(map[string]bool)
	for _, t := range c.Alerts.DefaultTiers {
		if t.Tier == "" {
			return fmt.Errorf("alert tier without name")
		}
		if seen[t.Tier] {
			return fmt.Errorf("duplicate alert tier: %s", t.Tier)
		}
		seen[t.Tier] = true
		pct, err := decimal.NewFromString(t.Percent)
		if err != nil || !pct.IsPositive() {
			return fmt.Errorf("alert tier %s: invalid percent %q", t.Tier, t.Percent)
		}
		if t.Cooldown < 0 {
			return fmt.Errorf("alert tier %s: negative cooldown", t.Tier)
		}
	}

	switch c.Email.Transport {
	case "smtp", "api":
	default:
		return fmt.Errorf("unsupported email transport: %s", c.Email.Transport)
	}
	return nil
}

// LimitFor returns the rate limit caps of a delivery channel.
func (r RateLimitConfig) LimitFor(channel string) ChannelLimit {
	if l, ok := r.Channels[channel]; ok {
		return l
	}
	return r.Default
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if transport := os.Getenv("EMAIL_TRANSPORT"); transport != "" {
		c.Email.Transport = transport
	}
	if apiKey := os.Getenv("EMAIL_API_KEY"); apiKey != "" {
		c.Email.API.APIKey = apiKey
	}
	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		c.Email.SMTP.Password = password
	}
	if batch := os.Getenv("DISPATCH_BATCH_SIZE"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil {
			c.Dispatch.BatchSize = n
		}
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
