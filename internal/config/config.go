package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Roster       RosterConfig       `yaml:"roster"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Entitlements EntitlementsConfig `yaml:"entitlements"`
	Points       PointsConfig       `yaml:"points"`
	Rewards      RewardsConfig      `yaml:"rewards"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" validate:"gt=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"gt=0"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaConfig holds Kafka connection configuration for points events
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	Enabled        bool          `yaml:"enabled"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// RosterConfig holds the external roster source configuration
type RosterConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	GroupID   int64         `yaml:"group_id" validate:"gt=0"`
	APIKey    string        `yaml:"api_key"`
	UserAgent string        `yaml:"user_agent" validate:"required"`
	Timeout   time.Duration `yaml:"timeout"`
	// Location is the zone the source's naive timestamps are read in
	Location string `yaml:"location"`
}

// SchedulerConfig holds the reconcile/validate job configuration
type SchedulerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	StalenessWindow  time.Duration `yaml:"staleness_window"`
	RunOnStart       bool          `yaml:"run_on_start"`
	ValidateInterval time.Duration `yaml:"validate_interval"`
}

// RankAlias maps one rank name onto a differently named role
type RankAlias struct {
	Rank string `yaml:"rank"`
	Role string `yaml:"role"`
}

// EntitlementsConfig holds the chat-platform role sync configuration
type EntitlementsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BotToken      string        `yaml:"bot_token"`
	GuildID       string        `yaml:"guild_id"`
	MemberRole    string        `yaml:"member_role"`
	Alias         RankAlias     `yaml:"alias"`
	RetryAttempts int           `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Workers       int           `yaml:"workers" validate:"gte=1"`
	QueueSize     int           `yaml:"queue_size" validate:"gte=1"`
}

// PointsConfig holds points economy limits. Moderators lists the chat
// identities allowed to remove points.
type PointsConfig struct {
	WeeklyRecipientCap int64         `yaml:"weekly_recipient_cap" validate:"gt=0"`
	AllowanceWindow    time.Duration `yaml:"allowance_window"`
	DefaultReason      string        `yaml:"default_reason"`
	Moderators         []string      `yaml:"moderators"`
}

// IsModerator reports whether uid may remove points
func (c *PointsConfig) IsModerator(uid string) bool {
	for _, m := range c.Moderators {
		if m != "" && m == uid {
			return true
		}
	}
	return false
}

// RewardsConfig holds the reaction reward configuration
type RewardsConfig struct {
	Window    time.Duration `yaml:"window"`
	Points    int64         `yaml:"points" validate:"gt=0"`
	MaxClaims int           `yaml:"max_claims" validate:"gt=0"`
	UseRedis  bool          `yaml:"use_redis"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file. A .env file next to the
// process is loaded first so the YAML can reference its variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "clan-points-awards"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "clan-roster-points"
	}
	if c.Kafka.HandlerTimeout == 0 {
		c.Kafka.HandlerTimeout = 10 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryBackoff == 0 {
		c.Kafka.RetryBackoff = 500 * time.Millisecond
	}

	// Roster source defaults
	if c.Roster.BaseURL == "" {
		c.Roster.BaseURL = "https://api.wiseoldman.net/v2"
	}
	if c.Roster.UserAgent == "" {
		c.Roster.UserAgent = "clan-roster"
	}
	if c.Roster.Timeout == 0 {
		c.Roster.Timeout = 30 * time.Second
	}
	if c.Roster.Location == "" {
		c.Roster.Location = "Local"
	}

	// Scheduler defaults
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 3600 * time.Second
	}
	if c.Scheduler.ValidateInterval == 0 {
		c.Scheduler.ValidateInterval = c.Scheduler.Interval
	}
	if c.Scheduler.StalenessWindow == 0 {
		c.Scheduler.StalenessWindow = c.Scheduler.Interval
	}

	// Entitlement defaults
	if c.Entitlements.RetryAttempts == 0 {
		c.Entitlements.RetryAttempts = 3
	}
	if c.Entitlements.RetryBackoff == 0 {
		c.Entitlements.RetryBackoff = 2 * time.Second
	}
	if c.Entitlements.Workers == 0 {
		c.Entitlements.Workers = 2
	}
	if c.Entitlements.QueueSize == 0 {
		c.Entitlements.QueueSize = 256
	}

	// Points defaults
	if c.Points.WeeklyRecipientCap == 0 {
		c.Points.WeeklyRecipientCap = 15
	}
	if c.Points.AllowanceWindow == 0 {
		c.Points.AllowanceWindow = 7 * 24 * time.Hour
	}
	if c.Points.DefaultReason == "" {
		c.Points.DefaultReason = "No reason provided"
	}

	// Reward defaults
	if c.Rewards.Window == 0 {
		c.Rewards.Window = 10 * time.Minute
	}
	if c.Rewards.Points == 0 {
		c.Rewards.Points = 1
	}
	if c.Rewards.MaxClaims == 0 {
		c.Rewards.MaxClaims = 1000
	}
	if c.Rewards.KeyPrefix == "" {
		c.Rewards.KeyPrefix = "rewards"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ParseLevel maps a configured level name onto a slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Scheduler.Enabled = true
	cfg.Metrics.Enabled = true
	return cfg
}
