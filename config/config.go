package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Federation FederationConfig `mapstructure:"federation"`
	Signature  SignatureConfig  `mapstructure:"signature"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Pull       PullConfig       `mapstructure:"pull"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// FederationConfig 本实例身份
type FederationConfig struct {
	Domain         string `mapstructure:"domain"`
	ActorID        string `mapstructure:"actor_id"`
	KeyID          string `mapstructure:"key_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	PublicSentinel string `mapstructure:"public_sentinel"`
}

type SignatureConfig struct {
	MaxSkew            time.Duration `mapstructure:"max_skew"`
	VerifyReplay       bool          `mapstructure:"verify_replay"`
	ReplayStore        string        `mapstructure:"replay_store"` // gorm | redis
	KeyCacheSize       int           `mapstructure:"key_cache_size"`
	KeyCacheTTL        time.Duration `mapstructure:"key_cache_ttl"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	NonceSweepInterval time.Duration `mapstructure:"nonce_sweep_interval"`
}

// OutboxConfig 外发队列与投递 worker
type OutboxConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	QuickRetryDelay  time.Duration `mapstructure:"quick_retry_delay"`
	QuickRetryLimit  int           `mapstructure:"quick_retry_limit"`
	JobTTL           time.Duration `mapstructure:"job_ttl"`
	Concurrency      int           `mapstructure:"concurrency"`
	PerHostRate      float64       `mapstructure:"per_host_rate"`
	StaleLease       time.Duration `mapstructure:"stale_lease"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// PullConfig 拉取调度
type PullConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	BackoffStep    time.Duration `mapstructure:"backoff_step"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
	MaxPage        int           `mapstructure:"max_page"`
	DefaultLimit   int           `mapstructure:"default_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	JWTTTL         time.Duration `mapstructure:"jwt_ttl"`
	RatePerMinute  int           `mapstructure:"rate_per_minute"`
	RateBurst      int           `mapstructure:"rate_burst"`
	FanoutWorkers  int           `mapstructure:"fanout_workers"`
	FanoutQueue    int           `mapstructure:"fanout_queue"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Default 返回开发环境默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", Mode: "release", ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Database: DatabaseConfig{
			Driver: "sqlite", DSN: "fedsync.db", MaxOpenConns: 20, MaxIdleConns: 5,
			ConnMaxLifetime: time.Hour, AutoMigrate: true,
		},
		Redis:      RedisConfig{Addr: "localhost:6379"},
		Log:        LogConfig{Level: "info", Format: "json"},
		Federation: FederationConfig{PublicSentinel: PublicAudience},
		Signature: SignatureConfig{
			MaxSkew: 5 * time.Minute, VerifyReplay: true, ReplayStore: "gorm",
			KeyCacheSize: 1024, KeyCacheTTL: 30 * time.Minute, FetchTimeout: 10 * time.Second,
			NonceSweepInterval: 5 * time.Minute,
		},
		Outbox: OutboxConfig{
			BatchSize: 20, PollInterval: 2 * time.Second, BaseBackoff: time.Second,
			MaxBackoff: 6 * time.Hour, MaxAttempts: 10, QuickRetryDelay: 5 * time.Second,
			QuickRetryLimit: 2, JobTTL: 7 * 24 * time.Hour, Concurrency: 4, PerHostRate: 5,
			StaleLease: 5 * time.Minute, RequestTimeout: 15 * time.Second, MaxResponseBytes: 4096,
		},
		Pull: PullConfig{
			Interval: 2 * time.Minute, BatchSize: 10, BackoffStep: time.Minute,
			BackoffCeiling: time.Hour, MaxPage: 200, DefaultLimit: 50,
			RequestTimeout: 20 * time.Second, JWTTTL: time.Minute,
			RatePerMinute: 60, RateBurst: 10, FanoutWorkers: 4, FanoutQueue: 10000,
		},
		Tracing: TracingConfig{ServiceName: "fedsync"},
	}
}

// Load 从 config.yaml 与 FEDSYNC_ 环境变量加载配置
func Load() (*Config, error) {
	return LoadFile("")
}

func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("FEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("federation.domain", d.Federation.Domain)
	v.SetDefault("federation.actor_id", d.Federation.ActorID)
	v.SetDefault("federation.key_id", d.Federation.KeyID)
	v.SetDefault("federation.private_key_path", d.Federation.PrivateKeyPath)
	v.SetDefault("federation.public_sentinel", d.Federation.PublicSentinel)

	v.SetDefault("signature.max_skew", d.Signature.MaxSkew)
	v.SetDefault("signature.verify_replay", d.Signature.VerifyReplay)
	v.SetDefault("signature.replay_store", d.Signature.ReplayStore)
	v.SetDefault("signature.key_cache_size", d.Signature.KeyCacheSize)
	v.SetDefault("signature.key_cache_ttl", d.Signature.KeyCacheTTL)
	v.SetDefault("signature.fetch_timeout", d.Signature.FetchTimeout)
	v.SetDefault("signature.nonce_sweep_interval", d.Signature.NonceSweepInterval)

	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)
	v.SetDefault("outbox.poll_interval", d.Outbox.PollInterval)
	v.SetDefault("outbox.base_backoff", d.Outbox.BaseBackoff)
	v.SetDefault("outbox.max_backoff", d.Outbox.MaxBackoff)
	v.SetDefault("outbox.max_attempts", d.Outbox.MaxAttempts)
	v.SetDefault("outbox.quick_retry_delay", d.Outbox.QuickRetryDelay)
	v.SetDefault("outbox.quick_retry_limit", d.Outbox.QuickRetryLimit)
	v.SetDefault("outbox.job_ttl", d.Outbox.JobTTL)
	v.SetDefault("outbox.concurrency", d.Outbox.Concurrency)
	v.SetDefault("outbox.per_host_rate", d.Outbox.PerHostRate)
	v.SetDefault("outbox.stale_lease", d.Outbox.StaleLease)
	v.SetDefault("outbox.request_timeout", d.Outbox.RequestTimeout)
	v.SetDefault("outbox.max_response_bytes", d.Outbox.MaxResponseBytes)

	v.SetDefault("pull.interval", d.Pull.Interval)
	v.SetDefault("pull.batch_size", d.Pull.BatchSize)
	v.SetDefault("pull.backoff_step", d.Pull.BackoffStep)
	v.SetDefault("pull.backoff_ceiling", d.Pull.BackoffCeiling)
	v.SetDefault("pull.max_page", d.Pull.MaxPage)
	v.SetDefault("pull.default_limit", d.Pull.DefaultLimit)
	v.SetDefault("pull.request_timeout", d.Pull.RequestTimeout)
	v.SetDefault("pull.jwt_ttl", d.Pull.JWTTTL)
	v.SetDefault("pull.rate_per_minute", d.Pull.RatePerMinute)
	v.SetDefault("pull.rate_burst", d.Pull.RateBurst)
	v.SetDefault("pull.fanout_workers", d.Pull.FanoutWorkers)
	v.SetDefault("pull.fanout_queue", d.Pull.FanoutQueue)

	v.SetDefault("sentry.dsn", d.Sentry.DSN)
	v.SetDefault("sentry.environment", d.Sentry.Environment)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// Validate 校验联邦身份配置
func (c *Config) Validate() error {
	if c.Federation.Domain == "" {
		return errors.New("federation.domain is required")
	}
	if c.Federation.ActorID == "" || c.Federation.KeyID == "" {
		return errors.New("federation.actor_id and federation.key_id are required")
	}
	if c.Federation.PrivateKeyPath == "" {
		return errors.New("federation.private_key_path is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Signature.ReplayStore {
	case "gorm", "redis":
	default:
		return fmt.Errorf("unsupported replay store %q", c.Signature.ReplayStore)
	}
	if c.Signature.ReplayStore == "redis" && !c.Redis.Enabled {
		return errors.New("signature.replay_store=redis requires redis.enabled")
	}
	if c.Signature.MaxSkew < 0 {
		return errors.New("signature.max_skew must not be negative")
	}
	return nil
}
