// Package config 載入服務配置
//
// 載入順序：Default() → YAML 檔案 → 環境變數（STUDY_ 前綴）
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "STUDY_"

// Config 整個應用的配置
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Realtime RealtimeConfig `yaml:"realtime" envPrefix:"REALTIME_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	NATS     NATSConfig     `yaml:"nats" envPrefix:"NATS_"`
	Rank     RankConfig     `yaml:"rank" envPrefix:"RANK_"`
	Jobs     JobsConfig     `yaml:"jobs" envPrefix:"JOBS_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RealtimeConfig 即時連線配置
type RealtimeConfig struct {
	MaxConnections int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	SendBuffer     int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongWait       time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// RedisConfig Redis 連線配置
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// PostgresConfig PostgreSQL 連線配置
type PostgresConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"DBNAME"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int32  `yaml:"min_conns" env:"MIN_CONNS"`
}

// NATSConfig 跨實例廣播配置（URL 為空表示停用）
type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// RankConfig 排行榜配置
type RankConfig struct {
	Backend   string        `yaml:"backend" env:"BACKEND"` // memory 或 redis
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	TimeZone  string        `yaml:"time_zone" env:"TIME_ZONE"`
}

// JobsConfig 背景任務配置
type JobsConfig struct {
	Sync  SyncJobConfig  `yaml:"sync" envPrefix:"SYNC_"`
	Reset ResetJobConfig `yaml:"reset" envPrefix:"RESET_"`
	Sweep SweepJobConfig `yaml:"sweep" envPrefix:"SWEEP_"`
}

// SyncJobConfig 同步任務配置
type SyncJobConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Interval       time.Duration `yaml:"interval" env:"INTERVAL"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
}

// ResetJobConfig 重置任務配置
type ResetJobConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// SweepJobConfig 快取清理任務配置
type SweepJobConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

// CacheConfig 使用者資訊快取配置
type CacheConfig struct {
	Capacity int           `yaml:"capacity" env:"CAPACITY"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level     string `yaml:"level" env:"LEVEL"`
	Format    string `yaml:"format" env:"FORMAT"`
	Output    string `yaml:"output" env:"OUTPUT"`
	AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
	TimeZone  string `yaml:"time_zone" env:"TIME_ZONE"`
}

// Default 返回預設配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			MaxConnections: 200,
			SendBuffer:     256,
			PingInterval:   54 * time.Second, // 配合 60 秒讀取超時，留 6 秒餘量
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 4096,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			DBName:   "study_lobby",
			MaxConns: 10,
			MinConns: 2,
		},
		NATS: NATSConfig{
			SubjectPrefix: "lobby",
		},
		Rank: RankConfig{
			Backend:   "memory",
			KeyPrefix: "leaderboard",
			TTL:       24 * time.Hour,
			TimeZone:  "Asia/Taipei",
		},
		Jobs: JobsConfig{
			Sync: SyncJobConfig{
				Enabled:        true,
				Interval:       5 * time.Minute,
				RetryBaseDelay: 5 * time.Second,
			},
			Reset: ResetJobConfig{
				Enabled: true,
			},
			Sweep: SweepJobConfig{
				Enabled:  true,
				Interval: 30 * time.Minute,
				Cooldown: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Capacity: 10000,
			TTL:      time.Hour,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stdout",
			TimeZone: "Asia/Taipei",
		},
	}
}

// Load 載入配置檔案並套用環境變數覆蓋
//
// path 為空時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數，非使用者輸入
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Realtime.MaxConnections <= 0 {
		return fmt.Errorf("realtime.max_connections must be positive, got %d", c.Realtime.MaxConnections)
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive, got %d", c.Realtime.SendBuffer)
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.PongWait <= 0 || c.Realtime.WriteWait <= 0 {
		return fmt.Errorf("realtime ping_interval, pong_wait and write_wait must be positive")
	}
	if c.Realtime.MaxMessageSize <= 0 {
		return fmt.Errorf("realtime.max_message_size must be positive, got %d", c.Realtime.MaxMessageSize)
	}
	if c.Realtime.PingInterval >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_interval (%s) must be shorter than pong_wait (%s)",
			c.Realtime.PingInterval, c.Realtime.PongWait)
	}
	switch c.Rank.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rank backend: %q", c.Rank.Backend)
	}
	if c.Rank.TTL <= 0 {
		return fmt.Errorf("rank.ttl must be positive, got %s", c.Rank.TTL)
	}
	if _, err := time.LoadLocation(c.Rank.TimeZone); err != nil {
		return fmt.Errorf("invalid rank.time_zone: %w", err)
	}
	if c.Jobs.Sync.Enabled && c.Jobs.Sync.Interval <= 0 {
		return fmt.Errorf("jobs.sync.interval must be positive")
	}
	if c.Jobs.Sweep.Enabled && (c.Jobs.Sweep.Interval <= 0 || c.Jobs.Sweep.Cooldown <= 0) {
		return fmt.Errorf("jobs.sweep interval and cooldown must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	return nil
}

// Location 返回排行榜使用的時區
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Rank.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// PostgresURL 生成 URL 形式的連線字串（golang-migrate 需要）
func (c *Config) PostgresURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
