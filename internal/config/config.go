package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CHATGW_TCP_PORT.
const EnvPrefix = "CHATGW"

// Config holds all configuration for the gateway.
type Config struct {
	Env           string `mapstructure:"env"`
	LogLevel      string `mapstructure:"log_level"`
	TCPPort       string `mapstructure:"tcp_port"`
	AdminPort     string `mapstructure:"admin_port"`
	AdvertiseHost string `mapstructure:"advertise_host"`

	// Storage
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	RedisURL    string `mapstructure:"redis_url"`

	// Auth
	JWTSecret      string `mapstructure:"jwt_secret"`
	JWTPublicKey   string `mapstructure:"jwt_public_key"` // base64 Ed25519
	AdminToken     string `mapstructure:"admin_token"`
	AdminTokenHash string `mapstructure:"admin_token_hash"` // bcrypt

	// Connections
	MaxFrameSize    int           `mapstructure:"max_frame_size"`
	ReadIdleTimeout time.Duration `mapstructure:"read_idle_timeout"`
	AuthDeadline    time.Duration `mapstructure:"auth_deadline"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	FrameRate       float64       `mapstructure:"frame_rate"`
	FrameBurst      int           `mapstructure:"frame_burst"`
	IntakeWorkers   int           `mapstructure:"intake_workers"`

	// Save pipeline
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	WALDir            string        `mapstructure:"wal_dir"`
	WALSegmentSize    int           `mapstructure:"wal_segment_size"`
	WALSync           string        `mapstructure:"wal_sync"`
	DeadLetterDir     string        `mapstructure:"dead_letter_dir"`
	DeadLetterMaxSize int64         `mapstructure:"dead_letter_max_size"`
	FlushWorkers      int           `mapstructure:"flush_workers"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`

	// Sequencing
	LockLease  time.Duration `mapstructure:"lock_lease"`
	LockPoll   time.Duration `mapstructure:"lock_poll"`
	LockWait   time.Duration `mapstructure:"lock_wait"`
	CounterTTL time.Duration `mapstructure:"counter_ttl"`

	// Delivery
	RetryBase       float64       `mapstructure:"retry_base"`
	RetryMax        int           `mapstructure:"retry_max"`
	RetryUnit       time.Duration `mapstructure:"retry_unit"`
	MemberCacheTTL  time.Duration `mapstructure:"member_cache_ttl"`
	MemberCacheSize int           `mapstructure:"member_cache_size"`
	MemberTTL       time.Duration `mapstructure:"member_ttl"`
	RouteCacheTTL   time.Duration `mapstructure:"route_cache_ttl"`
	RouteCacheSize  int           `mapstructure:"route_cache_size"`

	// Event stream
	StreamEnabled bool   `mapstructure:"stream_enabled"`
	StreamKey     string `mapstructure:"stream_key"`
	StreamGroup   string `mapstructure:"stream_group"`
	StreamBatch   int64  `mapstructure:"stream_batch"`

	// Snowflake
	DatacenterID int64 `mapstructure:"datacenter_id"`
	WorkerID     int64 `mapstructure:"worker_id"`
}

var defaults = map[string]any{
	"env":                  "development",
	"log_level":            "info",
	"tcp_port":             "9000",
	"admin_port":           "8080",
	"advertise_host":       "127.0.0.1",
	"database_url":         "",
	"sqlite_path":          "./data/chatgw.db",
	"redis_url":            "redis://localhost:6379/0",
	"jwt_secret":           "",
	"jwt_public_key":       "",
	"admin_token":          "",
	"admin_token_hash":     "",
	"max_frame_size":       4 << 20,
	"read_idle_timeout":    "3m",
	"auth_deadline":        "30s",
	"write_timeout":        "10s",
	"frame_rate":           50.0,
	"frame_burst":          100,
	"intake_workers":       0,
	"queue_capacity":       1_000_000,
	"flush_interval":       "5s",
	"wal_dir":              "./data/wal",
	"wal_segment_size":     10 << 20,
	"wal_sync":             "rotate",
	"dead_letter_dir":      "./data/dead-letter",
	"dead_letter_max_size": 10 << 20,
	"flush_workers":        20,
	"shutdown_grace":       "10s",
	"lock_lease":           "30s",
	"lock_poll":            "500ms",
	"lock_wait":            "60s",
	"counter_ttl":          "1h",
	"retry_base":           2.0,
	"retry_max":            5,
	"retry_unit":           "1s",
	"member_cache_ttl":     "2m",
	"member_cache_size":    10_000,
	"member_ttl":           "1h",
	"route_cache_ttl":      "10m",
	"route_cache_size":     10_000,
	"stream_enabled":       false,
	"stream_key":           "chat:messages",
	"stream_group":         "chatgw",
	"stream_batch":         100,
	"datacenter_id":        0,
	"worker_id":            0,
}

// unprefixed names kept for deployments that already set them
var legacyEnv = map[string]string{
	"env":          "ENV",
	"database_url": "DATABASE_URL",
	"redis_url":    "REDIS_URL",
}

// Load reads configuration from defaults, an optional YAML file at path,
// and the environment, in increasing precedence. In development a .env
// file is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), name); err != nil {
			return nil, err
		}
	}

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no safe default. Production requires
// a token key and an admin credential.
func (c *Config) Validate() error {
	if c.TCPPort == "" || c.AdminPort == "" {
		return errors.New("tcp_port and admin_port are required")
	}
	if c.RedisURL == "" {
		return errors.New("redis_url is required")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	if c.IsDevelopment() {
		return nil
	}
	if c.JWTSecret == "" && c.JWTPublicKey == "" {
		return errors.New("jwt_secret or jwt_public_key is required in production")
	}
	if c.AdminToken == "" && c.AdminTokenHash == "" {
		return errors.New("admin_token or admin_token_hash is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// TCPAddr is the client listener address.
func (c *Config) TCPAddr() string { return ":" + c.TCPPort }

// AdminAddr is the admin HTTP listener address.
func (c *Config) AdminAddr() string { return ":" + c.AdminPort }

// AdvertisedAdminAddr is how peers reach this node's admin API. It is the
// value stored in the shared routing table.
func (c *Config) AdvertisedAdminAddr() string {
	return net.JoinHostPort(c.AdvertiseHost, c.AdminPort)
}

// AdvertisedTCPAddr is how clients reach this node.
func (c *Config) AdvertisedTCPAddr() string {
	return net.JoinHostPort(c.AdvertiseHost, c.TCPPort)
}
