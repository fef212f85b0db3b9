// Package config loads settings for both binaries: a .env file, then an
// optional YAML file, then PORTUNUS_* environment variables, which win.
// Nested keys map to env names with "_", e.g. gate.http_addr is
// PORTUNUS_GATE_HTTP_ADDR.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PORTUNUS"

type Config struct {
	Env      string `mapstructure:"env"` // "dev" | "prod"
	LogLevel string `mapstructure:"log_level"`

	Gate   GateConfig   `mapstructure:"gate"`
	Server ServerConfig `mapstructure:"server"`
}

type GateConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `mapstructure:"grpc_addr"`
	EventID  string `mapstructure:"event_id"`

	// ServerURL is the server of record. Empty runs standalone on an
	// in-memory store.
	ServerURL     string        `mapstructure:"server_url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	LocalSettle    time.Duration `mapstructure:"local_settle"`
	SearchDebounce time.Duration `mapstructure:"search_debounce"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	RetryShort     time.Duration `mapstructure:"retry_short"`
	RetryLong      time.Duration `mapstructure:"retry_long"`
	VerifyDelay    time.Duration `mapstructure:"verify_delay"`

	Provision ProvisionConfig `mapstructure:"provision"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

type ProvisionConfig struct {
	Auto        bool          `mapstructure:"auto"`
	VerifyDelay time.Duration `mapstructure:"verify_delay"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	DeviceTTL   time.Duration `mapstructure:"device_ttl"`
}

// KafkaConfig enables the Kafka scan source when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  []string `mapstructure:"topics"`
}

// RedisConfig enables the cross-console provisioning lock when Addr is set.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	LockPrefix string        `mapstructure:"lock_prefix"`
}

type ServerConfig struct {
	HTTPAddr      string `mapstructure:"http_addr"`
	DBPath        string `mapstructure:"db_path"`
	SnowflakeNode int64  `mapstructure:"snowflake_node"`
	// Seed inserts dev customers on start. Ignored outside dev.
	Seed bool `mapstructure:"seed"`
}

// Load reads configuration. path names a YAML file; when empty,
// PORTUNUS_CONFIG is consulted, and with neither no file is read.
func Load(path string) (Config, error) {
	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Gate.Kafka.Brokers = compact(cfg.Gate.Kafka.Brokers)
	cfg.Gate.Kafka.Topics = compact(cfg.Gate.Kafka.Topics)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("gate.http_addr", ":8090")
	v.SetDefault("gate.grpc_addr", ":9090")
	v.SetDefault("gate.event_id", "")
	v.SetDefault("gate.server_url", "")
	v.SetDefault("gate.remote_timeout", "10s")
	v.SetDefault("gate.workers", 8)
	v.SetDefault("gate.poll_interval", "30s")
	v.SetDefault("gate.local_settle", "1s")
	v.SetDefault("gate.search_debounce", "500ms")
	v.SetDefault("gate.fetch_timeout", "10s")
	v.SetDefault("gate.retry_short", "1s")
	v.SetDefault("gate.retry_long", "2500ms")
	v.SetDefault("gate.verify_delay", "1s")

	v.SetDefault("gate.provision.auto", true)
	v.SetDefault("gate.provision.verify_delay", "1s")
	v.SetDefault("gate.provision.retry_delay", "1s")
	v.SetDefault("gate.provision.device_ttl", "8760h")

	v.SetDefault("gate.kafka.brokers", []string{})
	v.SetDefault("gate.kafka.group_id", "portunus-gate")
	v.SetDefault("gate.kafka.topics", []string{"gate.scans"})

	v.SetDefault("gate.redis.addr", "")
	v.SetDefault("gate.redis.password", "")
	v.SetDefault("gate.redis.db", 0)
	v.SetDefault("gate.redis.lock_ttl", "30s")
	v.SetDefault("gate.redis.lock_prefix", "portunus:gate:provision:")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.db_path", "./data/portunus-server.db")
	v.SetDefault("server.snowflake_node", 1)
	v.SetDefault("server.seed", true)
}

func (c Config) Validate() error {
	var errs []error
	if c.Env != "dev" && c.Env != "prod" {
		errs = append(errs, fmt.Errorf("env must be dev or prod, got %q", c.Env))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	g := c.Gate
	if g.ServerURL != "" {
		u, err := url.Parse(g.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("gate.server_url must be an http(s) URL, got %q", g.ServerURL))
		}
	}
	if g.Workers < 0 {
		errs = append(errs, errors.New("gate.workers must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"gate.remote_timeout":         g.RemoteTimeout,
		"gate.poll_interval":          g.PollInterval,
		"gate.local_settle":           g.LocalSettle,
		"gate.search_debounce":        g.SearchDebounce,
		"gate.fetch_timeout":          g.FetchTimeout,
		"gate.retry_short":            g.RetryShort,
		"gate.retry_long":             g.RetryLong,
		"gate.verify_delay":           g.VerifyDelay,
		"gate.provision.verify_delay": g.Provision.VerifyDelay,
		"gate.provision.retry_delay":  g.Provision.RetryDelay,
		"gate.provision.device_ttl":   g.Provision.DeviceTTL,
		"gate.redis.lock_ttl":         g.Redis.LockTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if g.RetryShort > 0 && g.RetryLong > 0 && g.RetryLong < g.RetryShort {
		errs = append(errs, errors.New("gate.retry_long must not be shorter than gate.retry_short"))
	}
	if len(g.Kafka.Brokers) > 0 {
		if g.Kafka.GroupID == "" {
			errs = append(errs, errors.New("gate.kafka.group_id is required with brokers"))
		}
		if len(g.Kafka.Topics) == 0 {
			errs = append(errs, errors.New("gate.kafka.topics is required with brokers"))
		}
	}

	if c.Server.SnowflakeNode < 0 || c.Server.SnowflakeNode > 1023 {
		errs = append(errs, fmt.Errorf("server.snowflake_node must be 0..1023, got %d", c.Server.SnowflakeNode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Dev reports whether the process runs in dev mode.
func (c Config) Dev() bool { return c.Env == "dev" }

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
