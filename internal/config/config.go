// Package config loads coordinator and node configuration with viper.
//
// Precedence, lowest first: built-in defaults, the YAML config file,
// SIFT_-prefixed environment variables (SIFT_SEARCH_DRAIN_TIMEOUT for
// search.drain_timeout), then command-line flags bound by the binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/go-playground/validator.v9"

	"github.com/dreamware/sift/internal/datasource"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/resultstore"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "SIFT"

// Config is the complete configuration of a sift process. Nodes only read
// the node and logging sections.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Cluster     ClusterConfig           `mapstructure:"cluster"`
	Node        NodeConfig              `mapstructure:"node"`
	Sessions    SessionsConfig          `mapstructure:"sessions"`
	Search      SearchConfig            `mapstructure:"search"`
	Format      FormatConfig            `mapstructure:"format"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	DataSources []datasource.DataSource `mapstructure:"datasources" validate:"dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// PublicURL is the base URL other processes use to reach this one.
	PublicURL       string        `mapstructure:"public_url" validate:"omitempty,url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// ClusterConfig configures membership, health checks and dispatch.
type ClusterConfig struct {
	NumShards      int           `mapstructure:"num_shards" validate:"min=1"`
	HealthInterval time.Duration `mapstructure:"health_interval" validate:"min=0"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout" validate:"min=0"`
	MaxFailures    int           `mapstructure:"max_failures" validate:"min=1"`
	CancelTimeout  time.Duration `mapstructure:"cancel_timeout" validate:"min=0"`
	Parallelism    int           `mapstructure:"parallelism" validate:"min=1"`
}

// NodeConfig configures an execution node.
type NodeConfig struct {
	ID          string `mapstructure:"id"`
	Addr        string `mapstructure:"addr" validate:"required"`
	PublicURL   string `mapstructure:"public_url" validate:"omitempty,url"`
	Coordinator string `mapstructure:"coordinator" validate:"omitempty,url"`
	BatchSize   int    `mapstructure:"batch_size" validate:"min=1"`
}

// SessionsConfig bounds the session registry.
type SessionsConfig struct {
	IdleTTL     time.Duration `mapstructure:"idle_ttl" validate:"min=0"`
	MaxSessions int           `mapstructure:"max_sessions" validate:"min=1"`
}

// SearchConfig configures collectors and polling.
type SearchConfig struct {
	DrainTimeout      time.Duration     `mapstructure:"drain_timeout" validate:"min=0"`
	KeepAliveTTL      time.Duration     `mapstructure:"keep_alive_ttl" validate:"min=0"`
	ReapInterval      time.Duration     `mapstructure:"reap_interval" validate:"min=0"`
	MaxAwait          time.Duration     `mapstructure:"max_await" validate:"min=0"`
	PollParallelism   int               `mapstructure:"poll_parallelism" validate:"min=1"`
	DefaultResultSize resultstore.Sizes `mapstructure:"default_result_size" validate:"dive,min=0"`
	DefaultStoreSize  resultstore.Sizes `mapstructure:"default_store_size" validate:"dive,min=0"`
}

// FormatConfig configures cell formatting.
type FormatConfig struct {
	Locale     string `mapstructure:"locale"`
	TimeZone   string `mapstructure:"time_zone"`
	DateLayout string `mapstructure:"date_layout"`
	Digits     int    `mapstructure:"digits" validate:"min=0,max=12"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("cluster.num_shards", 4)
	v.SetDefault("cluster.health_interval", 5*time.Second)
	v.SetDefault("cluster.health_timeout", 2*time.Second)
	v.SetDefault("cluster.max_failures", 3)
	v.SetDefault("cluster.cancel_timeout", 5*time.Second)
	v.SetDefault("cluster.parallelism", 16)

	v.SetDefault("node.addr", ":8081")
	v.SetDefault("node.batch_size", 500)

	v.SetDefault("sessions.idle_ttl", time.Minute)
	v.SetDefault("sessions.max_sessions", 1000)

	v.SetDefault("search.drain_timeout", time.Second)
	v.SetDefault("search.keep_alive_ttl", 5*time.Minute)
	v.SetDefault("search.reap_interval", 30*time.Second)
	v.SetDefault("search.max_await", 10*time.Second)
	v.SetDefault("search.poll_parallelism", 8)
	v.SetDefault("search.default_result_size", []int{100, 20})
	v.SetDefault("search.default_store_size", []int{1000, 200})

	v.SetDefault("format.locale", "en")
	v.SetDefault("format.time_zone", "UTC")
	v.SetDefault("format.digits", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the configuration into v and returns it validated. An empty
// cfgFile searches for sift.yaml in the working directory and /etc/sift; a
// missing file is not an error unless it was named explicitly.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sift/")
		v.SetConfigName("sift")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and that the default store sizes retain
// at least the default result sizes at every depth.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := resultstore.ValidateSizes(c.Search.DefaultStoreSize, c.Search.DefaultResultSize); err != nil {
		return fmt.Errorf("config: search sizes: %w", err)
	}
	seen := make(map[string]bool, len(c.DataSources))
	for _, ds := range c.DataSources {
		if seen[ds.UUID] {
			return fmt.Errorf("config: duplicate data source %s", ds.UUID)
		}
		seen[ds.UUID] = true
	}
	return nil
}

// FormatOptions returns the formatter options.
func (c *Config) FormatOptions() format.Options {
	return format.Options{
		Locale:     c.Format.Locale,
		TimeZone:   c.Format.TimeZone,
		DateLayout: c.Format.DateLayout,
		Digits:     c.Format.Digits,
	}
}

// NewLogger builds a zap logger: the production JSON encoder for "json",
// the development console encoder for "text".
func (l LoggingConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: logging level: %w", err)
	}
	var zc zap.Config
	if l.Format == "text" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// URL returns the coordinator's public base URL.
func (s ServerConfig) URL() string { return publicURL(s.Addr, s.PublicURL) }

// URL returns the node's public base URL.
func (n NodeConfig) URL() string { return publicURL(n.Addr, n.PublicURL) }

// publicURL prefers an explicit public URL. Otherwise a port-only listen
// address is assumed to be reachable on loopback.
func publicURL(addr, public string) string {
	if public != "" {
		return strings.TrimSuffix(public, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
