// Package config loads server configuration from defaults, an optional YAML
// file and STRATLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. STRATLAB_SERVER_PORT
const EnvPrefix = "STRATLAB"

// Config is the top-level server configuration
type Config struct {
	Server  Server  `mapstructure:"server"`
	Sandbox Sandbox `mapstructure:"sandbox"`
	Data    Data    `mapstructure:"data"`
	Cache   Cache   `mapstructure:"cache"`
	RunLog  RunLog  `mapstructure:"runlog"`
	Logging Logging `mapstructure:"logging"`
}

// Server holds network listener configuration
type Server struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	WebSocketPath string        `mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	AllowOrigins  []string      `mapstructure:"allow_origins"`
}

// Sandbox bounds strategy evaluation
type Sandbox struct {
	Workers         int           `mapstructure:"workers"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout"`
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
	MinDeadline     time.Duration `mapstructure:"min_deadline"`
	MaxDeadline     time.Duration `mapstructure:"max_deadline"`
	MaxOutputBytes  int           `mapstructure:"max_output_bytes"`
	MaxSteps        uint64        `mapstructure:"max_steps"`
	InitCash        float64       `mapstructure:"init_cash"`
	Fees            float64       `mapstructure:"fees"`
	SlippageBps     float64       `mapstructure:"slippage_bps"`
}

// Data holds data directories and defaults
type Data struct {
	BarsDir  string `mapstructure:"bars_dir"`
	ChainDir string `mapstructure:"chain_dir"`
	MaxDTE   int    `mapstructure:"max_dte"`
}

// Cache configures the fingerprint cache. RedisAddr enables the shared tier.
type Cache struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisDB     int           `mapstructure:"redis_db"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

// RunLog configures run history
type RunLog struct {
	Path string `mapstructure:"path"`
}

// Logging configures the application logger
type Logging struct {
	Level string `mapstructure:"level"`
}

// Addr returns host:port
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 330*time.Second)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("sandbox.workers", 4)
	v.SetDefault("sandbox.queue_timeout", 10*time.Second)
	v.SetDefault("sandbox.default_deadline", 30*time.Second)
	v.SetDefault("sandbox.min_deadline", time.Second)
	v.SetDefault("sandbox.max_deadline", 300*time.Second)
	v.SetDefault("sandbox.max_output_bytes", 64<<10)
	v.SetDefault("sandbox.max_steps", 0)
	v.SetDefault("sandbox.init_cash", 10000.0)
	v.SetDefault("sandbox.fees", 0.0)
	v.SetDefault("sandbox.slippage_bps", 0.0)

	v.SetDefault("data.bars_dir", "./data/bars")
	v.SetDefault("data.chain_dir", "./data/options")
	v.SetDefault("data.max_dte", 90)

	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.max_entries", 256)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", "stratlab")

	v.SetDefault("runlog.path", "./data/runs.db")

	v.SetDefault("logging.level", "info")
}

// Load reads configuration. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Sandbox.Workers <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.workers must be positive"))
	}
	if c.Sandbox.MinDeadline <= 0 || c.Sandbox.MaxDeadline < c.Sandbox.MinDeadline {
		errs = append(errs, fmt.Errorf("sandbox deadlines must satisfy 0 < min_deadline <= max_deadline"))
	}
	if c.Sandbox.InitCash <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.init_cash must be positive"))
	}
	if c.Sandbox.Fees < 0 || c.Sandbox.SlippageBps < 0 {
		errs = append(errs, fmt.Errorf("sandbox fees and slippage must not be negative"))
	}
	if c.Data.MaxDTE <= 0 {
		errs = append(errs, fmt.Errorf("data.max_dte must be positive"))
	}
	return errors.Join(errs...)
}
