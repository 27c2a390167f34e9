package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Relay/internal/session"
)

type Config struct {
	Mode      string         `mapstructure:"mode"`
	Port      int            `mapstructure:"port"`
	ReadLimit int64          `mapstructure:"read_limit"`
	LogLevel  string         `mapstructure:"log_level"`
	Relay     RelayConfig    `mapstructure:"relay"`
	Session   session.Config `mapstructure:"session"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Stub      StubConfig     `mapstructure:"stub"`
}

// RelayConfig is what the client dials.
type RelayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// StubConfig drives the development relay.
type StubConfig struct {
	Secret        string        `mapstructure:"secret"`
	Project       string        `mapstructure:"project"`
	ConnectLimit  int           `mapstructure:"connect_limit"`
	ConnectWindow time.Duration `mapstructure:"connect_window"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
// RELAY_* environment variables override both, e.g. RELAY_SESSION_QUEUE_SIZE.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("storage", cfg.Storage.Driver).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := session.DefaultConfig()
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.url", "ws://localhost:8080/api/relay")
	v.SetDefault("relay.token", "")

	v.SetDefault("session.request_timeout", def.RequestTimeout)
	v.SetDefault("session.ping_interval", def.PingInterval)
	v.SetDefault("session.ping_timeout", def.PingTimeout)
	v.SetDefault("session.queue_size", def.QueueSize)
	v.SetDefault("session.expiry_check_interval", def.ExpiryCheckInterval)
	v.SetDefault("session.expiry_margin", def.ExpiryMargin)
	v.SetDefault("session.agent", def.Agent)
	v.SetDefault("session.retry.kind", string(def.Retry.Kind))
	v.SetDefault("session.retry.delay", def.Retry.Delay)
	v.SetDefault("session.retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("session.retry.multiplier", def.Retry.Multiplier)
	v.SetDefault("session.retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("session.retry.immediate", def.Retry.Immediate)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "data/relay.db")

	v.SetDefault("stub.secret", "")
	v.SetDefault("stub.project", "stub-project")
	v.SetDefault("stub.connect_limit", 0)
	v.SetDefault("stub.connect_window", time.Minute)
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if err := c.Session.Retry.Validate(); err != nil {
		return fmt.Errorf("session.retry: %w", err)
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
