package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "RELIEF"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	Secret     string        `mapstructure:"secret"`

	Log        LogConfig      `mapstructure:"log"`
	WS         WSConfig       `mapstructure:"ws"`
	Rate       RateConfig     `mapstructure:"rate"`
	Dedupe     DedupeConfig   `mapstructure:"dedupe"`
	Protocol   ProtocolConfig `mapstructure:"protocol"`
	Calls      CallsConfig    `mapstructure:"calls"`
	Auth       AuthConfig     `mapstructure:"auth"`
	ICEServers []string       `mapstructure:"ice_servers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WSConfig struct {
	SendBuffer     int      `mapstructure:"send_buffer"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateConfig bounds inbound frames per connection: Limit frames per Interval.
type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type DedupeConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ProtocolConfig struct {
	LegacyEventNames bool `mapstructure:"legacy_event_names"`
	ValidateSDP      bool `mapstructure:"validate_sdp"`
}

type CallsConfig struct {
	Strict          bool          `mapstructure:"strict"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	EndOnDisconnect bool          `mapstructure:"end_on_disconnect"`
}

type AuthConfig struct {
	Mode      string `mapstructure:"mode"`
	Required  bool   `mapstructure:"required"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

var (
	ErrInvalidPort    = errors.New("port out of range")
	ErrInvalidTimings = errors.New("pong_wait must exceed ping_period")
)

// Load reads config/config.<CONFIG_ENV>.yaml, "dev" when unset.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads fileName over the defaults. A missing file is not an error;
// RELIEF_* environment variables override both.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("auth", cfg.Auth.Mode).
		Bool("strict_calls", cfg.Calls.Strict).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("secret", "relief-dev-secret")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.allowed_origins", []string{})

	v.SetDefault("rate.limit", 50)
	v.SetDefault("rate.interval", "1s")

	v.SetDefault("dedupe.capacity", 1024)
	v.SetDefault("dedupe.ttl", "0s")

	v.SetDefault("protocol.legacy_event_names", false)
	v.SetDefault("protocol.validate_sdp", false)

	v.SetDefault("calls.strict", false)
	v.SetDefault("calls.request_timeout", "30s")
	v.SetDefault("calls.sweep_interval", "5s")
	v.SetDefault("calls.end_on_disconnect", true)

	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.required", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.PongWait <= c.PingPeriod {
		return fmt.Errorf("%w: ping_period=%s pong_wait=%s", ErrInvalidTimings, c.PingPeriod, c.PongWait)
	}
	return nil
}
