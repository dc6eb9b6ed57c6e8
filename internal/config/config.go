package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/meshcall/internal/chunk"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	// Relay
	SendBuffer       int           `mapstructure:"send_buffer"`
	Backpressure     string        `mapstructure:"backpressure"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`

	// Peer
	SignalURL      string        `mapstructure:"signal_url"`
	Room           string        `mapstructure:"room"`
	Nickname       string        `mapstructure:"nickname"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	MaxFrameSize   int           `mapstructure:"max_frame_size"`
	MaxMessageSize uint32        `mapstructure:"max_message_size"`
	ReassemblyTTL  time.Duration `mapstructure:"reassembly_ttl"`
	MuteTimeout    time.Duration `mapstructure:"mute_timeout"`
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env))
}

func load(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("MESHCALL")
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meshcall-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("send_buffer", 32)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")

	v.SetDefault("signal_url", "http://localhost:8080")
	v.SetDefault("room", "lobby")
	v.SetDefault("nickname", "guest")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("max_frame_size", 16384)
	v.SetDefault("max_message_size", 64<<20)
	v.SetDefault("reassembly_ttl", "2m")
	v.SetDefault("mute_timeout", "1500ms")
}

func (c *Config) validate() error {
	if c.MaxFrameSize <= chunk.HeaderSize {
		return fmt.Errorf("max_frame_size %d must exceed the chunk header", c.MaxFrameSize)
	}
	switch c.Backpressure {
	case "kick", "drop", "none":
	default:
		return fmt.Errorf("unknown backpressure policy %q", c.Backpressure)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level is the configured zerolog level, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
