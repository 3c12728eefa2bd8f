package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	PublicURL    string        `mapstructure:"public_url"`

	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	RTC       RTCConfig       `mapstructure:"rtc"`
}

type SessionConfig struct {
	HostGracePeriod time.Duration `mapstructure:"host_grace_period"`
	// Backpressure is "drop", "evict" or anything else for the default policy.
	Backpressure string `mapstructure:"backpressure"`
}

type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type RTCConfig struct {
	ICEServers      []string `mapstructure:"ice_servers"`
	UDPPortMin      uint16   `mapstructure:"udp_port_min"`
	UDPPortMax      uint16   `mapstructure:"udp_port_max"`
	NAT1To1IPs      []string `mapstructure:"nat1to1_ips"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("session.host_grace_period", "10s")
	v.SetDefault("session.backpressure", "default")
	v.SetDefault("ratelimit.limit", 10)
	v.SetDefault("ratelimit.interval", "1m")
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.udp_port_min", 0)
	v.SetDefault("rtc.udp_port_max", 0)
	v.SetDefault("rtc.nat1to1_ips", []string{})
	v.SetDefault("rtc.include_loopback", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml. A missing file falls back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
		v.OnConfigChange(func(e fsnotify.Event) {
			ApplyLogLevel(v.GetString("log_level"))
			log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		})
		v.WatchConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}

// ApplyLogLevel sets the global zerolog level; unknown names keep the current one.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("module", "config").Str("level", level).Msg("unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
