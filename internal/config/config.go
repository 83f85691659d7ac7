package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "ROOMMESH"

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	Relay       RelayConfig       `mapstructure:"relay"`
	Participant ParticipantConfig `mapstructure:"participant"`
}

// RelayConfig tunes the signaling relay server.
type RelayConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Backpressure string        `mapstructure:"backpressure"`
}

// ParticipantConfig is the studyroom client side.
type ParticipantConfig struct {
	Name      string   `mapstructure:"name"`
	Subject   string   `mapstructure:"subject"`
	Transport string   `mapstructure:"transport"`
	RelayURL  string   `mapstructure:"relay_url"`
	STUN      []string `mapstructure:"stun_servers"`

	Listen    []string `mapstructure:"listen"`
	Bootstrap []string `mapstructure:"bootstrap"`
	MDNS      bool     `mapstructure:"mdns"`

	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	DetectorInterval  time.Duration `mapstructure:"detector_interval"`
	CandidateHold     time.Duration `mapstructure:"candidate_hold"`
	SyncOnJoin        bool          `mapstructure:"sync_on_join"`
	Microphone        bool          `mapstructure:"microphone"`
}

// Loader owns the viper instance so callers can bind flags and watch the
// file after the first load.
type Loader struct {
	v    *viper.Viper
	file string

	mu  sync.Mutex
	cfg *Config
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v, file: fileName}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "roommesh-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.write_wait", "10s")
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.rate_limit", 200)
	v.SetDefault("relay.rate_interval", "1s")
	v.SetDefault("relay.backpressure", "kick")

	v.SetDefault("participant.name", "")
	v.SetDefault("participant.subject", "")
	v.SetDefault("participant.transport", "ws")
	v.SetDefault("participant.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("participant.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("participant.listen", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("participant.bootstrap", []string{})
	v.SetDefault("participant.mdns", true)
	v.SetDefault("participant.speaking_threshold", 0.02)
	v.SetDefault("participant.detector_interval", "20ms")
	v.SetDefault("participant.candidate_hold", "10s")
	v.SetDefault("participant.sync_on_join", true)
	v.SetDefault("participant.microphone", true)
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.file).Msg("loaded config")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("log_level", cfg.LogLevel).Msg("config ready")
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the config file on change and hands the new value to fn.
// Only settings that can change at runtime should be read from it.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the last successfully loaded config.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func Load() (*Config, error) {
	return NewLoader().Load()
}

// ApplyLogLevel sets the zerolog global level; unknown names fall back to info.
func ApplyLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}
