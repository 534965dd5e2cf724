// The application's root configuration for the stealth transport and
// streaming engine.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Network NetworkConfig `mapstructure:"network"`
	Stealth StealthConfig `mapstructure:"stealth"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
// This is the single source of truth for this struct.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// NetworkConfig holds settings for the fingerprinted HTTP transport.
type NetworkConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	InsecureSkipVerify  bool          `mapstructure:"insecure_skip_verify"`
	ProxyURL            string        `mapstructure:"proxy_url"`
}

// StealthConfig selects the wire identity presented to the server.
type StealthConfig struct {
	// Profile names an entry in the fingerprint catalog ("ios-app" or
	// "chrome-web").
	Profile  string `mapstructure:"profile"`
	Language string `mapstructure:"language"`
	Timezone string `mapstructure:"timezone"`
	// DeviceID pins the reported device identifier. A fresh one is
	// generated when empty.
	DeviceID string `mapstructure:"device_id"`
}

// StreamConfig holds the reconnection policy for answer streams.
type StreamConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	StallTimeout   time.Duration `mapstructure:"stall_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// SupportsResume enables cursor-based resume on reconnect. Disabled
	// by default: an endpoint not confirmed to honor Last-Event-ID gets a
	// full restart instead of a silently gapped transcript.
	SupportsResume bool `mapstructure:"supports_resume"`
}

// AuthConfig carries the opaque credential material supplied by the caller.
// The engine never mints these itself; they arrive via the config file or
// the PPLX_* environment bindings set up in the root command.
type AuthConfig struct {
	SessionToken   string `mapstructure:"session_token"`
	ClearanceToken string `mapstructure:"clearance_token"`
	CSRFToken      string `mapstructure:"csrf_token"`
	BearerToken    string `mapstructure:"bearer_token"`
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "perplexity-ai")
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	v.SetDefault("network.base_url", "https://www.perplexity.ai")
	v.SetDefault("network.dial_timeout", 15*time.Second)
	v.SetDefault("network.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("network.request_timeout", 60*time.Second)

	v.SetDefault("stealth.profile", "ios-app")
	v.SetDefault("stealth.language", "en-US")
	v.SetDefault("stealth.timezone", "America/New_York")

	v.SetDefault("stream.max_attempts", 4)
	v.SetDefault("stream.backoff_min", 500*time.Millisecond)
	v.SetDefault("stream.backoff_max", 8*time.Second)
	v.SetDefault("stream.stall_timeout", 30*time.Second)
	v.SetDefault("stream.attempt_timeout", 15*time.Second)
	v.SetDefault("stream.supports_resume", false)
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set installs a pre-built configuration instance. Intended for tests.
func Set(cfg *Config) {
	once.Do(func() {})
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
