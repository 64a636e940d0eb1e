package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the hub runtime parameters.
type Config struct {
	ListenAddress    string        `mapstructure:"listen_address"`
	AdminAddress     string        `mapstructure:"admin_address"`
	LogLevel         string        `mapstructure:"log_level"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	Store            StoreConfig   `mapstructure:"store"`
}

// StoreConfig describes how the device store backend is initialized.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultListenAddress    = "0.0.0.0:7120"
	defaultAdminAddress     = "127.0.0.1:7121"
	defaultLogLevel         = "info"
	defaultConnectTimeout   = 10 * time.Second
	defaultReconnectBackoff = 2 * time.Second
	defaultPassphraseEnv    = "COMPANIONLINK_STORE_PASSPHRASE"
	defaultStorePath        = "data/devices.sealed"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with COMPANIONLINK_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMPANIONLINK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("connect_timeout", defaultConnectTimeout.String())
	v.SetDefault("reconnect_backoff", defaultReconnectBackoff.String())
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("store.passphrase_env", defaultPassphraseEnv)

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

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"connect_timeout", &cfg.ConnectTimeout, defaultConnectTimeout},
		{"reconnect_backoff", &cfg.ReconnectBackoff, defaultReconnectBackoff},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Store.PassphraseEnv == "" {
		cfg.Store.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}

	return cfg, nil
}

// Passphrase fetches the store passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Store.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("store passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
