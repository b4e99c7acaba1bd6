// Package config loads the daemon configuration from a YAML file under
// the XDG config home (or an explicit path) merged with DAGOBAH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/dagobah-org/dagobah/internal/build"
	"github.com/dagobah-org/dagobah/internal/remote"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`

	SSHConfig string `mapstructure:"ssh_config"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	Mail Mail `mapstructure:"mail"`

	// ConfigFile is the file the values came from, empty when running
	// on defaults and environment alone.
	ConfigFile string `mapstructure:"-"`
}

// Mail configures the SMTP notifier. Disabled unless a host is set.
type Mail struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	// Events selects which lifecycle events get a mail; empty means
	// job_failed and task_failed.
	Events []string `mapstructure:"events"`
}

// Enabled reports whether the notifier should be wired up.
func (m Mail) Enabled() bool { return m.Host != "" && len(m.To) > 0 }

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Loader reads and merges configuration sources.
type Loader struct {
	mu         sync.Mutex
	configFile string
}

// Option configures a Loader.
type Option func(*Loader)

// WithConfigFile sets an explicit config file path, bypassing the XDG
// search.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.configFile = path }
}

// Load resolves the configuration.
func Load(opts ...Option) (*Config, error) {
	loader := &Loader{}
	for _, opt := range opts {
		opt(loader)
	}
	return loader.Load()
}

// Load initializes viper, reads the config file when present, applies
// environment overrides and returns the typed configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := viper.New()
	l.setDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(build.AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName(build.AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, build.AppName))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	return &cfg, nil
}

func (l *Loader) setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 9755)
	v.SetDefault("database", "sqlite://"+filepath.Join(
		xdg.DataHome, build.AppName, build.AppName+".db"))
	v.SetDefault("ssh_config", remote.DefaultConfigPath())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("mail.port", 25)
	v.SetDefault("mail.from", build.AppName+"@localhost")
}
