// Package config loads service settings from defaults, an optional YAML file and
// COLLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/UkralStul/collab-doc-service/internal/logger"
)

const (
	EnvPrefix = "COLLAB"

	StorageInMemory = "in-memory"
	StoragePostgres = "postgres"
)

type Server struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MaxBodySize     string        `mapstructure:"max_body_size" yaml:"max_body_size"`
	WSPingInterval  time.Duration `mapstructure:"ws_ping_interval" yaml:"ws_ping_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BodyLimit возвращает max_body_size в байтах.
func (s Server) BodyLimit() (int64, error) {
	size, err := units.FromHumanSize(s.MaxBodySize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_body_size %q: %w", s.MaxBodySize, err)
	}
	return size, nil
}

type Storage struct {
	Type          string `mapstructure:"type" yaml:"type"`
	DatabaseURL   string `mapstructure:"database_url" yaml:"database_url"`
	NotifyChannel string `mapstructure:"notify_channel" yaml:"notify_channel"`
}

type Logging struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Options переводит секцию в параметры логгера.
func (l Logging) Options() logger.Options {
	return logger.Options{Level: l.Level, Format: l.Format}
}

type Collab struct {
	EditDebounce     time.Duration `mapstructure:"edit_debounce" yaml:"edit_debounce"`
	PresenceThrottle time.Duration `mapstructure:"presence_throttle" yaml:"presence_throttle"`
	PresencePoll     time.Duration `mapstructure:"presence_poll" yaml:"presence_poll"`
	PresenceTTL      time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
}

// Config - настройки сервиса.
type Config struct {
	Server  Server  `mapstructure:"server" yaml:"server"`
	Storage Storage `mapstructure:"storage" yaml:"storage"`
	Logging Logging `mapstructure:"logging" yaml:"logging"`
	Collab  Collab  `mapstructure:"collab" yaml:"collab"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			MaxBodySize:     "4MB",
			WSPingInterval:  10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			Type:          StorageInMemory,
			NotifyChannel: "collab_events",
		},
		Logging: Logging{
			Level:  "info",
			Format: logger.FormatJSON,
		},
		Collab: Collab{
			EditDebounce:     time.Second,
			PresenceThrottle: 100 * time.Millisecond,
			PresencePoll:     time.Second,
			PresenceTTL:      30 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.ws_ping_interval", d.Server.WSPingInterval)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.database_url", d.Storage.DatabaseURL)
	v.SetDefault("storage.notify_channel", d.Storage.NotifyChannel)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("collab.edit_debounce", d.Collab.EditDebounce)
	v.SetDefault("collab.presence_throttle", d.Collab.PresenceThrottle)
	v.SetDefault("collab.presence_poll", d.Collab.PresencePoll)
	v.SetDefault("collab.presence_ttl", d.Collab.PresenceTTL)
}

// Load читает конфигурацию. Приоритет: env > файл > значения по умолчанию.
// Явно указанный файл обязан существовать; без него ищется ./collab.yaml.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("collab")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if _, err := c.Server.BodyLimit(); err != nil {
		return err
	}
	switch c.Storage.Type {
	case StorageInMemory:
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage.type %q: must be %s or %s", c.Storage.Type, StorageInMemory, StoragePostgres)
	}
	if err := c.Logging.Options().Validate(); err != nil {
		return err
	}

	durations := map[string]time.Duration{
		"server.ws_ping_interval":  c.Server.WSPingInterval,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"collab.edit_debounce":     c.Collab.EditDebounce,
		"collab.presence_throttle": c.Collab.PresenceThrottle,
		"collab.presence_poll":     c.Collab.PresencePoll,
		"collab.presence_ttl":      c.Collab.PresenceTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Save записывает конфигурацию в YAML, создавая каталог при необходимости.
func Save(c *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
