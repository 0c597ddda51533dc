// Package config loads crewsync settings.
//
// Values come from, in increasing precedence: built-in defaults, a
// crewsync.toml or crewsync.yaml file, CREWSYNC_* environment variables and
// command line flags bound by the caller. Keys are dotted, e.g.
// sync.retry_interval, and map to CREWSYNC_SYNC_RETRY_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "CREWSYNC"

// FileName is the config file name without extension.
const FileName = "crewsync"

// Config is the full settings tree.
type Config struct {
	Remote   RemoteConfig   `mapstructure:"remote" toml:"remote" yaml:"remote"`
	Realtime RealtimeConfig `mapstructure:"realtime" toml:"realtime" yaml:"realtime"`
	Cache    CacheConfig    `mapstructure:"cache" toml:"cache" yaml:"cache"`
	User     UserConfig     `mapstructure:"user" toml:"user" yaml:"user"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync" yaml:"sync"`
	Log      LogConfig      `mapstructure:"log" toml:"log" yaml:"log"`
}

// RemoteConfig locates the remote store. An empty URL selects the
// in-memory store.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" toml:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" toml:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`
}

// RealtimeConfig locates the event channel. An empty URL selects the
// in-process hub.
type RealtimeConfig struct {
	URL           string        `mapstructure:"url" toml:"url" yaml:"url"`
	TypingTimeout time.Duration `mapstructure:"typing_timeout" toml:"typing_timeout" yaml:"typing_timeout"`
}

type CacheConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path"`
}

type UserConfig struct {
	ID    string `mapstructure:"id" toml:"id" yaml:"id"`
	Name  string `mapstructure:"name" toml:"name" yaml:"name"`
	Token string `mapstructure:"token" toml:"token" yaml:"token"`
}

type SyncConfig struct {
	Workers         int           `mapstructure:"workers" toml:"workers" yaml:"workers"`
	QueueSize       int           `mapstructure:"queue_size" toml:"queue_size" yaml:"queue_size"`
	RetryInterval   time.Duration `mapstructure:"retry_interval" toml:"retry_interval" yaml:"retry_interval"`
	ReconcileWindow time.Duration `mapstructure:"reconcile_window" toml:"reconcile_window" yaml:"reconcile_window"`
	AdminCountTTL   time.Duration `mapstructure:"admin_count_ttl" toml:"admin_count_ttl" yaml:"admin_count_ttl"`
	MessagesPerRoom int           `mapstructure:"messages_per_room" toml:"messages_per_room" yaml:"messages_per_room"`
	RoomConcurrency int           `mapstructure:"room_concurrency" toml:"room_concurrency" yaml:"room_concurrency"`
}

type LogConfig struct {
	Level string `mapstructure:"level" toml:"level" yaml:"level"`
	// Format is auto, console or json.
	Format     string `mapstructure:"format" toml:"format" yaml:"format"`
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Remote:   RemoteConfig{Timeout: 30 * time.Second},
		Realtime: RealtimeConfig{TypingTimeout: 5 * time.Second},
		Cache:    CacheConfig{Path: defaultCachePath()},
		Sync: SyncConfig{
			Workers:         4,
			QueueSize:       256,
			RetryInterval:   30 * time.Second,
			ReconcileWindow: 2 * time.Second,
			AdminCountTTL:   30 * time.Second,
			MessagesPerRoom: 50,
			RoomConcurrency: 4,
		},
		Log: LogConfig{Level: "info", Format: "auto", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "crewsync", "cache.db")
	}
	return filepath.Join(".crewsync", "cache.db")
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}
	if c.Sync.Workers <= 0 {
		errs = append(errs, fmt.Errorf("sync.workers must be positive (got %d)", c.Sync.Workers))
	}
	if c.Sync.ReconcileWindow < 0 {
		errs = append(errs, errors.New("sync.reconcile_window must not be negative"))
	}
	if c.Sync.MessagesPerRoom <= 0 {
		errs = append(errs, fmt.Errorf("sync.messages_per_room must be positive (got %d)", c.Sync.MessagesPerRoom))
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, console or json (got %q)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Loader reads settings through viper and keeps the latest result.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg Config
}

// NewLoader returns a loader with defaults and environment overrides
// registered. Call Load to read the config file.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v, cfg: Default()}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.typing_timeout", d.Realtime.TypingTimeout)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("user.id", d.User.ID)
	v.SetDefault("user.name", d.User.Name)
	v.SetDefault("user.token", d.User.Token)
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.queue_size", d.Sync.QueueSize)
	v.SetDefault("sync.retry_interval", d.Sync.RetryInterval)
	v.SetDefault("sync.reconcile_window", d.Sync.ReconcileWindow)
	v.SetDefault("sync.admin_count_ttl", d.Sync.AdminCountTTL)
	v.SetDefault("sync.messages_per_room", d.Sync.MessagesPerRoom)
	v.SetDefault("sync.room_concurrency", d.Sync.RoomConcurrency)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads path, or searches the working directory and
// $HOME/.config/crewsync when path is empty. A missing file is not an
// error when searching.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(FileName)
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "crewsync"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.reload()
}

func (l *Loader) reload() (Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the last successfully loaded settings.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File returns the config file in use, or "" when none was found.
func (l *Loader) File() string { return l.v.ConfigFileUsed() }

// Watch calls fn with the reloaded settings whenever the config file
// changes. Invalid edits are reported through onErr and the previous
// settings stay in effect.
func (l *Loader) Watch(fn func(Config), onErr func(error)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.reload()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// WriteFile writes cfg as TOML to path. It refuses to overwrite an
// existing file unless force is set.
func WriteFile(path string, cfg Config, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// YAML renders cfg with secrets masked.
func (c Config) YAML() ([]byte, error) {
	masked := c
	masked.Remote.APIKey = mask(c.Remote.APIKey)
	masked.User.Token = mask(c.User.Token)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 8)
}
