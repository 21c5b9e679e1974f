// Package config loads delta settings from defaults, a config file, a .env
// file, DELTA_* environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// EnvPrefix is the prefix of environment overrides: repo.id is read from
// DELTA_REPO_ID.
const EnvPrefix = "DELTA"

// FileName is the config file base name searched for, without extension.
const FileName = "delta"

// Config holds every setting.
type Config struct {
	Repo      RepoConfig      `mapstructure:"repo"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Peers     []string        `mapstructure:"peers"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// RepoConfig identifies the local repo.
type RepoConfig struct {
	Role string `mapstructure:"role"`
	ID   string `mapstructure:"id"`
	Path string `mapstructure:"path"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SyncConfig holds protocol tunables.
type SyncConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	MaxRetainedTombstones int           `mapstructure:"max_retained_tombstones"`
	PushInterval          time.Duration `mapstructure:"push_interval"`
	PullInterval          time.Duration `mapstructure:"pull_interval"`
	Merge                 string        `mapstructure:"merge"`
}

// ServerConfig configures the HTTP endpoint of `serve`.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	Secret string `mapstructure:"secret"`
}

// UpstreamConfig points a mirror at the repo it pushes to.
type UpstreamConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type DaemonConfig struct {
	Inbox string `mapstructure:"inbox"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig enables file logging with rotation when File is set.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Roles and drivers accepted by Validate.
const (
	RoleMaster = "master"
	RoleMirror = "mirror"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Defaults returns the built-in settings.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"repo.role":                    RoleMirror,
		"repo.id":                      "",
		"repo.path":                    ".delta",
		"store.driver":                 DriverSQLite,
		"store.dsn":                    "",
		"sync.batch_size":              100,
		"sync.max_retained_tombstones": 1000,
		"sync.push_interval":           "10s",
		"sync.pull_interval":           "30s",
		"sync.merge":                   "incoming",
		"server.addr":                  "127.0.0.1:7480",
		"server.secret":                "",
		"upstream.url":                 "",
		"upstream.token":               "",
		"peers":                        []string{},
		"daemon.inbox":                 "",
		"dashboard.port":               7481,
		"log.file":                     "",
		"log.max_size_mb":              10,
		"log.max_backups":              3,
		"log.max_age_days":             28,
	}
}

// Default returns the built-in settings as a Config, ignoring the
// environment.
func Default() *Config {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not decode: %v", err))
	}
	return &cfg
}

// New returns a viper instance primed with defaults and environment
// overrides. Flags can be bound to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadOptions says where to look for files.
type LoadOptions struct {
	// ConfigFile is an explicit config path. Empty searches FileName.{toml,yaml}
	// in the working directory and $HOME/.config/delta.
	ConfigFile string

	// EnvFile is a dotenv file. Empty means ".env"; a missing file is fine.
	EnvFile string
}

// Load reads the config file and .env into v, then decodes and validates
// the result.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "delta"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the commands cannot run with.
func (c *Config) Validate() error {
	switch c.Repo.Role {
	case RoleMaster, RoleMirror:
	default:
		return fmt.Errorf("repo.role must be %s or %s (got %q)", RoleMaster, RoleMirror, c.Repo.Role)
	}
	if schema.RepoPk(c.Repo.ID).IsLocal() {
		return fmt.Errorf("repo.id must not be %q", schema.Local)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
		if c.Repo.Role != RoleMaster {
			return fmt.Errorf("the postgres driver only backs a master")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory (got %q)", c.Store.Driver)
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive (got %d)", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetainedTombstones <= 0 {
		return fmt.Errorf("sync.max_retained_tombstones must be positive (got %d)", c.Sync.MaxRetainedTombstones)
	}
	if c.Sync.PushInterval <= 0 || c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if _, err := schema.MergeByName(c.Sync.Merge); err != nil {
		return fmt.Errorf("sync.merge: %w", err)
	}

	if c.Server.Secret == "" && !isLoopback(c.Server.Addr) {
		return fmt.Errorf("server.secret is required when listening on %s", c.Server.Addr)
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Merge returns the configured merge function.
func (c *Config) Merge() schema.MergeFunc {
	fn, err := schema.MergeByName(c.Sync.Merge)
	if err != nil {
		return schema.TakeIncoming
	}
	return fn
}

// DBPath is the SQLite database of the repo.
func (c *Config) DBPath() string {
	return filepath.Join(c.Repo.Path, "delta.db")
}

// InboxPath is the daemon's drop-box directory.
func (c *Config) InboxPath() string {
	if c.Daemon.Inbox != "" {
		return c.Daemon.Inbox
	}
	return filepath.Join(c.Repo.Path, "inbox")
}

// LockPath guards the repo directory against concurrent processes.
func (c *Config) LockPath() string {
	return filepath.Join(c.Repo.Path, "delta.lock")
}
