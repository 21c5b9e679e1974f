package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"
)

// Formats accepted by Encode and WriteFile.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// Settings returns c as nested maps keyed like the config file. Durations
// are rendered as strings ("10s") so both formats read back the same way.
func (c *Config) Settings() map[string]interface{} {
	peers := c.Peers
	if peers == nil {
		peers = []string{}
	}
	return map[string]interface{}{
		"repo": map[string]interface{}{
			"role": c.Repo.Role,
			"id":   c.Repo.ID,
			"path": c.Repo.Path,
		},
		"store": map[string]interface{}{
			"driver": c.Store.Driver,
			"dsn":    c.Store.DSN,
		},
		"sync": map[string]interface{}{
			"batch_size":              c.Sync.BatchSize,
			"max_retained_tombstones": c.Sync.MaxRetainedTombstones,
			"push_interval":           c.Sync.PushInterval.String(),
			"pull_interval":           c.Sync.PullInterval.String(),
			"merge":                   c.Sync.Merge,
		},
		"server": map[string]interface{}{
			"addr":   c.Server.Addr,
			"secret": c.Server.Secret,
		},
		"upstream": map[string]interface{}{
			"url":   c.Upstream.URL,
			"token": c.Upstream.Token,
		},
		"peers": peers,
		"daemon": map[string]interface{}{
			"inbox": c.Daemon.Inbox,
		},
		"dashboard": map[string]interface{}{
			"port": c.Dashboard.Port,
		},
		"log": map[string]interface{}{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}

// Encode renders c in format.
func (c *Config) Encode(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatTOML, "":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c.Settings()); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatYAML, "yml":
		data, err := yaml.Marshal(c.Settings())
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown config format %q (want toml or yaml)", format)
}

// WriteFile writes c to path in the format implied by its extension.
// An existing file is left alone unless overwrite is set.
func WriteFile(path string, c *Config, overwrite bool) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	data, err := c.Encode(format)
	if err != nil {
		return err
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// The file may hold server.secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Prompt asks for the settings `config init` cannot guess. It needs an
// interactive terminal.
func Prompt(c *Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Role").
				Description("A master is canonical; mirrors push to it and pull from it.").
				Options(huh.NewOptions(RoleMirror, RoleMaster)...).
				Value(&c.Repo.Role),
			huh.NewSelect[string]().
				Title("Storage").
				Options(huh.NewOptions(DriverSQLite, DriverPostgres, DriverMemory)...).
				Value(&c.Store.Driver),
			huh.NewSelect[string]().
				Title("Merge strategy").
				Options(huh.NewOptions("incoming", "json")...).
				Value(&c.Sync.Merge),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Postgres DSN").
				Value(&c.Store.DSN),
		).WithHideFunc(func() bool { return c.Store.Driver != DriverPostgres }),
		huh.NewGroup(
			huh.NewInput().
				Title("Upstream URL").
				Placeholder("http://master.example:7480").
				Value(&c.Upstream.URL),
		).WithHideFunc(func() bool { return c.Repo.Role != RoleMirror }),
		huh.NewGroup(
			huh.NewInput().
				Title("Server address").
				Value(&c.Server.Addr),
			huh.NewInput().
				Title("Shared secret").
				Description("Signs peer tokens. Leave empty for loopback-only use.").
				EchoMode(huh.EchoModePassword).
				Value(&c.Server.Secret),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("config prompt cancelled: %w", err)
	}
	return c.Validate()
}
