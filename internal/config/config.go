// Package config loads lsq settings from TOML, layering file values over
// defaults and environment overrides over both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lsq-dev/lsq/internal/lsp"
)

// EnvTimeout overrides timeout_ms when set.
const EnvTimeout = "LSQ_TIMEOUT_MS"

// ServerConfig describes one language server entry in the config file.
type ServerConfig struct {
	Name        string            `toml:"name"`
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Env         map[string]string `toml:"env"`
	Extensions  []string          `toml:"extensions"`
	RootMarkers []string          `toml:"root_markers"`
	InitOptions map[string]any    `toml:"initialization_options"`
}

// Config is the root configuration.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	TimeoutMS          int `toml:"timeout_ms"`
	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`

	// Servers augments the built-in catalog. An entry whose key matches a
	// built-in ID replaces it; new keys are appended in sorted order.
	Servers map[string]ServerConfig `toml:"servers"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel:           "info",
		LogFormat:          "console",
		TimeoutMS:          int(lsp.DefaultRequestTimeout / time.Millisecond),
		HandshakeTimeoutMS: int(lsp.DefaultHandshakeTimeout / time.Millisecond),
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "lsq", "config.toml"), nil
}

// Load reads the config at path, or the default location when path is
// empty. A missing file at the default location is not an error; defaults
// apply. An explicitly given path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved := path
	if resolved == "" {
		var err error
		if resolved, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == "":
	case err != nil:
		return nil, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	raw := strings.TrimSpace(os.Getenv(EnvTimeout))
	if raw == "" {
		return nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", EnvTimeout, err)
	}
	c.TimeoutMS = ms
	return nil
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMS))
	}
	if c.HandshakeTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout_ms must be positive, got %d", c.HandshakeTimeoutMS))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	for id, server := range c.Servers {
		if server.Command == "" {
			errs = append(errs, fmt.Errorf("servers.%s: command is required", id))
		}
		if len(server.Extensions) == 0 {
			errs = append(errs, fmt.Errorf("servers.%s: extensions is required", id))
		}
		for _, ext := range server.Extensions {
			if !strings.HasPrefix(ext, ".") {
				errs = append(errs, fmt.Errorf("servers.%s: extension %q must start with a dot", id, ext))
			}
		}
	}
	return errors.Join(errs...)
}

// RequestTimeout returns timeout_ms as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns handshake_timeout_ms as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// Descriptors builds the server catalog: the built-in descriptors with
// configured entries replacing same-ID built-ins, then any new configured
// servers appended in sorted key order so discovery order is stable.
func (c *Config) Descriptors() []lsp.ServerDescriptor {
	catalog := lsp.DefaultDescriptors()

	byID := make(map[string]int, len(catalog))
	for i, d := range catalog {
		byID[d.ID] = i
	}

	extra := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		if _, ok := byID[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)

	for id, server := range c.Servers {
		if i, ok := byID[id]; ok {
			catalog[i] = server.descriptor(id)
		}
	}
	for _, id := range extra {
		catalog = append(catalog, c.Servers[id].descriptor(id))
	}
	return catalog
}

func (s ServerConfig) descriptor(id string) lsp.ServerDescriptor {
	name := s.Name
	if name == "" {
		name = id
	}
	var initOpts any
	if len(s.InitOptions) > 0 {
		initOpts = s.InitOptions
	}
	return lsp.ServerDescriptor{
		ID:                    id,
		Name:                  name,
		Command:               s.Command,
		Args:                  s.Args,
		Env:                   s.Env,
		Extensions:            s.Extensions,
		RootMarkers:           s.RootMarkers,
		InitializationOptions: initOpts,
	}
}
