package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the shell manifest once the
// loader resolves it.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Origin   OriginConfig   `koanf:"origin"`
	Shell    ShellConfig    `koanf:"shell"`
	Runtime  RuntimeConfig  `koanf:"runtime"`
	Classify ClassifyConfig `koanf:"classify"`

	// ManifestSource records which file supplied the shell asset manifest
	// once the loader resolves it. Excluded from koanf so the value only
	// reflects runtime discovery.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the gateway lifecycle.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TemplatesConfig captures the fallback-template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// StoreConfig selects the namespace store backend.
type StoreConfig struct {
	Backend string           `koanf:"backend"`
	Redis   RedisStoreConfig `koanf:"redis"`
}

// RedisStoreConfig carries the Valkey/Redis connection settings.
type RedisStoreConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisStoreTLSConfig `koanf:"tls"`
}

type RedisStoreTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OriginConfig describes the upstream dashboard server the gateway fronts.
type OriginConfig struct {
	URL                 string `koanf:"url"`
	APIPrefix           string `koanf:"apiPrefix"`
	FetchTimeoutSeconds int    `koanf:"fetchTimeoutSeconds"`
}

// ShellConfig describes the application shell: its version tag, the asset
// manifest populated at install time, and the offline fallback document.
type ShellConfig struct {
	Version         string   `koanf:"version"`
	ManifestFile    string   `koanf:"manifestFile"`
	Assets          []string `koanf:"assets"`
	OfflinePath     string   `koanf:"offlinePath"`
	OfflineTemplate string   `koanf:"offlineTemplate"`
	WatchManifest   bool     `koanf:"watchManifest"`
	AutoActivate    bool     `koanf:"autoActivate"`
}

// RuntimeConfig bounds the lazily populated runtime namespace.
type RuntimeConfig struct {
	Capacity             int     `koanf:"capacity"`
	EvictFraction        float64 `koanf:"evictFraction"`
	SweepIntervalSeconds int     `koanf:"sweepIntervalSeconds"`
}

// ClassifyConfig supplies optional CEL expressions that force a request to
// bypass interception when any of them evaluates to true.
type ClassifyConfig struct {
	Bypass []string `koanf:"bypass"`
}

// DefaultConfig returns the documented defaults applied before file and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8090},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Store:   StoreConfig{Backend: "memory"},
		},
		Origin: OriginConfig{
			URL:                 "http://127.0.0.1:8000",
			APIPrefix:           "/api",
			FetchTimeoutSeconds: 8,
		},
		Shell: ShellConfig{
			Version:      "v1",
			OfflinePath:  "/offline.html",
			AutoActivate: true,
		},
		Runtime: RuntimeConfig{
			Capacity:      100,
			EvictFraction: 0.2,
		},
	}
}

// Validate rejects configurations the runtime cannot honor. Called by the
// loader after every source is merged.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	parsed, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("config: origin url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("config: origin url %q must be absolute", c.Origin.URL)
	}
	if !strings.HasPrefix(c.Origin.APIPrefix, "/") {
		return fmt.Errorf("config: api prefix %q must start with /", c.Origin.APIPrefix)
	}
	if c.Origin.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("config: fetch timeout must be positive, got %d", c.Origin.FetchTimeoutSeconds)
	}
	version := strings.TrimSpace(c.Shell.Version)
	if version == "" {
		return fmt.Errorf("config: shell version required")
	}
	// The version tag becomes a namespace name segment.
	if strings.ContainsAny(version, ": \t") {
		return fmt.Errorf("config: shell version %q may not contain colons or spaces", version)
	}
	if !strings.HasPrefix(c.Shell.OfflinePath, "/") {
		return fmt.Errorf("config: offline path %q must start with /", c.Shell.OfflinePath)
	}
	if c.Runtime.Capacity <= 0 {
		return fmt.Errorf("config: runtime capacity must be positive, got %d", c.Runtime.Capacity)
	}
	if c.Runtime.EvictFraction <= 0 || c.Runtime.EvictFraction > 1 {
		return fmt.Errorf("config: evict fraction %v must be in (0, 1]", c.Runtime.EvictFraction)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Store.Backend)) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported store backend %q", c.Server.Store.Backend)
	}
	return nil
}

// OriginURL returns the parsed origin. Validate must have accepted the
// configuration first.
func (c Config) OriginURL() (*url.URL, error) {
	return url.Parse(c.Origin.URL)
}
