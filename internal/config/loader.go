package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle manager can make
// decisions using the documented precedence rules. When the shell references
// an external manifest file, its assets (and optional version tag) are
// resolved here so callers always see a complete shell definition.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.store.redis.tls.cafile":      "server.store.redis.tls.caFile",
			"server.templates.templatesfolder":   "server.templates.templatesFolder",
			"server.templates.templatesallowenv": "server.templates.templatesAllowEnv",
			"origin.apiprefix":                   "origin.apiPrefix",
			"origin.fetchtimeoutseconds":         "origin.fetchTimeoutSeconds",
			"shell.manifestfile":                 "shell.manifestFile",
			"shell.offlinepath":                  "shell.offlinePath",
			"shell.offlinetemplate":              "shell.offlineTemplate",
			"shell.watchmanifest":                "shell.watchManifest",
			"shell.autoactivate":                 "shell.autoActivate",
			"runtime.evictfraction":              "runtime.evictFraction",
			"runtime.sweepintervalseconds":       "runtime.sweepIntervalSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (ORIGIN__API_PREFIX ->
			// origin.apiprefix).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Shell.ManifestFile != "" {
		manifest, err := LoadManifest(cfg.Shell.ManifestFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Shell.Assets = manifest.Assets
		if manifest.Version != "" {
			cfg.Shell.Version = manifest.Version
		}
		cfg.ManifestSource = cfg.Shell.ManifestFile
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"store": map[string]any{
				"backend": cfg.Server.Store.Backend,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
		},
		"origin": map[string]any{
			"url":                 cfg.Origin.URL,
			"apiPrefix":           cfg.Origin.APIPrefix,
			"fetchTimeoutSeconds": cfg.Origin.FetchTimeoutSeconds,
		},
		"shell": map[string]any{
			"version":         cfg.Shell.Version,
			"manifestFile":    cfg.Shell.ManifestFile,
			"assets":          cfg.Shell.Assets,
			"offlinePath":     cfg.Shell.OfflinePath,
			"offlineTemplate": cfg.Shell.OfflineTemplate,
			"watchManifest":   cfg.Shell.WatchManifest,
			"autoActivate":    cfg.Shell.AutoActivate,
		},
		"runtime": map[string]any{
			"capacity":             cfg.Runtime.Capacity,
			"evictFraction":        cfg.Runtime.EvictFraction,
			"sweepIntervalSeconds": cfg.Runtime.SweepIntervalSeconds,
		},
		"classify": map[string]any{
			"bypass": cfg.Classify.Bypass,
		},
	}
}
