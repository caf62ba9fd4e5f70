package config

import (
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest lists the static assets the install phase pre-caches into the
// AppShell namespace. Entries may carry cache-busting query suffixes and are
// supplied at build/deploy time, never discovered at runtime.
type Manifest struct {
	Version string   `koanf:"version"`
	Assets  []string `koanf:"assets"`
}

// LoadManifest reads an asset manifest document. YAML, JSON, and TOML sources
// are supported, selected by file extension.
func LoadManifest(path string) (Manifest, error) {
	parser, err := manifestParser(path)
	if err != nil {
		return Manifest{}, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := k.Unmarshal("", &manifest); err != nil {
		return Manifest{}, fmt.Errorf("config: unmarshal manifest %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(manifest.Assets))
	assets := make([]string, 0, len(manifest.Assets))
	for _, asset := range manifest.Assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		if !strings.HasPrefix(asset, "/") {
			return Manifest{}, fmt.Errorf("config: manifest asset %q must start with /", asset)
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		assets = append(assets, asset)
	}
	manifest.Assets = assets
	return manifest, nil
}

func manifestParser(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported manifest format %s", path)
	}
}
