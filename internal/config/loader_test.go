package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8090, cfg.Server.Listen.Port)
				require.Equal(t, "http://127.0.0.1:8000", cfg.Origin.URL)
				require.Equal(t, "/api", cfg.Origin.APIPrefix)
				require.Equal(t, 8, cfg.Origin.FetchTimeoutSeconds)
				require.Equal(t, "v1", cfg.Shell.Version)
				require.Equal(t, 100, cfg.Runtime.Capacity)
				require.InDelta(t, 0.2, cfg.Runtime.EvictFraction, 1e-9)
				require.True(t, cfg.Shell.AutoActivate)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\nshell:\n  version: v7\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "v7", cfg.Shell.Version)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("OFFGATE_SERVER__LISTEN__PORT", "9191")
				t.Setenv("OFFGATE_ORIGIN__API_PREFIX", "/v2/api")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9191, cfg.Server.Listen.Port)
				require.Equal(t, "/v2/api", cfg.Origin.APIPrefix)
			},
		},
		{
			name: "resolves manifest file into shell assets",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				manifest := filepath.Join(dir, "manifest.yaml")
				require.NoError(t, os.WriteFile(manifest, []byte("version: v9\nassets:\n  - /\n  - /static/app.js\n"), 0o600))
				server := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(server, []byte("shell:\n  manifestFile: "+manifest+"\n"), 0o600))
				return []string{server}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "v9", cfg.Shell.Version)
				require.Equal(t, []string{"/", "/static/app.js"}, cfg.Shell.Assets)
				require.NotEmpty(t, cfg.ManifestSource)
			},
		},
		{
			name: "missing config file fails",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: true,
		},
		{
			name: "invalid merged config fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("OFFGATE_RUNTIME__CAPACITY", "0")
				return nil
			},
			wantErr: true,
		},
		{
			name: "bad origin url fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("OFFGATE_ORIGIN__URL", "not-a-url")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := tt.setup(t)
			loader := NewLoader("OFFGATE", files...)
			cfg, err := loader.Load(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.assert(t, cfg)
		})
	}
}

func TestLoaderContextCancellation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("OFFGATE", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
