package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchManifestReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\nassets:\n  - /\n"), 0o600))

	changes := make(chan Manifest, 4)
	watcher, err := WatchManifest(context.Background(), path, func(m Manifest) {
		changes <- m
	}, func(err error) {
		t.Logf("watch error: %v", err)
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version: v2\nassets:\n  - /\n  - /static/app.js\n"), 0o600))

	select {
	case manifest := <-changes:
		require.Equal(t, "v2", manifest.Version)
		require.Len(t, manifest.Assets, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("manifest change not observed")
	}
}

func TestWatchManifestIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\nassets:\n  - /\n"), 0o600))

	changes := make(chan Manifest, 4)
	watcher, err := WatchManifest(context.Background(), path, func(m Manifest) {
		changes <- m
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("irrelevant: true\n"), 0o600))

	select {
	case manifest := <-changes:
		t.Fatalf("unexpected reload for sibling file: %#v", manifest)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchManifestRequiresCallbackAndPath(t *testing.T) {
	_, err := WatchManifest(context.Background(), "manifest.yaml", nil, nil)
	require.Error(t, err)

	_, err = WatchManifest(context.Background(), "", func(Manifest) {}, nil)
	require.Error(t, err)
}

func TestWatchManifestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assets: []\n"), 0o600))

	watcher, err := WatchManifest(context.Background(), path, func(Manifest) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
