package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voltwatch/offgate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildStoreDefaultsToMemory(t *testing.T) {
	for _, backend := range []string{"", "memory", "MEMORY", " memory "} {
		s := buildStore(discardLogger(), config.StoreConfig{Backend: backend})
		if s == nil {
			t.Fatalf("backend %q: nil store", backend)
		}
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestBuildStoreUnsupportedBackendFallsBack(t *testing.T) {
	s := buildStore(discardLogger(), config.StoreConfig{Backend: "postgres"})
	if s == nil {
		t.Fatalf("unsupported backend must fall back to memory")
	}
	_ = s.Close(context.Background())
}

func TestBuildStoreRedisUnreachableFallsBack(t *testing.T) {
	s := buildStore(discardLogger(), config.StoreConfig{
		Backend: "redis",
		Redis:   config.RedisStoreConfig{Address: "127.0.0.1:1"},
	})
	if s == nil {
		t.Fatalf("unreachable redis must fall back to memory")
	}
	_ = s.Close(context.Background())
}

func TestRenderOfflineDocumentEmptyTemplate(t *testing.T) {
	cfg := config.DefaultConfig()
	if doc := renderOfflineDocument(discardLogger(), cfg); doc != "" {
		t.Fatalf("no template configured must yield empty document, got %q", doc)
	}
}

func TestRenderOfflineDocumentFromSandbox(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline.html.tmpl")
	content := "<html><body>Offline since {{ .GeneratedAt }} ({{ .Version }})</body></html>"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.Templates.TemplatesFolder = dir
	cfg.Shell.OfflineTemplate = "offline.html.tmpl"
	cfg.Shell.Version = "v6"

	doc := renderOfflineDocument(discardLogger(), cfg)
	if !strings.Contains(doc, "(v6)") {
		t.Fatalf("template data not applied: %q", doc)
	}
}

func TestRenderOfflineDocumentBadTemplateDegrades(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline.html.tmpl")
	if err := os.WriteFile(path, []byte("{{ .Broken"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.Templates.TemplatesFolder = dir
	cfg.Shell.OfflineTemplate = "offline.html.tmpl"

	if doc := renderOfflineDocument(discardLogger(), cfg); doc != "" {
		t.Fatalf("broken template must degrade to built-in page, got %q", doc)
	}
}
