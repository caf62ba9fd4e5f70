package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/voltwatch/offgate/internal/config"
	"github.com/voltwatch/offgate/internal/logging"
	"github.com/voltwatch/offgate/internal/metrics"
	"github.com/voltwatch/offgate/internal/runtime"
	"github.com/voltwatch/offgate/internal/runtime/store"
	"github.com/voltwatch/offgate/internal/server"
	"github.com/voltwatch/offgate/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "OFFGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	storeLogger := logger.With(slog.String("agent", "store_factory"))
	namespaceStore := buildStore(storeLogger, cfg.Server.Store)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := namespaceStore.Close(closeCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	pipe, err := runtime.NewPipeline(runtime.Options{
		Config:          cfg,
		Store:           namespaceStore,
		Logger:          logger,
		Metrics:         metricsRecorder,
		OfflineDocument: renderOfflineDocument(logger, cfg),
	})
	if err != nil {
		logger.Error("unable to construct pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	pipeErr := make(chan error, 1)
	go func() {
		pipeErr <- pipe.Run(ctx)
	}()

	var manifestWatcher *config.ManifestWatcher
	if cfg.Shell.WatchManifest && cfg.ManifestSource != "" {
		watcher, err := config.WatchManifest(ctx, cfg.ManifestSource, func(manifest config.Manifest) {
			if err := pipe.InstallUpdate(ctx, manifest); err != nil {
				logger.Error("manifest update failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			manifestWatcher = watcher
			defer manifestWatcher.Stop()
		}
	}

	handler := server.NewPipelineHandler(pipe, metricsRecorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := <-pipeErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline terminated unexpectedly", slog.Any("error", err))
	}

	logger.Info("gateway shutdown complete")
}

// buildStore selects the namespace store backend, falling back to memory when
// redis cannot be reached so the gateway still boots offline.
func buildStore(logger *slog.Logger, cfg config.StoreConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory namespace store")
		}
		return store.NewMemory()
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return store.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis namespace store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return store.NewMemory()
	}
}

// renderOfflineDocument compiles the configured offline template inside the
// sandbox. Any failure degrades to the built-in page rather than refusing to
// boot.
func renderOfflineDocument(logger *slog.Logger, cfg config.Config) string {
	templatePath := strings.TrimSpace(cfg.Shell.OfflineTemplate)
	if templatePath == "" {
		return ""
	}

	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		built, err := templates.NewSandbox(folder, cfg.Server.Templates.TemplatesAllowEnv, cfg.Server.Templates.TemplatesAllowedEnv)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = built
		}
	}

	doc, err := templates.NewRenderer(sandbox).Document(templatePath, map[string]any{
		"Version":     cfg.Shell.Version,
		"Origin":      cfg.Origin.URL,
		"GeneratedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("offline template unusable", slog.String("template", templatePath), slog.Any("error", err))
		return ""
	}
	return doc
}
