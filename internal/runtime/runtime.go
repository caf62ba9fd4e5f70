// Package runtime assembles the interception pipeline: classify the request,
// route it through its caching strategy, and expose the lifecycle, control,
// and client event surfaces to the HTTP server.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voltwatch/offgate/internal/config"
	"github.com/voltwatch/offgate/internal/metrics"
	"github.com/voltwatch/offgate/internal/runtime/classify"
	"github.com/voltwatch/offgate/internal/runtime/control"
	"github.com/voltwatch/offgate/internal/runtime/lifecycle"
	"github.com/voltwatch/offgate/internal/runtime/notify"
	"github.com/voltwatch/offgate/internal/runtime/store"
	"github.com/voltwatch/offgate/internal/runtime/strategy"
)

const maxControlBody = 64 << 10

// maxForwardBody caps the request payload carried to the origin. Dashboard
// configuration and relay writes are tiny JSON documents.
const maxForwardBody = 8 << 20

// Options carries everything the pipeline needs beyond the merged
// configuration.
type Options struct {
	Config          config.Config
	Store           store.Store
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	OfflineDocument string
	// Client overrides the origin HTTP client, used by tests.
	Client *http.Client
}

// Pipeline is the assembled interception runtime.
type Pipeline struct {
	cfg        config.Config
	store      store.Store
	classifier *classify.Classifier
	router     *strategy.Router
	manager    *lifecycle.Manager
	channel    *control.Channel
	registry   *notify.Registry
	glue       *notify.Glue
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// NewPipeline wires every agent from the merged configuration. Nothing is
// cached until Run installs the boot version.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runtime: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origin, err := opts.Config.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("runtime: origin url: %w", err)
	}

	classifier, err := classify.New(origin, opts.Config.Origin.APIPrefix, opts.Config.Classify.Bypass, logger)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(opts.Config.Origin.FetchTimeoutSeconds) * time.Second
	fetcher, err := strategy.NewFetcher(opts.Client, origin, timeout)
	if err != nil {
		return nil, err
	}

	registry := notify.NewRegistry(logger, opts.Metrics)
	glue, err := notify.NewGlue(registry, logger)
	if err != nil {
		return nil, err
	}

	evictor := lifecycle.Evictor{
		Capacity: opts.Config.Runtime.Capacity,
		Fraction: opts.Config.Runtime.EvictFraction,
	}
	manager, err := lifecycle.NewManager(opts.Store, fetcher, evictor, registry,
		opts.Config.Shell.Version, opts.Config.Shell.Assets, opts.Config.Shell.AutoActivate,
		logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	router, err := strategy.NewRouter(opts.Store, fetcher, manager,
		strategy.NewFallbacks(opts.OfflineDocument), logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	channel, err := control.NewChannel(manager, opts.Store, logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:        opts.Config,
		store:      opts.Store,
		classifier: classifier,
		router:     router,
		manager:    manager,
		channel:    channel,
		registry:   registry,
		glue:       glue,
		logger:     logger.With(slog.String("agent", "pipeline")),
		metrics:    opts.Metrics,
	}, nil
}

// Manager exposes the lifecycle for the manifest watcher and tests.
func (p *Pipeline) Manager() *lifecycle.Manager { return p.manager }

// Registry exposes the connected client set.
func (p *Pipeline) Registry() *notify.Registry { return p.registry }

// InstallUpdate feeds a freshly loaded manifest into the lifecycle. Used by
// the manifest watcher.
func (p *Pipeline) InstallUpdate(ctx context.Context, manifest config.Manifest) error {
	version := manifest.Version
	if version == "" {
		version = p.cfg.Shell.Version
	}
	return p.manager.Update(ctx, version, manifest.Assets)
}

// Run installs the boot version, then drives the control loop and the
// periodic runtime eviction sweep until the context ends. Background
// refreshes are drained before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.manager.Install(ctx); err != nil {
		return fmt.Errorf("runtime: boot install: %w", err)
	}

	go p.channel.Run(ctx)

	if interval := p.cfg.Runtime.SweepIntervalSeconds; interval > 0 {
		go p.sweep(ctx, time.Duration(interval)*time.Second)
	}

	<-ctx.Done()
	p.router.Flush()
	return nil
}

func (p *Pipeline) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.manager.EvictRuntime(ctx); err != nil {
				p.logger.Warn("eviction sweep failed", slog.Any("error", err))
			}
		}
	}
}

// ServeRequest intercepts one request: classify, route, respond. A panic
// anywhere in the strategy path is converted into a 500 instead of tearing
// the listener down.
func (p *Pipeline) ServeRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("interception panic", slog.Any("panic", rec), slog.String("path", r.URL.Path))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	d := describe(r)
	category := p.classifier.Classify(d)
	resp := p.router.Handle(r.Context(), d, category)

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		p.logger.Debug("response write failed", slog.Any("error", err))
	}

	p.metrics.ObserveRequest(string(category), string(resp.Strategy), resp.Outcome,
		resp.Status, resp.FromCache, time.Since(start))
}

// ServeHealth reports liveness plus the serving version and lifecycle state.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": p.manager.Version(),
		"state":   string(p.manager.State()),
		"clients": p.registry.Count(),
	})
}

// controlRequest is the JSON body accepted by the control endpoint.
type controlRequest struct {
	Kind control.Kind `json:"kind"`
}

// ServeControl accepts one control message. Unknown kinds are acknowledged
// without effect; known kinds wait for the channel's reply.
func (p *Pipeline) ServeControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed control message"})
		return
	}
	if !control.Known(req.Kind) {
		p.logger.Warn("unknown control kind ignored", slog.String("kind", string(req.Kind)))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	reply, err := p.channel.Send(r.Context(), req.Kind)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	status := http.StatusOK
	if !reply.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, reply)
}

// ServeEvents streams lifecycle and notification events to one client over
// server-sent events until it disconnects.
func (p *Pipeline) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := p.registry.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := event.Encode()
			if err != nil {
				p.logger.Warn("event encode failed", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServePush accepts a push payload and fans it out to connected clients.
func (p *Pipeline) ServePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unreadable payload"})
		return
	}
	p.glue.HandlePush(raw)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// ServeClick relays a notification click so clients focus or open the
// dashboard window.
func (p *Pipeline) ServeClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed click payload"})
		return
	}
	p.glue.HandleNotificationClick(req.URL)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// ServeSync broadcasts the background sync signal to connected clients.
func (p *Pipeline) ServeSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p.glue.HandleBackgroundSync()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// describe projects an incoming request into the classifier's shape, carrying
// the headers and any payload so forwarded requests reach the origin intact.
// The navigation signal follows the fetch metadata header with an HTML Accept
// fallback for clients that omit it.
func describe(r *http.Request) classify.Descriptor {
	accept := r.Header.Get("Accept")
	navigation := strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate")
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		if raw, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody)); err == nil && len(raw) > 0 {
			body = raw
		}
	}
	return classify.Descriptor{
		Method:       r.Method,
		URL:          r.URL,
		Accept:       accept,
		Header:       r.Header.Clone(),
		Body:         body,
		IsNavigation: navigation,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
