// Package strategy applies one of the caching strategies to each classified
// request. Every path terminates in a concrete Response; network failures
// degrade to cache lookups or synthesized fallbacks and are never surfaced to
// the interception caller.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voltwatch/offgate/internal/metrics"
	"github.com/voltwatch/offgate/internal/runtime/classify"
	"github.com/voltwatch/offgate/internal/runtime/store"
)

// Decision names the caching strategy applied to a request category.
type Decision string

const (
	// DecisionCacheFirst serves AppShell assets from cache with background
	// refresh.
	DecisionCacheFirst Decision = "cache_first"
	// DecisionNetworkFirst serves navigations and API calls live, falling
	// back to cache and then to a synthesized offline response.
	DecisionNetworkFirst Decision = "network_first"
	// DecisionStaleWhileRevalidate serves uncatalogued static assets from
	// cache while revalidating in the background.
	DecisionStaleWhileRevalidate Decision = "stale_while_revalidate"
	// DecisionBypass forwards cross-origin requests untouched.
	DecisionBypass Decision = "bypass"
)

// DecisionFor maps a request category to its strategy.
func DecisionFor(category classify.Category) Decision {
	switch category {
	case classify.CategoryCrossOrigin:
		return DecisionBypass
	case classify.CategoryNavigation, classify.CategoryAPI:
		return DecisionNetworkFirst
	case classify.CategoryStatic:
		return DecisionStaleWhileRevalidate
	default:
		return DecisionStaleWhileRevalidate
	}
}

// Response is the concrete reply handed back to the interception caller.
type Response struct {
	Status    int
	Headers   map[string]string
	Body      []byte
	FromCache bool
	Strategy  Decision
	Outcome   string
}

// Namespaces resolves the current AppShell and Runtime namespace names and
// the install-cataloged shell asset set. The lifecycle manager implements
// this; values change atomically on activation.
type Namespaces interface {
	AppShellNamespace() string
	RuntimeNamespace() string
	IsShellAsset(key string) bool
}

// Router executes the per-category strategies against the namespace store.
type Router struct {
	store      store.Store
	fetcher    *Fetcher
	namespaces Namespaces
	fallbacks  *Fallbacks
	logger     *slog.Logger
	metrics    *metrics.Recorder

	refresh sync.WaitGroup
}

// NewRouter wires the strategy table.
func NewRouter(s store.Store, fetcher *Fetcher, namespaces Namespaces, fallbacks *Fallbacks, logger *slog.Logger, rec *metrics.Recorder) (*Router, error) {
	if s == nil {
		return nil, fmt.Errorf("strategy: store required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("strategy: fetcher required")
	}
	if namespaces == nil {
		return nil, fmt.Errorf("strategy: namespace resolver required")
	}
	if fallbacks == nil {
		fallbacks = NewFallbacks("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:      s,
		fetcher:    fetcher,
		namespaces: namespaces,
		fallbacks:  fallbacks,
		logger:     logger.With(slog.String("agent", "strategy_router")),
		metrics:    rec,
	}, nil
}

// Handle routes one classified request through its strategy.
func (r *Router) Handle(ctx context.Context, d classify.Descriptor, category classify.Category) *Response {
	var resp *Response
	decision := DecisionFor(category)
	if decision == DecisionStaleWhileRevalidate && r.isShellAsset(d) {
		decision = DecisionCacheFirst
	}
	switch decision {
	case DecisionBypass:
		resp = r.bypass(ctx, d)
	case DecisionNetworkFirst:
		resp = r.networkFirst(ctx, d, category)
	case DecisionCacheFirst:
		resp = r.cacheFirst(ctx, d)
	default:
		resp = r.staleWhileRevalidate(ctx, d)
	}
	resp.Strategy = decision
	return resp
}

// Flush waits for in-flight background refreshes. Used by shutdown and tests.
func (r *Router) Flush() {
	r.refresh.Wait()
}

func (r *Router) isShellAsset(d classify.Descriptor) bool {
	if d.URL == nil {
		return false
	}
	return r.namespaces.IsShellAsset(store.Key(d.Method, d.URL.String()))
}

// cacheFirst returns the cached entry when present and always refreshes GET
// assets. A miss degrades to a synchronous fetch so the asset can still be
// served on first sight; only a miss plus a failed fetch synthesizes a 404.
func (r *Router) cacheFirst(ctx context.Context, d classify.Descriptor) *Response {
	namespace := r.namespaces.AppShellNamespace()
	key := entryKey(d)

	entry, ok := r.lookup(ctx, namespace, key)
	if ok {
		if d.IsGET() {
			r.spawnRefresh(d, namespace, key)
		}
		return cachedResponse(entry, "hit")
	}

	fetched, err := r.fetcher.Fetch(ctx, d)
	if err != nil {
		r.logger.Debug("cache-first fetch failed", slog.String("key", key), slog.Any("error", err))
		resp := r.fallbacks.NotFound()
		resp.Outcome = "not_found"
		return resp
	}
	r.persist(ctx, d, namespace, key, fetched)
	return networkResponse(fetched, "network")
}

// networkFirst attempts the origin, persisting GET successes, and degrades to
// the cached copy and then to the category's offline fallback.
func (r *Router) networkFirst(ctx context.Context, d classify.Descriptor, category classify.Category) *Response {
	primary := r.namespaces.AppShellNamespace()
	secondary := r.namespaces.RuntimeNamespace()
	if category == classify.CategoryAPI {
		primary, secondary = secondary, primary
	}
	key := entryKey(d)

	fetched, err := r.fetcher.Fetch(ctx, d)
	if err == nil {
		r.persist(ctx, d, primary, key, fetched)
		return networkResponse(fetched, "network")
	}
	r.logger.Debug("network-first fetch failed", slog.String("key", key), slog.Any("error", err))

	if entry, ok := r.lookup(ctx, primary, key); ok {
		return cachedResponse(entry, "offline_hit")
	}
	if entry, ok := r.lookup(ctx, secondary, key); ok {
		return cachedResponse(entry, "offline_hit")
	}

	var resp *Response
	if category == classify.CategoryAPI {
		resp = r.fallbacks.APIOffline("origin unreachable and no cached response available")
	} else {
		resp = r.fallbacks.OfflineDocument()
	}
	resp.Outcome = "offline_fallback"
	return resp
}

// staleWhileRevalidate serves the cached entry immediately, revalidating GET
// requests in the background, and falls through to a synchronous fetch on a
// miss.
func (r *Router) staleWhileRevalidate(ctx context.Context, d classify.Descriptor) *Response {
	namespace := r.namespaces.RuntimeNamespace()
	key := entryKey(d)

	entry, ok := r.lookup(ctx, namespace, key)
	if ok {
		if d.IsGET() {
			r.spawnRefresh(d, namespace, key)
		}
		return cachedResponse(entry, "hit")
	}

	fetched, err := r.fetcher.Fetch(ctx, d)
	if err != nil {
		r.logger.Debug("revalidate fetch failed", slog.String("key", key), slog.Any("error", err))
		resp := r.fallbacks.NotFound()
		resp.Outcome = "not_found"
		return resp
	}
	r.persist(ctx, d, namespace, key, fetched)
	return networkResponse(fetched, "network")
}

// bypass forwards cross-origin requests without touching storage.
func (r *Router) bypass(ctx context.Context, d classify.Descriptor) *Response {
	fetched, err := r.fetcher.Fetch(ctx, d)
	if err != nil {
		r.logger.Debug("bypass forward failed", slog.Any("error", err))
		resp := r.fallbacks.BadGateway()
		resp.Outcome = "error"
		return resp
	}
	return networkResponse(fetched, "forwarded")
}

// spawnRefresh launches a detached fetch that overwrites the entry on
// success. Failures are captured and discarded: the caller already received
// the cached response.
func (r *Router) spawnRefresh(d classify.Descriptor, namespace, key string) {
	r.refresh.Add(1)
	go func() {
		defer r.refresh.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background refresh panic", slog.Any("panic", rec))
			}
		}()
		// The request context ends when the cached response is written, so
		// the refresh runs on its own context bounded by the fetch timeout.
		ctx := context.Background()
		fetched, err := r.fetcher.Fetch(ctx, d)
		if err != nil {
			r.logger.Debug("background refresh failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		r.persist(ctx, d, namespace, key, fetched)
	}()
}

// persist writes a fetched entry, enforcing the hard invariant that non-GET
// requests never reach any namespace and that only successful responses are
// retained.
func (r *Router) persist(ctx context.Context, d classify.Descriptor, namespace, key string, entry store.Entry) {
	if !d.IsGET() || !cacheableStatus(entry.Status) {
		return
	}
	start := time.Now()
	err := r.store.Put(ctx, namespace, key, entry)
	result := metrics.StoreResultOK
	if err != nil {
		result = metrics.StoreResultError
		r.logger.Error("cache write failed",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.Any("error", err))
	}
	r.metrics.ObserveStore(metrics.StoreOperationPut, result, time.Since(start))
}

// lookup reads an entry, treating store errors as misses so a degraded
// backend can never break request handling.
func (r *Router) lookup(ctx context.Context, namespace, key string) (store.Entry, bool) {
	start := time.Now()
	entry, ok, err := r.store.Get(ctx, namespace, key)
	switch {
	case err != nil:
		r.metrics.ObserveStore(metrics.StoreOperationGet, metrics.StoreResultError, time.Since(start))
		r.logger.Error("cache read failed",
			slog.String("namespace", namespace),
			slog.String("key", key),
			slog.Any("error", err))
		return store.Entry{}, false
	case ok:
		r.metrics.ObserveStore(metrics.StoreOperationGet, metrics.StoreResultHit, time.Since(start))
	default:
		r.metrics.ObserveStore(metrics.StoreOperationGet, metrics.StoreResultMiss, time.Since(start))
	}
	return entry, ok
}

func entryKey(d classify.Descriptor) string {
	raw := ""
	if d.URL != nil {
		raw = d.URL.String()
	}
	return store.Key(d.Method, raw)
}

func cacheableStatus(status int) bool {
	return status >= 200 && status < 300
}

func cachedResponse(entry store.Entry, outcome string) *Response {
	return &Response{
		Status:    entry.Status,
		Headers:   entry.Headers,
		Body:      entry.Body,
		FromCache: true,
		Outcome:   outcome,
	}
}

func networkResponse(entry store.Entry, outcome string) *Response {
	return &Response{
		Status:  entry.Status,
		Headers: entry.Headers,
		Body:    entry.Body,
		Outcome: outcome,
	}
}
