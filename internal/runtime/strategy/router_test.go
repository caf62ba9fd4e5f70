package strategy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/voltwatch/offgate/internal/runtime/classify"
	"github.com/voltwatch/offgate/internal/runtime/store"
)

type stubNamespaces struct {
	shell map[string]struct{}
}

func (s stubNamespaces) AppShellNamespace() string { return "appshell-v1" }
func (s stubNamespaces) RuntimeNamespace() string  { return "runtime-v1" }
func (s stubNamespaces) IsShellAsset(key string) bool {
	_, ok := s.shell[key]
	return ok
}

func newTestRouter(t *testing.T, originURL string, shellPaths ...string) (*Router, store.Store) {
	t.Helper()
	origin, err := url.Parse(originURL)
	if err != nil {
		t.Fatalf("origin: %v", err)
	}
	fetcher, err := NewFetcher(nil, origin, 2*time.Second)
	if err != nil {
		t.Fatalf("fetcher: %v", err)
	}
	shell := make(map[string]struct{}, len(shellPaths))
	for _, path := range shellPaths {
		shell[store.Key("GET", path)] = struct{}{}
	}
	s := store.NewMemory()
	router, err := NewRouter(s, fetcher, stubNamespaces{shell: shell}, NewFallbacks(""), slog.Default(), nil)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return router, s
}

func deadOriginURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return srv.URL
}

func descriptor(t *testing.T, method, raw string) classify.Descriptor {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return classify.Descriptor{Method: method, URL: u}
}

func TestCacheFirstMissFetchesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log('shell')"))
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL, "/app.js")
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/app.js"), classify.CategoryStatic)

	if resp.Strategy != DecisionCacheFirst {
		t.Fatalf("shell asset must upgrade to cache-first, got %s", resp.Strategy)
	}
	if resp.FromCache || resp.Status != 200 {
		t.Fatalf("miss must be served from network: %#v", resp)
	}
	if resp.Outcome != "network" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}

	_, ok, err := s.Get(context.Background(), "appshell-v1", store.Key("GET", "/app.js"))
	if err != nil || !ok {
		t.Fatalf("fetched asset must be persisted: ok=%v err=%v", ok, err)
	}
}

func TestCacheFirstHitServesCachedAndRefreshes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL, "/app.js")
	key := store.Key("GET", "/app.js")
	stale := store.Entry{Method: "GET", URL: "/app.js", Status: 200, Body: []byte("stale")}
	stale.Stamp(time.Now().Add(-time.Hour))
	if err := s.Put(context.Background(), "appshell-v1", key, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := router.Handle(context.Background(), descriptor(t, "GET", "/app.js"), classify.CategoryStatic)
	if !resp.FromCache || string(resp.Body) != "stale" {
		t.Fatalf("hit must serve the cached copy immediately: %#v", resp)
	}
	if resp.Outcome != "hit" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}

	router.Flush()
	got, ok, err := s.Get(context.Background(), "appshell-v1", key)
	if err != nil || !ok {
		t.Fatalf("refreshed entry: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "fresh" {
		t.Fatalf("background refresh must overwrite the entry, got %q", got.Body)
	}
}

func TestCacheFirstMissAndDeadOriginIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t, deadOriginURL(t), "/app.js")
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/app.js"), classify.CategoryStatic)

	if resp.Status != 404 {
		t.Fatalf("expected synthesized 404, got %d", resp.Status)
	}
	if resp.Outcome != "not_found" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}
	if !strings.Contains(string(resp.Body), "not cached") {
		t.Fatalf("unexpected body %q", resp.Body)
	}
}

func TestNetworkFirstAPIPersistsIntoRuntime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"power":420}`))
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL)
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/api/inverter"), classify.CategoryAPI)

	if resp.Strategy != DecisionNetworkFirst || resp.FromCache {
		t.Fatalf("api success must come from network: %#v", resp)
	}

	_, ok, err := s.Get(context.Background(), "runtime-v1", store.Key("GET", "/api/inverter"))
	if err != nil || !ok {
		t.Fatalf("api response must land in the runtime namespace: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.Get(context.Background(), "appshell-v1", store.Key("GET", "/api/inverter")); ok {
		t.Fatalf("api response must not land in the appshell namespace")
	}
}

func TestNetworkFirstAPIServesCachedWhenOffline(t *testing.T) {
	router, s := newTestRouter(t, deadOriginURL(t))
	key := store.Key("GET", "/api/inverter")
	cached := store.Entry{Method: "GET", URL: "/api/inverter", Status: 200, Body: []byte(`{"power":100}`)}
	cached.Stamp(time.Now())
	if err := s.Put(context.Background(), "runtime-v1", key, cached); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := router.Handle(context.Background(), descriptor(t, "GET", "/api/inverter"), classify.CategoryAPI)
	if !resp.FromCache || string(resp.Body) != `{"power":100}` {
		t.Fatalf("offline api must serve cached data: %#v", resp)
	}
	if resp.Outcome != "offline_hit" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}
}

func TestNetworkFirstAPIOfflineFallbackEnvelope(t *testing.T) {
	router, _ := newTestRouter(t, deadOriginURL(t))
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/api/totals/today"), classify.CategoryAPI)

	if resp.Status != 503 {
		t.Fatalf("expected 503 offline envelope, got %d", resp.Status)
	}
	if resp.Outcome != "offline_fallback" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}
	var envelope struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	if envelope.Error != "offline" || envelope.Message == "" {
		t.Fatalf("unexpected envelope: %#v", envelope)
	}
	if _, err := time.Parse(time.RFC3339, envelope.Timestamp); err != nil {
		t.Fatalf("timestamp must be RFC3339: %v", err)
	}
}

func TestNetworkFirstNavigationOfflineDocument(t *testing.T) {
	router, _ := newTestRouter(t, deadOriginURL(t))
	d := descriptor(t, "GET", "/dashboard")
	d.IsNavigation = true

	resp := router.Handle(context.Background(), d, classify.CategoryNavigation)
	if resp.Status != 200 {
		t.Fatalf("offline navigation must serve the offline page with 200, got %d", resp.Status)
	}
	if !strings.Contains(resp.Headers["Content-Type"], "text/html") {
		t.Fatalf("offline page must be html, got %q", resp.Headers["Content-Type"])
	}
	if resp.Outcome != "offline_fallback" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}
}

func TestNetworkFirstNavigationChecksBothNamespaces(t *testing.T) {
	router, s := newTestRouter(t, deadOriginURL(t))
	key := store.Key("GET", "/dashboard")
	cached := store.Entry{Method: "GET", URL: "/dashboard", Status: 200, Body: []byte("<html>cached</html>")}
	cached.Stamp(time.Now())
	// Seed the secondary namespace only; the lookup must still find it.
	if err := s.Put(context.Background(), "runtime-v1", key, cached); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := descriptor(t, "GET", "/dashboard")
	d.IsNavigation = true
	resp := router.Handle(context.Background(), d, classify.CategoryNavigation)
	if !resp.FromCache || string(resp.Body) != "<html>cached</html>" {
		t.Fatalf("secondary namespace lookup failed: %#v", resp)
	}
}

func TestStaleWhileRevalidateUsesRuntimeNamespace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL)
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/static/logo.png"), classify.CategoryStatic)

	if resp.Strategy != DecisionStaleWhileRevalidate {
		t.Fatalf("uncatalogued static must stay stale-while-revalidate, got %s", resp.Strategy)
	}
	if _, ok, _ := s.Get(context.Background(), "runtime-v1", store.Key("GET", "/static/logo.png")); !ok {
		t.Fatalf("static asset must be persisted in the runtime namespace")
	}
}

func TestBypassNeverTouchesStorage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("third-party"))
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL)
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/cdn/lib.js"), classify.CategoryCrossOrigin)

	if resp.Strategy != DecisionBypass || resp.FromCache {
		t.Fatalf("bypass must forward without cache: %#v", resp)
	}
	if resp.Outcome != "forwarded" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}
	namespaces, err := s.ListNamespaces(context.Background())
	if err != nil {
		t.Fatalf("list namespaces: %v", err)
	}
	if len(namespaces) != 0 {
		t.Fatalf("bypass persisted data: %v", namespaces)
	}
}

func TestBypassDeadOriginIsBadGateway(t *testing.T) {
	router, _ := newTestRouter(t, deadOriginURL(t))
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/cdn/lib.js"), classify.CategoryCrossOrigin)
	if resp.Status != 502 {
		t.Fatalf("expected 502, got %d", resp.Status)
	}
	if resp.Outcome != "error" {
		t.Fatalf("unexpected outcome %q", resp.Outcome)
	}
}

func TestNonGETIsNeverPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"relay":"on"}`))
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL)
	resp := router.Handle(context.Background(), descriptor(t, "POST", "/api/relay/on"), classify.CategoryAPI)

	if resp.Status != 200 || resp.FromCache {
		t.Fatalf("post must be forwarded live: %#v", resp)
	}
	namespaces, err := s.ListNamespaces(context.Background())
	if err != nil {
		t.Fatalf("list namespaces: %v", err)
	}
	if len(namespaces) != 0 {
		t.Fatalf("write request reached storage: %v", namespaces)
	}
}

func TestNonSuccessStatusIsNotPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	router, s := newTestRouter(t, srv.URL)
	resp := router.Handle(context.Background(), descriptor(t, "GET", "/api/inverter"), classify.CategoryAPI)

	if resp.Status != 500 {
		t.Fatalf("origin error must pass through, got %d", resp.Status)
	}
	if _, ok, _ := s.Get(context.Background(), "runtime-v1", store.Key("GET", "/api/inverter")); ok {
		t.Fatalf("error responses must not be cached")
	}
}

func TestRefreshFailureKeepsCachedEntry(t *testing.T) {
	router, s := newTestRouter(t, deadOriginURL(t), "/app.js")
	key := store.Key("GET", "/app.js")
	cached := store.Entry{Method: "GET", URL: "/app.js", Status: 200, Body: []byte("kept")}
	cached.Stamp(time.Now())
	if err := s.Put(context.Background(), "appshell-v1", key, cached); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := router.Handle(context.Background(), descriptor(t, "GET", "/app.js"), classify.CategoryStatic)
	if !resp.FromCache || string(resp.Body) != "kept" {
		t.Fatalf("hit must be served despite dead origin: %#v", resp)
	}

	router.Flush()
	got, ok, _ := s.Get(context.Background(), "appshell-v1", key)
	if !ok || string(got.Body) != "kept" {
		t.Fatalf("failed refresh must leave the entry intact: %#v", got)
	}
}
