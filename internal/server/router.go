package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the surface the router needs from the runtime
// pipeline: the control-plane endpoints plus the interception handler that
// receives everything else.
type PipelineHTTP interface {
	ServeRequest(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeControl(http.ResponseWriter, *http.Request)
	ServeEvents(http.ResponseWriter, *http.Request)
	ServePush(http.ResponseWriter, *http.Request)
	ServeClick(http.ResponseWriter, *http.Request)
	ServeSync(http.ResponseWriter, *http.Request)
}

// NewPipelineHandler wires URL dispatch to the runtime pipeline. The
// control-plane paths are reserved; any other path is intercepted and routed
// through its caching strategy.
func NewPipelineHandler(p PipelineHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch normalizePath(r.URL.Path) {
		case "healthz", "health":
			p.ServeHealth(w, r)
		case "control":
			p.ServeControl(w, r)
		case "events":
			p.ServeEvents(w, r)
		case "notify/push":
			p.ServePush(w, r)
		case "notify/click":
			p.ServeClick(w, r)
		case "sync":
			p.ServeSync(w, r)
		case "metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			p.ServeRequest(w, r)
		}
	})
}

func normalizePath(path string) string {
	return strings.ToLower(strings.Trim(path, "/"))
}
