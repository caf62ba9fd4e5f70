// Package notify tracks connected clients over server-sent events and fans
// out lifecycle announcements, push payloads, and background sync signals to
// them.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/voltwatch/offgate/internal/metrics"
)

// Event is one message fanned out to every connected client.
type Event struct {
	Type      string `json:"type"`
	Version   string `json:"version,omitempty"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	URL       string `json:"url,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Registry is the set of connected clients. Broadcast never blocks on a slow
// client; a client that cannot keep up has events dropped rather than stalling
// the rest.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	nextID  int
	clients map[int]chan Event
}

// NewRegistry builds an empty client registry.
func NewRegistry(logger *slog.Logger, rec *metrics.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With(slog.String("agent", "clients")),
		metrics: rec,
		clients: make(map[int]chan Event),
	}
}

// Subscribe registers a client and returns its event stream plus the
// unsubscribe function. The channel is closed on unsubscribe.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.clients[id] = ch
	count := len(r.clients)
	r.mu.Unlock()

	r.metrics.SetConnectedClients(count)
	r.logger.Debug("client connected", slog.Int("id", id), slog.Int("connected", count))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.clients, id)
			close(ch)
			count := len(r.clients)
			r.mu.Unlock()
			r.metrics.SetConnectedClients(count)
			r.logger.Debug("client disconnected", slog.Int("id", id), slog.Int("connected", count))
		})
	}
}

// Count reports the number of connected clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Broadcast fans an event out to every connected client.
func (r *Registry) Broadcast(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.clients {
		select {
		case ch <- event:
		default:
			r.logger.Warn("client event dropped", slog.Int("id", id), slog.String("type", event.Type))
		}
	}
}

// Adopt announces a freshly activated version. Every client observes the same
// version after the announcement; there is no per-client opt-out.
func (r *Registry) Adopt(version string) {
	r.Broadcast(Event{Type: "adopted", Version: version})
	r.logger.Info("clients adopted", slog.String("version", version), slog.Int("connected", r.Count()))
}

// Encode renders the event as an SSE data payload.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
