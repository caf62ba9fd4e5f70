package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Default texts used when a push payload arrives empty or malformed.
const (
	defaultPushTitle = "VoltWatch"
	defaultPushBody  = "New inverter data is available."
)

// pushPayload is the JSON body of an incoming push message.
type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Glue converts push and sync signals into client events. It owns no state of
// its own; everything fans out through the registry.
type Glue struct {
	registry *Registry
	logger   *slog.Logger
}

// NewGlue wires the notification surface to the client registry.
func NewGlue(registry *Registry, logger *slog.Logger) (*Glue, error) {
	if registry == nil {
		return nil, fmt.Errorf("notify: registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Glue{
		registry: registry,
		logger:   logger.With(slog.String("agent", "notify")),
	}, nil
}

// HandlePush decodes a push payload and fans a notification event out to the
// connected clients. A malformed or empty payload falls back to the default
// title and body instead of being rejected.
func (g *Glue) HandlePush(raw []byte) {
	var payload pushPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			g.logger.Warn("push payload not decodable, using defaults", slog.Any("error", err))
			payload = pushPayload{}
		}
	}
	if strings.TrimSpace(payload.Title) == "" {
		payload.Title = defaultPushTitle
	}
	if strings.TrimSpace(payload.Body) == "" {
		payload.Body = defaultPushBody
	}
	g.registry.Broadcast(Event{
		Type:  "notification",
		Title: payload.Title,
		Body:  payload.Body,
		URL:   payload.URL,
	})
	g.logger.Info("push notification delivered", slog.String("title", payload.Title))
}

// HandleNotificationClick tells clients to focus an existing dashboard window
// or open the given URL when none is present. An empty URL targets the root.
func (g *Glue) HandleNotificationClick(url string) {
	if url == "" {
		url = "/"
	}
	g.registry.Broadcast(Event{Type: "focus", URL: url})
}

// HandleBackgroundSync announces that connectivity returned and queued work
// may be replayed. Clients own their queues; nothing is persisted here.
func (g *Glue) HandleBackgroundSync() {
	g.registry.Broadcast(Event{Type: "BACKGROUND_SYNC"})
	g.logger.Info("background sync signal broadcast", slog.Int("connected", g.registry.Count()))
}
