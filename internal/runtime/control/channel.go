// Package control implements the message-based RPC surface connected clients
// use to query the active version, force activation, or clear caches.
// Messages travel over an asynchronous channel; unknown kinds are a no-op
// with no reply, never a crash.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voltwatch/offgate/internal/runtime/store"
)

// Kind tags a control message. The set is closed; anything else is ignored.
type Kind string

const (
	// KindSkipWaiting forces the waiting version to activate immediately.
	KindSkipWaiting Kind = "skip_waiting"
	// KindGetVersion asks for the active version tag.
	KindGetVersion Kind = "get_version"
	// KindClearCache deletes every namespace regardless of version.
	// Clearing is all-or-nothing; there is no partial invalidation.
	KindClearCache Kind = "clear_cache"
	// KindForceUpdate is SkipWaiting with an acknowledged reply.
	KindForceUpdate Kind = "force_update"
)

// Known reports whether the kind belongs to the closed message set.
func Known(kind Kind) bool {
	switch kind {
	case KindSkipWaiting, KindGetVersion, KindClearCache, KindForceUpdate:
		return true
	default:
		return false
	}
}

// Message is one control request, optionally carrying a reply destination.
type Message struct {
	Kind  Kind `json:"kind"`
	reply chan Reply
}

// Reply is the response sent back to a message's reply destination.
type Reply struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Lifecycle is the slice of the lifecycle manager the channel drives.
type Lifecycle interface {
	SkipWaiting(ctx context.Context) error
	Version() string
}

// Channel processes control messages sequentially against the lifecycle
// manager and namespace store.
type Channel struct {
	inbox     chan Message
	lifecycle Lifecycle
	store     store.Store
	logger    *slog.Logger
}

// NewChannel builds the control surface. Run must be started for messages to
// be consumed.
func NewChannel(lifecycle Lifecycle, s store.Store, logger *slog.Logger) (*Channel, error) {
	if lifecycle == nil {
		return nil, fmt.Errorf("control: lifecycle required")
	}
	if s == nil {
		return nil, fmt.Errorf("control: store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		inbox:     make(chan Message, 16),
		lifecycle: lifecycle,
		store:     s,
		logger:    logger.With(slog.String("agent", "control")),
	}, nil
}

// Run consumes the inbox until the context ends.
func (c *Channel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		}
	}
}

// Send enqueues a message carrying a reply destination and waits for the
// outcome. Unknown kinds never receive a reply, so callers validate with
// Known first; the context bounds the wait either way.
func (c *Channel) Send(ctx context.Context, kind Kind) (Reply, error) {
	msg := Message{Kind: kind, reply: make(chan Reply, 1)}
	select {
	case c.inbox <- msg:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case reply := <-msg.reply:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (c *Channel) handle(ctx context.Context, msg Message) {
	switch msg.Kind {
	case KindGetVersion:
		c.respond(msg, Reply{OK: true, Version: c.lifecycle.Version()})
	case KindSkipWaiting, KindForceUpdate:
		if err := c.lifecycle.SkipWaiting(ctx); err != nil {
			c.logger.Warn("activation request failed", slog.Any("error", err))
			c.respond(msg, Reply{Error: err.Error()})
			return
		}
		c.respond(msg, Reply{OK: true, Version: c.lifecycle.Version()})
	case KindClearCache:
		if err := c.clearAll(ctx); err != nil {
			c.logger.Error("cache clear failed", slog.Any("error", err))
			c.respond(msg, Reply{Error: err.Error()})
			return
		}
		c.respond(msg, Reply{OK: true})
	default:
		// Unknown kinds are dropped without a reply.
		c.logger.Warn("unknown control message ignored", slog.String("kind", string(msg.Kind)))
	}
}

// clearAll deletes every namespace. Repeating the operation against an empty
// store still succeeds, keeping ClearCache idempotent.
func (c *Channel) clearAll(ctx context.Context) error {
	namespaces, err := c.store.ListNamespaces(ctx)
	if err != nil {
		return fmt.Errorf("control: clear list namespaces: %w", err)
	}
	for _, namespace := range namespaces {
		if err := c.store.DeleteNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("control: clear namespace %s: %w", namespace, err)
		}
	}
	c.logger.Info("all namespaces cleared", slog.Int("count", len(namespaces)))
	return nil
}

func (c *Channel) respond(msg Message, reply Reply) {
	if msg.reply == nil {
		return
	}
	select {
	case msg.reply <- reply:
	default:
	}
}
