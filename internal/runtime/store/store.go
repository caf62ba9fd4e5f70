// Package store holds the namespace store: named, versioned collections of
// cached responses shared by every strategy and lifecycle phase. The store is
// the single owner of entry data; absence is an empty result, never an error.
package store

import (
	"context"
	"maps"
	"time"
)

// RetrievedAtHeader is the synthesized response header carrying the retrieval
// timestamp of a cached entry.
const RetrievedAtHeader = "X-Retrieved-At"

// Entry is an immutable snapshot of one cached response. A Put for an
// existing key fully replaces the prior entry (last-writer-wins).
type Entry struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	RetrievedAt time.Time         `json:"retrievedAt"`
}

// Stamp records the retrieval time on the entry and mirrors it into the
// synthesized response header so offline consumers can see data age.
func (e *Entry) Stamp(at time.Time) {
	at = at.UTC()
	e.RetrievedAt = at
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers[RetrievedAtHeader] = at.Format(time.RFC3339)
}

// Key returns the normalized entry key derived from the snapshot.
func (e Entry) Key() string {
	return Key(e.Method, e.URL)
}

// Clone returns a deep copy so callers can never mutate stored state.
func (e Entry) Clone() Entry {
	out := e
	if e.Headers != nil {
		out.Headers = maps.Clone(e.Headers)
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Store is the keyed persistent storage abstraction behind every caching
// strategy. Operations are atomic per key: an overlapping Put and Get on the
// same key never produce a torn entry. Atomicity is per key, not across keys.
type Store interface {
	// Get returns the entry for key in namespace. A missing namespace or key
	// yields (Entry{}, false, nil).
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	// Put stores the entry under key, replacing any prior entry.
	Put(ctx context.Context, namespace, key string, entry Entry) error
	// Delete removes the entry. Deleting an absent key is a no-op.
	Delete(ctx context.Context, namespace, key string) error
	// ListNamespaces enumerates every namespace currently holding entries.
	ListNamespaces(ctx context.Context) ([]string, error)
	// DeleteNamespace removes a namespace and all of its entries.
	DeleteNamespace(ctx context.Context, namespace string) error
	// ListEntries returns a snapshot of every entry in the namespace.
	ListEntries(ctx context.Context, namespace string) (map[string]Entry, error)
	// Count reports the number of entries in the namespace.
	Count(ctx context.Context, namespace string) (int, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}
