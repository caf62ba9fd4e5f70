package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/voltwatch/offgate/internal/runtime/store"
)

// Evictor bounds the size of the runtime namespace by age-based pruning.
// Ordering follows retrieval time, not access time: an entry that is read
// constantly but never refetched is not protected. This is a deliberate,
// coarse approximation of LRU.
type Evictor struct {
	Capacity int
	Fraction float64
}

// Evict prunes the namespace when it exceeds the capacity bound, deleting the
// oldest ceil(Fraction × count) entries. Returns the number removed.
func (e Evictor) Evict(ctx context.Context, s store.Store, namespace string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := s.ListEntries(ctx, namespace)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: evict list %s: %w", namespace, err)
	}
	count := len(entries)
	if count <= e.Capacity {
		return 0, nil
	}

	type aged struct {
		key  string
		at   int64
		nano int
	}
	ordered := make([]aged, 0, count)
	for key, entry := range entries {
		ordered = append(ordered, aged{key: key, at: entry.RetrievedAt.Unix(), nano: entry.RetrievedAt.Nanosecond()})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].at != ordered[j].at {
			return ordered[i].at < ordered[j].at
		}
		if ordered[i].nano != ordered[j].nano {
			return ordered[i].nano < ordered[j].nano
		}
		// Tie-break on key so eviction stays deterministic.
		return ordered[i].key < ordered[j].key
	})

	remove := int(math.Ceil(e.Fraction * float64(count)))
	if remove > count {
		remove = count
	}
	removed := 0
	for _, victim := range ordered[:remove] {
		if err := s.Delete(ctx, namespace, victim.key); err != nil {
			return removed, fmt.Errorf("lifecycle: evict delete %s: %w", victim.key, err)
		}
		removed++
	}
	logger.Info("runtime namespace pruned",
		slog.String("namespace", namespace),
		slog.Int("before", count),
		slog.Int("removed", removed))
	return removed, nil
}
