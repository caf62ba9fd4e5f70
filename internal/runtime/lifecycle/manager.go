// Package lifecycle governs the versioned install/activate state machine:
// install-time population of the AppShell namespace, activate-time garbage
// collection of stale namespaces, capacity-bounded eviction of the runtime
// namespace, and atomic client adoption.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voltwatch/offgate/internal/metrics"
	"github.com/voltwatch/offgate/internal/runtime/store"
)

// State tracks one version instance through its life.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateSuperseded State = "superseded"
)

// AppShellName returns the AppShell namespace for a version tag.
func AppShellName(version string) string { return "appshell-" + version }

// RuntimeName returns the Runtime namespace for a version tag.
func RuntimeName(version string) string { return "runtime-" + version }

// AssetFetcher retrieves one manifest asset from the origin. Implemented by
// the strategy fetcher.
type AssetFetcher interface {
	FetchPath(ctx context.Context, path string) (store.Entry, error)
}

// Adopter atomically hands every connected client to a version. Implemented
// by the client registry.
type Adopter interface {
	Adopt(version string)
}

type instance struct {
	version string
	assets  []string
	keys    map[string]struct{}
	state   State
}

func newInstance(version string, assets []string) *instance {
	keys := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		keys[store.Key("GET", asset)] = struct{}{}
	}
	return &instance{version: version, assets: assets, keys: keys, state: StateInstalling}
}

// Manager drives the lifecycle state machine. Install and activate phases are
// each a single sequential unit of work; request handling reads the serving
// version through the accessors, which only ever observe fully activated
// states.
type Manager struct {
	store        store.Store
	fetcher      AssetFetcher
	evictor      Evictor
	adopter      Adopter
	autoActivate bool
	logger       *slog.Logger
	metrics      *metrics.Recorder

	// phaseMu serializes install/activate cycles end to end.
	phaseMu sync.Mutex
	// mu guards the instance pointers for concurrent readers.
	mu       sync.RWMutex
	current  *instance
	incoming *instance
}

// NewManager prepares the lifecycle for the boot version. Nothing is cached
// until Install runs.
func NewManager(s store.Store, fetcher AssetFetcher, evictor Evictor, adopter Adopter, version string, assets []string, autoActivate bool, logger *slog.Logger, rec *metrics.Recorder) (*Manager, error) {
	if s == nil {
		return nil, fmt.Errorf("lifecycle: store required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("lifecycle: asset fetcher required")
	}
	if version == "" {
		return nil, fmt.Errorf("lifecycle: version required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        s,
		fetcher:      fetcher,
		evictor:      evictor,
		adopter:      adopter,
		autoActivate: autoActivate,
		logger:       logger.With(slog.String("agent", "lifecycle")),
		metrics:      rec,
		current:      newInstance(version, assets),
	}, nil
}

// Install populates the AppShell namespace for the newest version from its
// manifest, one independent fetch per entry. A per-asset failure is logged
// and skipped; installation completes once every entry has been attempted,
// after which the instance waits for activation (immediately volunteering
// when auto-activation is enabled).
func (m *Manager) Install(ctx context.Context) error {
	m.phaseMu.Lock()
	defer m.phaseMu.Unlock()
	return m.installLocked(ctx)
}

// Update supersedes the newest version with a freshly deployed manifest and
// runs its install cycle. Installing the already-newest version is a no-op.
func (m *Manager) Update(ctx context.Context, version string, assets []string) error {
	if version == "" {
		return fmt.Errorf("lifecycle: version required")
	}
	m.phaseMu.Lock()
	defer m.phaseMu.Unlock()

	if m.newest().version == version {
		m.logger.Info("manifest unchanged, skipping install", slog.String("version", version))
		return nil
	}

	m.mu.Lock()
	m.incoming = newInstance(version, assets)
	m.mu.Unlock()

	return m.installLocked(ctx)
}

// Activate completes the handoff for the newest installed version: stale
// namespace garbage collection, runtime eviction, then atomic client
// adoption. Requests observe either the old version or the fully activated
// new one, never a partial state.
func (m *Manager) Activate(ctx context.Context) error {
	m.phaseMu.Lock()
	defer m.phaseMu.Unlock()
	return m.activateLocked(ctx)
}

// SkipWaiting forces the waiting instance to activate immediately instead of
// waiting for every client to disconnect.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	return m.Activate(ctx)
}

// EvictRuntime runs one eviction pass against the serving runtime namespace.
// Used by the periodic sweep in addition to the activation-time pass.
func (m *Manager) EvictRuntime(ctx context.Context) (int, error) {
	removed, err := m.evictor.Evict(ctx, m.store, m.RuntimeNamespace(), m.logger)
	if err == nil {
		m.metrics.ObserveEviction(removed)
	}
	return removed, err
}

// Version returns the version tag serving requests.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.version
}

// State reports the newest instance's lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newest().state
}

// AppShellNamespace resolves the serving AppShell namespace.
func (m *Manager) AppShellNamespace() string {
	return AppShellName(m.Version())
}

// RuntimeNamespace resolves the serving Runtime namespace.
func (m *Manager) RuntimeNamespace() string {
	return RuntimeName(m.Version())
}

// IsShellAsset reports whether the entry key belongs to the serving version's
// install manifest.
func (m *Manager) IsShellAsset(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.current.keys[key]
	return ok
}

// newest returns the instance a lifecycle phase should operate on. Callers
// hold phaseMu or mu.
func (m *Manager) newest() *instance {
	if m.incoming != nil {
		return m.incoming
	}
	return m.current
}

func (m *Manager) setState(target *instance, state State) {
	m.mu.Lock()
	target.state = state
	m.mu.Unlock()
	m.metrics.ObserveLifecycle(string(state))
}

func (m *Manager) installLocked(ctx context.Context) error {
	target := m.newest()
	m.setState(target, StateInstalling)

	namespace := AppShellName(target.version)
	cached, failed := 0, 0
	for _, asset := range target.assets {
		entry, err := m.fetcher.FetchPath(ctx, asset)
		if err == nil && entry.Status >= 200 && entry.Status < 300 {
			if putErr := m.store.Put(ctx, namespace, store.Key("GET", asset), entry); putErr == nil {
				cached++
				continue
			} else {
				err = putErr
			}
		} else if err == nil {
			err = fmt.Errorf("lifecycle: asset %s returned status %d", asset, entry.Status)
		}
		// Partial population is acceptable: a missing asset must not block
		// the rollout of everything that did fetch.
		failed++
		m.metrics.ObserveInstallFailure()
		m.logger.Warn("manifest asset skipped",
			slog.String("version", target.version),
			slog.String("asset", asset),
			slog.Any("error", err))
	}

	m.setState(target, StateWaiting)
	m.logger.Info("install complete",
		slog.String("version", target.version),
		slog.Int("cached", cached),
		slog.Int("failed", failed))

	if m.autoActivate {
		return m.activateLocked(ctx)
	}
	return nil
}

func (m *Manager) activateLocked(ctx context.Context) error {
	target := m.newest()
	if target.state == StateActive {
		// Clients re-request activation freely; an already serving version
		// resolves as a successful no-op.
		return nil
	}
	if target.state != StateWaiting {
		return fmt.Errorf("lifecycle: no version waiting for activation (state %s)", target.state)
	}
	m.setState(target, StateActivating)

	keep := map[string]struct{}{
		AppShellName(target.version): {},
		RuntimeName(target.version):  {},
	}
	namespaces, err := m.store.ListNamespaces(ctx)
	if err != nil {
		m.setState(target, StateWaiting)
		return fmt.Errorf("lifecycle: activate list namespaces: %w", err)
	}
	for _, namespace := range namespaces {
		if _, ok := keep[namespace]; ok {
			continue
		}
		if err := m.store.DeleteNamespace(ctx, namespace); err != nil {
			m.setState(target, StateWaiting)
			return fmt.Errorf("lifecycle: activate delete %s: %w", namespace, err)
		}
		m.logger.Info("stale namespace removed", slog.String("namespace", namespace))
	}

	removed, err := m.evictor.Evict(ctx, m.store, RuntimeName(target.version), m.logger)
	if err != nil {
		m.setState(target, StateWaiting)
		return fmt.Errorf("lifecycle: activate eviction: %w", err)
	}
	m.metrics.ObserveEviction(removed)

	if m.adopter != nil {
		m.adopter.Adopt(target.version)
	}

	m.mu.Lock()
	superseded := false
	if m.current != target {
		m.current.state = StateSuperseded
		m.current = target
		m.incoming = nil
		superseded = true
	}
	target.state = StateActive
	m.mu.Unlock()
	if superseded {
		m.metrics.ObserveLifecycle(string(StateSuperseded))
	}
	m.metrics.ObserveLifecycle(string(StateActive))

	m.logger.Info("version activated", slog.String("version", target.version))
	return nil
}
