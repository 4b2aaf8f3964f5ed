package presence

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/metrics"
	"github.com/samber/lo"
)

// Registry is the authoritative in-memory map of online users to their live
// connections. Every connection it holds is in the Authenticated state; a
// connection leaves the registry in the same critical section that moves it
// out of Authenticated (see Retire).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*connection.Connection // userID -> connectionID -> conn
	byID   map[string]*connection.Connection

	listeners []func()
	metrics   *metrics.Relay
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithChangeListener registers fn to run after every membership change.
// Listeners run outside the registry lock.
func WithChangeListener(fn func()) RegistryOption {
	return func(r *Registry) {
		r.listeners = append(r.listeners, fn)
	}
}

// WithMetrics reports connection and user gauges to m.
func WithMetrics(m *metrics.Relay) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byUser: make(map[string]map[string]*connection.Connection),
		byID:   make(map[string]*connection.Connection),
		logger: slog.Default().With("service", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange adds a listener after construction.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register adds conn under userID. It is idempotent. It fails with
// ErrInvalidState if conn is not Authenticated or is bound to a different user.
func (r *Registry) Register(userID string, conn *connection.Connection) error {
	r.mu.Lock()
	if state := conn.State(); state != connection.StateAuthenticated {
		r.mu.Unlock()
		return fmt.Errorf("register connection %s in state %s: %w", conn.ID(), state, domain.ErrInvalidState)
	}
	if owner := conn.Identity().ID; owner != userID {
		r.mu.Unlock()
		return fmt.Errorf("register connection %s owned by %q under %q: %w", conn.ID(), owner, userID, domain.ErrInvalidState)
	}
	if _, exists := r.byID[conn.ID()]; exists {
		r.mu.Unlock()
		return nil
	}

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*connection.Connection)
		r.byUser[userID] = conns
	}
	conns[conn.ID()] = conn
	r.byID[conn.ID()] = conn
	listeners := r.changedLocked()
	r.mu.Unlock()

	r.logger.Debug("Connection registered", "user_id", userID, "connection_id", conn.ID())
	notify(listeners)
	return nil
}

// Deregister removes the connection. Removing an absent connection is a
// no-op; close paths may race. It reports whether anything was removed.
func (r *Registry) Deregister(connectionID string) bool {
	r.mu.Lock()
	removed := r.removeLocked(connectionID)
	var listeners []func()
	if removed {
		listeners = r.changedLocked()
	}
	r.mu.Unlock()

	notify(listeners)
	return removed
}

// Retire moves conn out of its live state and removes it from the registry
// in one critical section, so no reader ever sees a registered connection
// that is not Authenticated. ok is false if another caller already began
// closing conn. registered reports whether conn had been registered.
func (r *Registry) Retire(conn *connection.Connection) (prev connection.State, registered, ok bool) {
	r.mu.Lock()
	prev, ok = conn.BeginClose()
	if ok {
		registered = r.removeLocked(conn.ID())
	}
	var listeners []func()
	if registered {
		listeners = r.changedLocked()
	}
	r.mu.Unlock()

	notify(listeners)
	return prev, registered, ok
}

// ConnectionsFor returns a snapshot of userID's connections. Unknown users
// yield an empty slice.
func (r *Registry) ConnectionsFor(userID string) []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byUser[userID])
}

// SnapshotRoster returns one identity per distinct registered user, ordered
// by display name and then ID.
func (r *Registry) SnapshotRoster() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

// Snapshot returns the roster and every registered connection taken under a
// single read lock, so the two views agree.
func (r *Registry) Snapshot() ([]domain.Identity, []*connection.Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked(), lo.Values(r.byID)
}

// Counts returns the number of registered connections and distinct users.
func (r *Registry) Counts() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), len(r.byUser)
}

// IsOnline reports whether userID holds at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) removeLocked(connectionID string) bool {
	conn, ok := r.byID[connectionID]
	if !ok {
		return false
	}
	delete(r.byID, connectionID)

	userID := conn.Identity().ID
	if conns := r.byUser[userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
	return true
}

func (r *Registry) rosterLocked() []domain.Identity {
	roster := make([]domain.Identity, 0, len(r.byUser))
	for _, conns := range r.byUser {
		for _, c := range conns {
			roster = append(roster, c.Identity())
			break
		}
	}
	slices.SortFunc(roster, func(a, b domain.Identity) int {
		return cmp.Or(cmp.Compare(a.DisplayName, b.DisplayName), cmp.Compare(a.ID, b.ID))
	})
	return roster
}

// changedLocked updates gauges and returns the listeners to notify once the
// lock is released.
func (r *Registry) changedLocked() []func() {
	r.metrics.SetPresence(len(r.byID), len(r.byUser))
	return slices.Clone(r.listeners)
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}
