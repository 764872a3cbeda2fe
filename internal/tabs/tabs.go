// Package tabs decides which sessions stay mounted as the user moves between
// tabs. Mounted sessions keep streaming in the background; a session leaving
// the mounted set is disposed only after a short grace window, so a transient
// unmount/remount cycle never tears down an in-flight stream.
package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// DefaultGraceWindow absorbs a synchronous remount without meaningfully
// delaying resource reclamation.
const DefaultGraceWindow = 100 * time.Millisecond

// DisposeFunc tears down one session's resources on true unmount. The
// session's input queue is deliberately not part of disposal; queued input
// survives a closed tab.
type DisposeFunc func(sessionID string)

// Change reports one session entering or leaving the mounted set.
type Change struct {
	SessionID string
	Mounted   bool
}

// Manager computes the mounted set from the active, pinned, and open ids,
// intersected with the catalog of sessions that still exist.
type Manager struct {
	mu      sync.Mutex
	grace   time.Duration
	dispose DisposeFunc

	active string
	pinned map[string]struct{}
	open   map[string]struct{}

	// known is the catalog of valid session ids; nil means not yet loaded,
	// in which case every id is considered valid.
	known map[string]struct{}

	mounted map[string]struct{}
	pending map[string]*time.Timer

	broker *pubsub.Broker[Change]
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithGraceWindow overrides the disposal grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// NewManager creates a manager that calls dispose when a session's grace
// window elapses without a remount.
func NewManager(dispose DisposeFunc, opts ...Option) *Manager {
	m := &Manager{
		grace:   DefaultGraceWindow,
		dispose: dispose,
		pinned:  make(map[string]struct{}),
		open:    make(map[string]struct{}),
		mounted: make(map[string]struct{}),
		pending: make(map[string]*time.Timer),
		broker:  pubsub.NewBroker[Change](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe returns a channel of mount changes scoped to ctx.
func (m *Manager) Subscribe(ctx context.Context) <-chan pubsub.Event[Change] {
	return m.broker.Subscribe(ctx)
}

// SetActive marks the focused session and recomputes the mounted set.
func (m *Manager) SetActive(sessionID string) {
	m.mu.Lock()
	m.active = sessionID
	changes := m.recomputeLocked()
	m.mu.Unlock()
	m.publish(changes)
}

// Active returns the focused session id.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pin keeps a session mounted regardless of focus.
func (m *Manager) Pin(sessionID string) {
	m.mu.Lock()
	m.pinned[sessionID] = struct{}{}
	changes := m.recomputeLocked()
	m.mu.Unlock()
	m.publish(changes)
}

// Unpin releases a pinned session.
func (m *Manager) Unpin(sessionID string) {
	m.mu.Lock()
	delete(m.pinned, sessionID)
	changes := m.recomputeLocked()
	m.mu.Unlock()
	m.publish(changes)
}

// Open marks a session's tab as explicitly open.
func (m *Manager) Open(sessionID string) {
	m.mu.Lock()
	m.open[sessionID] = struct{}{}
	changes := m.recomputeLocked()
	m.mu.Unlock()
	m.publish(changes)
}

// CloseTab removes a session from the explicitly-open set. Disposal follows
// after the grace window unless the session is still active or pinned.
func (m *Manager) CloseTab(sessionID string) {
	m.mu.Lock()
	delete(m.open, sessionID)
	changes := m.recomputeLocked()
	m.mu.Unlock()
	m.publish(changes)
}

// SetCatalog replaces the set of sessions that still exist. Sessions that
// were archived or deleted server-side fall out of the mounted set even if
// pinned or open.
func (m *Manager) SetCatalog(sessionIDs []string) {
	m.mu.Lock()
	m.known = make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		m.known[id] = struct{}{}
	}
	changes := m.recomputeLocked()
	m.mu.Unlock()
	m.publish(changes)
}

// Mounted returns the ids currently kept warm.
func (m *Manager) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.mounted))
	for id := range m.mounted {
		ids = append(ids, id)
	}
	return ids
}

// IsMounted reports whether the session is currently kept warm.
func (m *Manager) IsMounted(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounted[sessionID]
	return ok
}

// recomputeLocked diffs the desired set against the mounted set, cancelling
// pending disposals for remounts and scheduling them for departures.
// Caller holds m.mu; returns the changes to publish after unlock.
func (m *Manager) recomputeLocked() []Change {
	if m.closed {
		return nil
	}
	desired := m.desiredLocked()
	var changes []Change

	for id := range desired {
		if timer, ok := m.pending[id]; ok {
			// Remount within the grace window: the pending disposal is
			// cancelled and the live session reused untouched
			timer.Stop()
			delete(m.pending, id)
			log.Debug(log.CatTabs, "disposal cancelled by remount", "session", id)
		}
		if _, ok := m.mounted[id]; !ok {
			m.mounted[id] = struct{}{}
			changes = append(changes, Change{SessionID: id, Mounted: true})
			log.Debug(log.CatTabs, "session mounted", "session", id)
		}
	}

	for id := range m.mounted {
		if _, ok := desired[id]; ok {
			continue
		}
		if _, ok := m.pending[id]; ok {
			continue // already counting down
		}
		m.scheduleDisposalLocked(id)
	}
	return changes
}

func (m *Manager) desiredLocked() map[string]struct{} {
	desired := make(map[string]struct{}, 1+len(m.pinned)+len(m.open))
	if m.active != "" {
		desired[m.active] = struct{}{}
	}
	for id := range m.pinned {
		desired[id] = struct{}{}
	}
	for id := range m.open {
		desired[id] = struct{}{}
	}
	if m.known != nil {
		for id := range desired {
			if _, ok := m.known[id]; !ok {
				delete(desired, id)
			}
		}
	}
	return desired
}

func (m *Manager) scheduleDisposalLocked(id string) {
	log.Debug(log.CatTabs, "disposal scheduled", "session", id, "grace", m.grace.String())
	m.pending[id] = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		if _, ok := m.pending[id]; !ok {
			// Cancelled by a remount that raced the timer firing
			m.mu.Unlock()
			return
		}
		delete(m.pending, id)
		delete(m.mounted, id)
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return
		}
		log.Debug(log.CatTabs, "session disposed", "session", id)
		if m.dispose != nil {
			m.dispose(id)
		}
		m.publish([]Change{{SessionID: id, Mounted: false}})
	})
}

func (m *Manager) publish(changes []Change) {
	for _, c := range changes {
		m.broker.Publish(pubsub.UpdatedEvent, c)
	}
}

// Close cancels all pending disposals and shuts down the broker. Mounted
// sessions are not disposed; callers tear those down through their own
// shutdown path.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, timer := range m.pending {
		timer.Stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()
	m.broker.Close()
}
