// Package lease implements single-use capability leases with replay
// protection. A lease authorizes exactly one invocation of one action; the
// first successful consuming validation wins and every later attempt fails,
// under any interleaving.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Gauge receives open and close events for the live-lease population. A lease
// closes once: on consumption, revocation, or expiry sweep, whichever comes
// first. Satisfied by observability.Provider.
type Gauge interface {
	LeaseOpened(ctx context.Context)
	LeaseClosed(ctx context.Context)
}

// Lease is a one-shot authorization. JSON field names are wire-stable.
type Lease struct {
	LeaseID  string `json:"lease_id"`
	UserID   string `json:"user_id"`
	ActionID string `json:"action_id"`
	Scope    string `json:"scope"`
	IssuedAt int64  `json:"issued_at"`
	Exp      int64  `json:"exp"`
	Used     bool   `json:"used"`
}

// Manager owns the active store and the used-set. The used-set is the replay
// defeat: lease IDs enter it on consumption or revocation and stay there until
// the sweep window (exp + grace) passes, so a replay inside the skew window
// always loses.
type Manager struct {
	mu     sync.Mutex
	active map[string]*Lease
	// used maps lease_id to the unix second after which the entry may be
	// swept (lease exp + grace).
	used  map[string]int64
	grace time.Duration
	gauge Gauge
	now   func() time.Time
}

// DefaultGrace bounds the used-set: entries are retained for this long past
// lease expiry, which must exceed the maximum tolerated clock skew.
const DefaultGrace = 2 * time.Minute

// NewManager creates a lease manager with the default sweep grace.
func NewManager() *Manager {
	return NewManagerWithGrace(DefaultGrace)
}

// NewManagerWithGrace creates a lease manager with an explicit grace window.
func NewManagerWithGrace(grace time.Duration) *Manager {
	return &Manager{
		active: make(map[string]*Lease),
		used:   make(map[string]int64),
		grace:  grace,
		now:    time.Now,
	}
}

// Issue allocates a lease with a 128-bit random identifier and registers it in
// the active store.
func (m *Manager) Issue(userID, actionID, scope string, ttlS int64) (*Lease, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("lease id generation failed: %w", err)
	}

	now := m.now().Unix()
	l := &Lease{
		LeaseID:  hex.EncodeToString(b[:]),
		UserID:   userID,
		ActionID: actionID,
		Scope:    scope,
		IssuedAt: now,
		Exp:      now + ttlS,
	}

	m.mu.Lock()
	m.active[l.LeaseID] = l
	m.opened()
	m.mu.Unlock()

	return l, nil
}

// Observe registers a gauge for lease lifecycle events.
func (m *Manager) Observe(g Gauge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauge = g
}

func (m *Manager) opened() {
	if m.gauge != nil {
		m.gauge.LeaseOpened(context.Background())
	}
}

func (m *Manager) closed() {
	if m.gauge != nil {
		m.gauge.LeaseClosed(context.Background())
	}
}

// Validate checks a lease against the needed scope. With consume=true the
// check-and-insert into the used-set is atomic: for any lease ID at most one
// concurrent consuming validation returns true. A failed scope check never
// consumes, so the caller may retry with the correct scope.
func (m *Manager) Validate(l *Lease, neededScope string, consume bool) bool {
	if l == nil || l.LeaseID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, replayed := m.used[l.LeaseID]; replayed {
		return false
	}
	if m.now().Unix() > l.Exp {
		return false
	}
	if l.Scope != neededScope {
		return false
	}

	if consume {
		m.used[l.LeaseID] = l.Exp + int64(m.grace/time.Second)
		if stored, ok := m.active[l.LeaseID]; ok {
			stored.Used = true
			m.closed()
		}
		l.Used = true
	}
	return true
}

// Revoke removes a lease from the active store and inserts it into the
// used-set so it can never validate again. Revocation implies used: a
// validator racing a revoker observes either a live lease or a used one,
// never a half-revoked state. Idempotent.
func (m *Manager) Revoke(leaseID string) bool {
	if leaseID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	retainUntil := m.now().Add(m.grace).Unix()
	if stored, ok := m.active[leaseID]; ok {
		retainUntil = stored.Exp + int64(m.grace/time.Second)
		if !stored.Used {
			m.closed()
		}
		delete(m.active, leaseID)
	}
	if _, ok := m.used[leaseID]; !ok {
		m.used[leaseID] = retainUntil
	}
	return true
}

// Status returns a copy of the stored lease, or nil when unknown.
func (m *Manager) Status(leaseID string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.active[leaseID]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// Sweep drops expired entries from the active store and used-set entries whose
// retention window has passed. Returns the number of active leases removed.
// Idempotent and restartable.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	removed := 0
	for id, l := range m.active {
		if l.Exp < now {
			delete(m.active, id)
			if !l.Used {
				m.closed()
			}
			removed++
		}
	}
	for id, retainUntil := range m.used {
		if retainUntil < now {
			delete(m.used, id)
		}
	}
	return removed
}

// ActiveCount returns the number of leases in the active store.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// UsedCount returns the current size of the replay-defeat set.
func (m *Manager) UsedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}
