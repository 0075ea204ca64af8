package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/drivergate/internal/driver"
	"github.com/danmuck/drivergate/internal/drivers"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/google/uuid"
)

var (
	ErrSessionExists = errors.New("broker: session already registered")
	ErrSessionNil    = errors.New("broker: session is nil")
)

// Session is a fully constructed, registered session. It is only ever
// visible in the registry once every field is set.
type Session struct {
	ID             string
	Protocol       protocol.Protocol
	Driver         driver.Driver
	AutomationName string
	DriverName     string
	Capabilities   driver.Capabilities
	CreatedAt      time.Time

	// token is the pending entry this session was promoted from.
	token    string
	signal   *driver.ShutdownSignal
	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(id string, p protocol.Protocol, d driver.Driver, sel drivers.Selection, caps driver.Capabilities) *Session {
	return &Session{
		ID:             id,
		Protocol:       p,
		Driver:         d,
		AutomationName: sel.AutomationName,
		DriverName:     sel.DriverName,
		Capabilities:   caps,
		CreatedAt:      time.Now(),
		stop:           make(chan struct{}),
	}
}

// release stops the shutdown watcher and cancels the driver's pending
// shutdown signal. Safe to call more than once.
func (s *Session) release() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.signal != nil {
			s.signal.Cancel()
		}
	})
}

// PendingEntry tracks a driver under construction that has no session id yet.
// Siblings read its DriverData live, so a resource the driver claims midway
// through CreateSession is visible to them.
type PendingEntry struct {
	Token      string
	DriverName string
	Driver     driver.Driver
}

// SessionRegistry owns the active-session and pending-construction maps.
// Each map has its own lock and no lock is held while driver code runs. When
// both are needed, sessionsMu is taken first.
type SessionRegistry struct {
	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	pendingMu sync.Mutex
	pending   map[string]PendingEntry
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		pending:  make(map[string]PendingEntry),
	}
}

// Get returns the session registered under id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every session, oldest first.
func (r *SessionRegistry) List() []*Session {
	r.sessionsMu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.sessionsMu.RUnlock()
	sortSessions(list)
	return list
}

// ListByDriverName returns a point-in-time snapshot of sessions of one
// driver type, skipping excludeID.
func (r *SessionRegistry) ListByDriverName(driverName, excludeID string) []*Session {
	r.sessionsMu.RLock()
	list := make([]*Session, 0)
	for id, s := range r.sessions {
		if id != excludeID && s.DriverName == driverName {
			list = append(list, s)
		}
	}
	r.sessionsMu.RUnlock()
	sortSessions(list)
	return list
}

// Len reports the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions)
}

// Put registers s, refusing an id that is already taken.
func (r *SessionRegistry) Put(s *Session) error {
	if s == nil {
		return ErrSessionNil
	}
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	return r.putLocked(s)
}

// Promote registers s and drops the pending entry for token in one critical
// section, so siblings never see the construction disappear in between.
func (r *SessionRegistry) Promote(token string, s *Session) error {
	if s == nil {
		return ErrSessionNil
	}
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if err := r.putLocked(s); err != nil {
		return err
	}
	s.token = token
	r.pendingMu.Lock()
	delete(r.pending, token)
	r.pendingMu.Unlock()
	return nil
}

func (r *SessionRegistry) putLocked(s *Session) error {
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove deletes the row for id and returns it.
func (r *SessionRegistry) Remove(id string) (*Session, bool) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// removeExact deletes the row only while it still holds s.
func (r *SessionRegistry) removeExact(s *Session) bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// Take removes the row for id and, in the same critical section, snapshots
// the remaining sessions of the same driver type.
func (r *SessionRegistry) Take(id string) (*Session, []*Session, bool) {
	r.sessionsMu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.sessionsMu.Unlock()
		return nil, nil, false
	}
	delete(r.sessions, id)
	others := make([]*Session, 0)
	for _, other := range r.sessions {
		if other.DriverName == s.DriverName {
			others = append(others, other)
		}
	}
	r.sessionsMu.Unlock()
	sortSessions(others)
	return s, others, true
}

// AddPending records d as an in-flight construction and returns its token.
func (r *SessionRegistry) AddPending(driverName string, d driver.Driver) string {
	token := uuid.NewString()
	r.pendingMu.Lock()
	r.pending[token] = PendingEntry{Token: token, DriverName: driverName, Driver: d}
	r.pendingMu.Unlock()
	return token
}

// RemovePending drops the entry for token. Unknown tokens are ignored.
func (r *SessionRegistry) RemovePending(token string) {
	r.pendingMu.Lock()
	delete(r.pending, token)
	r.pendingMu.Unlock()
}

// Siblings returns the drivers of one type that are running or still under
// construction, leaving out whatever came from excludeToken. Running drivers
// come first, oldest first.
func (r *SessionRegistry) Siblings(driverName, excludeToken string) []driver.Driver {
	r.sessionsMu.RLock()
	running := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.DriverName == driverName && (excludeToken == "" || s.token != excludeToken) {
			running = append(running, s)
		}
	}
	r.pendingMu.Lock()
	pending := make([]PendingEntry, 0)
	for token, entry := range r.pending {
		if token != excludeToken && entry.DriverName == driverName {
			pending = append(pending, entry)
		}
	}
	r.pendingMu.Unlock()
	r.sessionsMu.RUnlock()

	sortSessions(running)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Token < pending[j].Token
	})
	out := make([]driver.Driver, 0, len(running)+len(pending))
	for _, s := range running {
		out = append(out, s.Driver)
	}
	for _, entry := range pending {
		out = append(out, entry.Driver)
	}
	return out
}

// ListPending returns every in-flight construction.
func (r *SessionRegistry) ListPending() []PendingEntry {
	return r.listPending(func(PendingEntry) bool { return true })
}

// ListPendingByDriverName returns the in-flight constructions of one driver
// type.
func (r *SessionRegistry) ListPendingByDriverName(driverName string) []PendingEntry {
	return r.listPending(func(e PendingEntry) bool { return e.DriverName == driverName })
}

func (r *SessionRegistry) listPending(keep func(PendingEntry) bool) []PendingEntry {
	r.pendingMu.Lock()
	list := make([]PendingEntry, 0, len(r.pending))
	for _, entry := range r.pending {
		if keep(entry) {
			list = append(list, entry)
		}
	}
	r.pendingMu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Token < list[j].Token
	})
	return list
}

func sortSessions(list []*Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
