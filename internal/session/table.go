package session

import (
	"fmt"
	"sync"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/obs"
)

// Table maps live session IDs to sessions. Insert and remove are atomic; a
// concurrent Get sees either the pre- or post-state. The per-port index is
// advisory, used for logging and scoped teardown on the ingress side.
type Table struct {
	mu       sync.RWMutex
	sessions map[frame.SessionID]*Session
	byPort   map[uint16]map[frame.SessionID]*Session
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[frame.SessionID]*Session),
		byPort:   make(map[uint16]map[frame.SessionID]*Session),
	}
}

// Insert registers s. Fails if the ID is already present.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[s.ID]; exists {
		return fmt.Errorf("session id already present: %s", s.ID)
	}
	t.sessions[s.ID] = s
	if s.LocalPort != 0 {
		m := t.byPort[s.LocalPort]
		if m == nil {
			m = make(map[frame.SessionID]*Session)
			t.byPort[s.LocalPort] = m
		}
		m[s.ID] = s
	}
	obs.ActiveSessions.Set(float64(len(t.sessions)))
	obs.SessionsTotal.Inc()
	return nil
}

// Get returns the session for id, if live.
func (t *Table) Get(id frame.SessionID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes and returns the session for id. Idempotent: a second
// remove returns nil.
func (t *Table) Remove(id frame.SessionID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil
	}
	delete(t.sessions, id)
	if s.LocalPort != 0 {
		if m := t.byPort[s.LocalPort]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(t.byPort, s.LocalPort)
			}
		}
	}
	obs.ActiveSessions.Set(float64(len(t.sessions)))
	return s
}

// Snapshot returns the live sessions at a point in time. Safe to call while
// other goroutines mutate the table; used by shutdown.
func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// ByPort returns the sessions accepted on one ingress listen port.
func (t *Table) ByPort(port uint16) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.byPort[port]))
	for _, s := range t.byPort[port] {
		out = append(out, s)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Clear empties the table and returns what it held. Terminal; only shutdown
// calls this.
func (t *Table) Clear() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.sessions = make(map[frame.SessionID]*Session)
	t.byPort = make(map[uint16]map[frame.SessionID]*Session)
	obs.ActiveSessions.Set(0)
	return out
}
