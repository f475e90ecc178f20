package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Table is the in-memory registry of live connections, keyed by connection ID from socket open and additionally by
// agent ID once authenticated. Both maps are guarded by one read-write lock and always mutate together. No I/O ever
// happens under the lock; broadcast paths take a snapshot first.
type Table struct {
	mu      sync.RWMutex
	byConn  map[uuid.UUID]*Session
	byAgent map[uuid.UUID]uuid.UUID
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{
		byConn:  make(map[uuid.UUID]*Session),
		byAgent: make(map[uuid.UUID]uuid.UUID),
	}
}

// Add registers a freshly accepted connection under its connection ID.
func (t *Table) Add(s *Session) {
	t.mu.Lock()
	t.byConn[s.ID()] = s
	t.mu.Unlock()
}

// Authenticate records the agent binding for an authenticated session. If another live connection already holds the
// agent ID, it is unlinked and returned so the caller can terminate it with reason "superseded". The replacement is
// atomic: at no point is the agent absent from the table.
func (t *Table) Authenticate(s *Session) (prev *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agentID := s.AgentID()
	if prevConn, ok := t.byAgent[agentID]; ok && prevConn != s.ID() {
		if p, live := t.byConn[prevConn]; live {
			prev = p
		}
		delete(t.byConn, prevConn)
	}
	t.byConn[s.ID()] = s
	t.byAgent[agentID] = s.ID()
	return prev
}

// Remove clears the session from both maps atomically. It returns false when the session was already removed (for
// example by a superseding authentication), making removal idempotent.
func (t *Table) Remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byConn[s.ID()]; !ok {
		return false
	}
	delete(t.byConn, s.ID())

	agentID := s.AgentID()
	if conn, ok := t.byAgent[agentID]; ok && conn == s.ID() {
		delete(t.byAgent, agentID)
	}
	return true
}

// Agent returns the live session currently bound to the agent ID.
func (t *Table) Agent(agentID uuid.UUID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conn, ok := t.byAgent[agentID]
	if !ok {
		return nil, false
	}
	s, ok := t.byConn[conn]
	return s, ok
}

// Snapshot returns the authenticated sessions at this instant. Callers iterate the copy so no socket write ever runs
// while the table lock is held.
func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.byAgent))
	for _, conn := range t.byAgent {
		if s, ok := t.byConn[conn]; ok {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live session, authenticated or not.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.byConn))
	for _, s := range t.byConn {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live connections, authenticated or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}
