package relay

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestTable_AddAndLen(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, nil)
	tbl := NewTable()

	s := newSession(h, nil, ClientMeta{}, zerolog.Nop())
	tbl.Add(s)

	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
	if len(tbl.Snapshot()) != 0 {
		t.Error("unauthenticated session appears in Snapshot()")
	}
	if len(tbl.All()) != 1 {
		t.Errorf("All() = %d sessions, want 1", len(tbl.All()))
	}
}

func TestTable_AuthenticateBindsAgent(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, nil)
	tbl := NewTable()

	agentID := uuid.New()
	s := newSession(h, nil, ClientMeta{}, zerolog.Nop())
	s.bindIdentity(uuid.New(), agentID, "pk")
	tbl.Add(s)

	if prev := tbl.Authenticate(s); prev != nil {
		t.Errorf("Authenticate() prev = %v, want nil", prev.ID())
	}
	got, ok := tbl.Agent(agentID)
	if !ok || got != s {
		t.Error("Agent() did not return the bound session")
	}
}

func TestTable_AuthenticateSupersedes(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, nil)
	tbl := NewTable()

	agentID := uuid.New()
	old := newSession(h, nil, ClientMeta{}, zerolog.Nop())
	old.bindIdentity(uuid.New(), agentID, "pk")
	tbl.Add(old)
	tbl.Authenticate(old)

	newer := newSession(h, nil, ClientMeta{}, zerolog.Nop())
	newer.bindIdentity(uuid.New(), agentID, "pk")
	tbl.Add(newer)

	prev := tbl.Authenticate(newer)
	if prev != old {
		t.Fatal("Authenticate() did not return the displaced session")
	}

	got, ok := tbl.Agent(agentID)
	if !ok || got != newer {
		t.Error("agent not rebound to the new session")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (displaced session unlinked)", tbl.Len())
	}

	// The displaced session is already gone; removing it again must not disturb the new binding.
	if tbl.Remove(old) {
		t.Error("Remove(old) = true, want false")
	}
	if _, ok := tbl.Agent(agentID); !ok {
		t.Error("new binding lost after removing the displaced session")
	}
}

func TestTable_RemoveIdempotent(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, nil)
	tbl := NewTable()

	agentID := uuid.New()
	s := newSession(h, nil, ClientMeta{}, zerolog.Nop())
	s.bindIdentity(uuid.New(), agentID, "pk")
	tbl.Add(s)
	tbl.Authenticate(s)

	if !tbl.Remove(s) {
		t.Fatal("first Remove() = false, want true")
	}
	if tbl.Remove(s) {
		t.Error("second Remove() = true, want false")
	}
	if _, ok := tbl.Agent(agentID); ok {
		t.Error("agent still bound after removal")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestTable_AgentUnknown(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	if _, ok := tbl.Agent(uuid.New()); ok {
		t.Error("Agent() ok = true for unknown agent")
	}
}
