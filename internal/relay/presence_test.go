package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestPresence_OnlinePublishesAndFansOut(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	h := newTestHub(t, bus)

	subjectID := uuid.New()
	subject := addAuthedSession(t, h, subjectID)
	observer := addAuthedSession(t, h, uuid.New())

	h.presence.AgentOnline(context.Background(), subjectID)

	// The subject itself never sees its own transition.
	wantNoFrame(t, subject)

	frame := nextFrame(t, observer)
	if frame.Event != EventPresence {
		t.Fatalf("frame event = %q, want %q", frame.Event, EventPresence)
	}
	var ev PresenceEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		t.Fatalf("unmarshal presence event: %v", err)
	}
	if ev.AgentID != subjectID.String() || ev.Status != PresenceOnline {
		t.Errorf("event = %+v, want agent %s online", ev, subjectID)
	}
	if ev.Timestamp == 0 {
		t.Error("event timestamp is zero")
	}

	pubs := bus.publications("presence-updates")
	if len(pubs) != 1 {
		t.Fatalf("published %d payloads, want 1", len(pubs))
	}
	var busEv busPresence
	if err := json.Unmarshal(pubs[0], &busEv); err != nil {
		t.Fatalf("unmarshal bus payload: %v", err)
	}
	if busEv.Origin != h.instanceID {
		t.Errorf("payload origin = %q, want %q", busEv.Origin, h.instanceID)
	}
}

func TestPresence_HandleBusEventSkipsOwnOrigin(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	h := newTestHub(t, bus)

	observer := addAuthedSession(t, h, uuid.New())

	payload, _ := json.Marshal(busPresence{
		PresenceEvent: PresenceEvent{AgentID: uuid.NewString(), Status: PresenceOnline, Timestamp: 1},
		Origin:        h.instanceID,
	})
	h.presence.HandleBusEvent(payload)
	wantNoFrame(t, observer)
}

func TestPresence_HandleBusEventFansOutWithoutRepublish(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	h := newTestHub(t, bus)

	observer := addAuthedSession(t, h, uuid.New())

	payload, _ := json.Marshal(busPresence{
		PresenceEvent: PresenceEvent{AgentID: uuid.NewString(), Status: PresenceOffline, Timestamp: 1},
		Origin:        "another-instance",
	})
	h.presence.HandleBusEvent(payload)

	frame := nextFrame(t, observer)
	if frame.Event != EventPresence {
		t.Errorf("frame event = %q, want %q", frame.Event, EventPresence)
	}

	// Fleet events are fanned out locally, never echoed back onto the bus.
	if pubs := bus.publications("presence-updates"); len(pubs) != 0 {
		t.Errorf("re-published %d payloads, want 0", len(pubs))
	}
}
