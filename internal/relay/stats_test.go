package relay

import "testing"

func TestStats_Snapshot(t *testing.T) {
	t.Parallel()
	s := NewStats()

	s.ConnectionOpened()
	s.ConnectionOpened()
	s.ConnectionClosed()
	s.MessageReceived()
	s.MessageSent()
	s.MessageSent()
	s.MessageDelivered()
	s.MessageFailed()

	snap := s.Snapshot()
	if snap.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", snap.ActiveConnections)
	}
	if snap.TotalConnections != 2 {
		t.Errorf("TotalConnections = %d, want 2", snap.TotalConnections)
	}
	if snap.MessagesReceived != 1 {
		t.Errorf("MessagesReceived = %d, want 1", snap.MessagesReceived)
	}
	if snap.MessagesSent != 2 {
		t.Errorf("MessagesSent = %d, want 2", snap.MessagesSent)
	}
	if snap.MessagesDelivered != 1 {
		t.Errorf("MessagesDelivered = %d, want 1", snap.MessagesDelivered)
	}
	if snap.MessagesFailed != 1 {
		t.Errorf("MessagesFailed = %d, want 1", snap.MessagesFailed)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %v, want >= 0", snap.UptimeSeconds)
	}
}
