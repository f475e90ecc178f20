package relay

import (
	"sync/atomic"
	"time"
)

// Stats holds the server-wide counters. All fields except ActiveConnections are monotonic. Counters are atomics so
// sessions, the Router, and the admin surface can touch them without shared locks.
type Stats struct {
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	messagesReceived  atomic.Int64
	messagesSent      atomic.Int64
	messagesDelivered atomic.Int64
	messagesFailed    atomic.Int64
	startTime         time.Time
}

// NewStats creates a statistics record stamped with the current time.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) ConnectionOpened() {
	s.totalConnections.Add(1)
	s.activeConnections.Add(1)
}

func (s *Stats) ConnectionClosed() {
	s.activeConnections.Add(-1)
}

func (s *Stats) MessageReceived()  { s.messagesReceived.Add(1) }
func (s *Stats) MessageSent()      { s.messagesSent.Add(1) }
func (s *Stats) MessageDelivered() { s.messagesDelivered.Add(1) }
func (s *Stats) MessageFailed()    { s.messagesFailed.Add(1) }

// Snapshot is a point-in-time copy of the counters for serialisation.
type Snapshot struct {
	TotalConnections  int64     `json:"totalConnections"`
	ActiveConnections int64     `json:"activeConnections"`
	MessagesReceived  int64     `json:"messagesReceived"`
	MessagesSent      int64     `json:"messagesSent"`
	MessagesDelivered int64     `json:"messagesDelivered"`
	MessagesFailed    int64     `json:"messagesFailed"`
	StartTime         time.Time `json:"startTime"`
	UptimeSeconds     int64     `json:"uptimeSeconds"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: s.activeConnections.Load(),
		MessagesReceived:  s.messagesReceived.Load(),
		MessagesSent:      s.messagesSent.Load(),
		MessagesDelivered: s.messagesDelivered.Load(),
		MessagesFailed:    s.messagesFailed.Load(),
		StartTime:         s.startTime,
		UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
	}
}
