package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper periodically sweeps authenticated connections and evicts any whose last activity is older than the idle
// window. Sweeps work on a table snapshot so no socket I/O happens under the table lock.
type Reaper struct {
	hub      *Hub
	interval time.Duration
	idle     time.Duration
	log      zerolog.Logger
}

// NewReaper creates a reaper sweeping at the given interval with the given idle window.
func NewReaper(hub *Hub, interval, idle time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		hub:      hub,
		interval: interval,
		idle:     idle,
		log:      logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	cutoff := time.Now().Add(-r.idle)

	var stale []*Session
	for _, s := range r.hub.table.Snapshot() {
		if s.Authenticated() && s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}

	for _, s := range stale {
		r.log.Info().
			Stringer("connection_id", s.ID()).
			Stringer("agent_id", s.AgentID()).
			Time("last_activity", s.LastActivity()).
			Msg("Evicting idle connection")
		s.setError()
		s.closeWithCode(CloseIdleTimeout, "idle timeout")
		r.hub.drop(s)
	}
}
