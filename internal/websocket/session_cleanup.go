package websocket

import (
	"context"
	"time"
)

// How often the registry is swept for expired reconnect grace periods.
// Grace is configured in whole seconds, so finer resolution buys nothing.
const sweepPeriod = time.Second

// Run keeps watch over the session registry until ctx is canceled. Sessions
// parked in Reconnecting past the grace period are torn down and their
// pending work abandoned. Canceling ctx closes every session.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep reaps expired sessions and refreshes the pending-task gauge.
func (h *Hub) sweep() {
	pending := 0
	for _, s := range h.snapshot() {
		pending += s.entity.PendingCount()
		if s.entity.GraceExpired(h.cfg.ReconnectGrace) {
			h.metrics.RecordGraceExpiry()
			s.shutdown("reconnect grace expired")
		}
	}
	h.metrics.SetPendingTasks(pending)
}

// closeAll tears down every session. The root context goes first so pipeline
// workers stop waiting on collaborators before the sessions are closed.
func (h *Hub) closeAll() {
	h.rootCancel()
	for _, s := range h.snapshot() {
		s.shutdown("server shutting down")
	}
}
