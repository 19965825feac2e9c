package handlers

import (
	"net/http"

	"wainbox/internal/queue"
)

// QueueStatus reports the dispatcher snapshots for monitoring.
func (s *Server) QueueStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := make(map[string]queue.Stats)
		if s.eventQueue != nil {
			snap := s.eventQueue.Snapshot()
			stats[snap.Queue] = snap
		}
		if s.outboundQueue != nil {
			snap := s.outboundQueue.Snapshot()
			stats[snap.Queue] = snap
		}
		if len(stats) == 0 {
			s.Respond(w, http.StatusOK, map[string]string{"mode": "inline"})
			return
		}
		s.Respond(w, http.StatusOK, stats)
	}
}

// LockStatus reports send lock occupancy and resolver cache size.
func (s *Server) LockStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"send_locks_held": s.sender.LockStats(),
		}
		if s.resolver != nil {
			resp["resolver_cache_items"] = s.resolver.CacheStats()
		}
		s.Respond(w, http.StatusOK, resp)
	}
}
