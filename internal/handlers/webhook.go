package handlers

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"wainbox/internal/events"
)

// maxWebhookBody caps webhook payloads. Media arrives by URL, not inline,
// so real envelopes stay far below this.
const maxWebhookBody = 4 << 20

// Webhook receives gateway event deliveries. The envelope is acknowledged
// as soon as it parses; processing happens on the event queue so the
// gateway never waits on database or media work.
func (s *Server) Webhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.webhookToken != "" {
			got := r.Header.Get(HeaderWebhookToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookToken)) != 1 {
				log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook rejected: bad token")
				s.Respond(w, http.StatusUnauthorized, "invalid webhook token")
				return
			}
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			s.Respond(w, http.StatusBadRequest, err)
			return
		}

		env, err := events.ParseEnvelope(body)
		if err != nil {
			log.Warn().Err(err).Msg("Webhook rejected: malformed envelope")
			s.Respond(w, http.StatusBadRequest, err)
			return
		}

		if s.eventQueue != nil {
			if err := s.eventQueue.Enqueue(env.Type, env); err != nil {
				log.Error().Err(err).Str("kind", env.Type).Msg("Failed to enqueue gateway event")
				s.Respond(w, http.StatusServiceUnavailable, err)
				return
			}
			s.Respond(w, http.StatusOK, map[string]string{"status": "queued"})
			return
		}

		if err := s.router.Handle(r.Context(), env); err != nil {
			log.Error().Err(err).Str("kind", env.Type).Msg("Failed to process gateway event")
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}
