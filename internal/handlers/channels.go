package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"wainbox/internal/models"
	"wainbox/internal/store"
)

type createChannelRequest struct {
	TenantID string `json:"tenant_id"`
	Address  string `json:"address"`
}

type channelResponse struct {
	Channel *models.Channel `json:"channel"`
	Session *models.Session `json:"session,omitempty"`
}

// CreateChannel provisions a channel: a database row, a gateway instance
// keyed by the channel address, and a connecting session whose token is the
// gateway instance identifier. The QR code arrives later via webhook.
func (s *Server) CreateChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, http.StatusBadRequest, err)
			return
		}
		if req.TenantID == "" || req.Address == "" {
			s.Respond(w, http.StatusBadRequest, "tenant_id and address are required")
			return
		}

		channel, err := s.store.CreateChannel(req.TenantID, req.Address)
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		if s.gateway != nil {
			if err := s.gateway.CreateNumber(r.Context(), channel.Address); err != nil {
				log.Error().Err(err).Str("channel_id", channel.ID).Msg("Gateway provisioning failed")
				s.Respond(w, http.StatusBadGateway, err)
				return
			}
		}

		session, err := s.store.CreateSession(req.TenantID, channel.ID, channel.Address)
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		log.Info().
			Str("channel_id", channel.ID).
			Str("tenant_id", req.TenantID).
			Msg("Channel provisioned")
		s.Respond(w, http.StatusCreated, channelResponse{Channel: channel, Session: session})
	}
}

// GetChannel returns a channel with its live gateway status when available.
func (s *Server) GetChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channelId"]

		channel, err := s.store.GetChannel(channelID)
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, http.StatusNotFound, "channel not found")
			return
		}
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		resp := map[string]interface{}{"channel": channel}
		if s.gateway != nil {
			if status, err := s.gateway.GetNumberStatus(r.Context(), channel.Address); err == nil {
				resp["gateway"] = status
			} else {
				log.Warn().Err(err).Str("channel_id", channel.ID).Msg("Gateway status unavailable")
			}
		}
		s.Respond(w, http.StatusOK, resp)
	}
}

// DeleteChannel tears down the gateway instance and deactivates the channel.
// The row itself is kept; conversations and messages stay queryable.
func (s *Server) DeleteChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channelId"]

		channel, err := s.store.GetChannel(channelID)
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, http.StatusNotFound, "channel not found")
			return
		}
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		if s.gateway != nil {
			if err := s.gateway.DeleteNumber(r.Context(), channel.Address); err != nil {
				log.Warn().Err(err).Str("channel_id", channel.ID).Msg("Gateway teardown failed, deactivating anyway")
			}
		}

		sessions, err := s.store.ListSessionsByChannel(channel.ID)
		if err == nil {
			for _, sess := range sessions {
				if sess.Status != models.SessionDisconnected {
					if err := s.store.UpdateSessionStatus(sess.ID, models.SessionDisconnected); err != nil {
						log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to disconnect session")
					}
				}
			}
		}

		if err := s.store.UpdateChannelStatus(channel.ID, models.ChannelInactive); err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}
		if s.resolver != nil {
			s.resolver.InvalidateChannel(channel.Address)
		}

		log.Info().Str("channel_id", channel.ID).Msg("Channel deactivated")
		s.Respond(w, http.StatusOK, map[string]string{"status": "deactivated"})
	}
}

// ChannelQR returns the latest pairing code for a channel, as stored on the
// newest session by the QR webhook event.
func (s *Server) ChannelQR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channelId"]

		sessions, err := s.store.ListSessionsByChannel(channelID)
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		for _, sess := range sessions {
			code := sess.Metadata.GetString(models.MetaQRCode)
			if code == "" {
				continue
			}
			s.Respond(w, http.StatusOK, map[string]string{
				"code":        code,
				"png":         sess.Metadata.GetString(models.MetaQRPNG),
				"received_at": sess.Metadata.GetString(models.MetaQRReceivedAt),
			})
			return
		}
		s.Respond(w, http.StatusNotFound, "no pairing code available")
	}
}
