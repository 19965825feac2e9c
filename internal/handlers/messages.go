package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"wainbox/internal/inbox"
	"wainbox/internal/models"
	"wainbox/internal/store"
)

type sendMessageRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Body           string `json:"body"`
	Attachment     string `json:"attachment,omitempty"`
	FileName       string `json:"file_name,omitempty"`
}

// SendMessage accepts an outbound message. The message row is created
// immediately in pending state; actual delivery happens on the outbound
// queue, or inline when no queue is configured.
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, http.StatusBadRequest, err)
			return
		}
		if req.TenantID == "" || req.ConversationID == "" || req.To == "" {
			s.Respond(w, http.StatusBadRequest, "tenant_id, conversation_id and to are required")
			return
		}
		if req.Type == "" {
			req.Type = models.TypeText
		}

		cmd, err := s.sender.Prepare(req.TenantID, req.ConversationID, req.To, req.Type, req.Body, req.Attachment, req.FileName)
		if err != nil {
			s.Respond(w, http.StatusBadRequest, err)
			return
		}

		if s.outboundQueue != nil {
			if err := s.outboundQueue.Enqueue("send", cmd); err != nil {
				log.Error().Err(err).Str("message_id", cmd.MessageID).Msg("Failed to enqueue outbound message")
				s.Respond(w, http.StatusServiceUnavailable, err)
				return
			}
			s.Respond(w, http.StatusAccepted, map[string]string{
				"message_id": cmd.MessageID,
				"status":     models.StatusPending,
			})
			return
		}

		if err := s.sender.Send(r.Context(), cmd); err != nil {
			s.Respond(w, http.StatusBadGateway, err)
			return
		}
		s.Respond(w, http.StatusOK, map[string]string{
			"message_id": cmd.MessageID,
			"status":     models.StatusSent,
		})
	}
}

// ListMessages returns a conversation's messages, newest last.
func (s *Server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := mux.Vars(r)["conversationId"]

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		messages, err := s.store.ListMessagesByConversation(conversationID, limit)
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, http.StatusOK, map[string]interface{}{"messages": messages})
	}
}

type transferRequest struct {
	ToDepartmentID string  `json:"to_department_id"`
	Actor          string  `json:"actor"`
	AssignedTo     *string `json:"assigned_to,omitempty"`
	Notes          string  `json:"notes,omitempty"`
}

// TransferConversation moves a conversation to another department,
// recording the transfer lineage.
func (s *Server) TransferConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := mux.Vars(r)["conversationId"]

		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, http.StatusBadRequest, err)
			return
		}
		if req.ToDepartmentID == "" {
			s.Respond(w, http.StatusBadRequest, "to_department_id is required")
			return
		}
		if req.Actor == "" {
			req.Actor = "api"
		}

		conv, err := s.store.GetConversation(conversationID)
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, http.StatusNotFound, "conversation not found")
			return
		}
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		err = s.engine.Transfer(conv, req.ToDepartmentID, req.Actor, req.AssignedTo, req.Notes)
		if errors.Is(err, inbox.ErrSameDepartment) {
			s.Respond(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, http.StatusOK, map[string]interface{}{"conversation": conv})
	}
}

type resolveRequest struct {
	Status string `json:"status,omitempty"`
	Actor  string `json:"actor"`
}

// ResolveConversation closes out a conversation as resolved or closed.
func (s *Server) ResolveConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := mux.Vars(r)["conversationId"]

		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, http.StatusBadRequest, err)
			return
		}
		if req.Status == "" {
			req.Status = models.ConversationResolved
		}
		if req.Status != models.ConversationResolved && req.Status != models.ConversationClosed {
			s.Respond(w, http.StatusBadRequest, "status must be resolved or closed")
			return
		}
		if req.Actor == "" {
			req.Actor = "api"
		}

		if _, err := s.store.GetConversation(conversationID); errors.Is(err, store.ErrNotFound) {
			s.Respond(w, http.StatusNotFound, "conversation not found")
			return
		} else if err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}

		if err := s.store.ResolveConversation(conversationID, req.Status, req.Actor); err != nil {
			s.Respond(w, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}
