package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"wainbox/internal/gateway"
	"wainbox/internal/models"
	"wainbox/internal/normalize"
	"wainbox/internal/store"
)

// ErrDestinationBusy means another worker holds the send lock for the
// destination. The task is retried by the queue, which acts as the requeue.
var ErrDestinationBusy = errors.New("outbound: destination locked by another send")

// Command is one outbound send task. MessageID references the pending
// Message created when the send was accepted, so retries reuse it instead of
// duplicating rows.
type Command struct {
	MessageID      string `json:"message_id"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Body           string `json:"body,omitempty"`
	Attachment     string `json:"attachment,omitempty"` // data URL
	FileName       string `json:"file_name,omitempty"`
}

// Sender executes send commands against the gateway.
type Sender struct {
	store   *store.Store
	gateway *gateway.Client
	lock    *SendLock
}

// NewSender wires a sender.
func NewSender(s *store.Store, gw *gateway.Client, lock *SendLock) (*Sender, error) {
	if s == nil || gw == nil || lock == nil {
		return nil, fmt.Errorf("sender dependencies cannot be nil")
	}
	return &Sender{store: s, gateway: gw, lock: lock}, nil
}

// Prepare creates the pending outbound Message for a send request and
// returns the command to enqueue. The message shows up in the inbox
// immediately; delivery state follows asynchronously.
func (s *Sender) Prepare(tenantID, conversationID, to, msgType, body, attachment, fileName string) (*Command, error) {
	if msgType == "" {
		msgType = models.TypeText
	}
	content := body
	mimeType := ""
	if attachment != "" {
		parsed, err := dataurl.DecodeString(attachment)
		if err != nil {
			return nil, fmt.Errorf("invalid attachment data url: %w", err)
		}
		mimeType = parsed.ContentType()
	}

	msg := &models.Message{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		Type:           msgType,
		Content:        content,
		FileName:       fileName,
		MimeType:       mimeType,
		Status:         models.StatusPending,
		Metadata:       models.Metadata{},
	}
	if err := s.store.CreateMessage(msg); err != nil {
		return nil, err
	}

	return &Command{
		MessageID:      msg.ID,
		TenantID:       tenantID,
		ConversationID: conversationID,
		To:             to,
		Type:           msgType,
		Body:           body,
		Attachment:     attachment,
		FileName:       fileName,
	}, nil
}

// Send executes one command. Contention on the destination lock returns
// ErrDestinationBusy for the queue to retry; gateway rejection marks the
// message failed and propagates the error.
func (s *Sender) Send(ctx context.Context, cmd *Command) error {
	msg, err := s.store.GetMessage(cmd.MessageID)
	if err != nil {
		return fmt.Errorf("send command references unknown message %s: %w", cmd.MessageID, err)
	}
	if msg.Status != models.StatusPending {
		log.Debug().Str("message_id", msg.ID).Str("status", msg.Status).Msg("Send command already completed, skipping")
		return nil
	}

	conv, err := s.store.GetConversation(cmd.ConversationID)
	if err != nil {
		return err
	}
	sess, err := s.store.GetSession(conv.SessionID)
	if err != nil {
		return fmt.Errorf("conversation %s has no usable session: %w", conv.ID, err)
	}
	channel, err := s.store.GetChannel(sess.ChannelID)
	if err != nil {
		return err
	}

	destination := normalize.Canonical(cmd.To)
	key := channel.ID + "|" + destination
	if !s.lock.TryAcquire(key) {
		log.Debug().Str("destination", destination).Str("channel_id", channel.ID).Msg("Destination locked, requeueing send")
		return ErrDestinationBusy
	}
	defer s.lock.Release(key)

	req := &gateway.SendRequest{
		To:   destination,
		Type: cmd.Type,
		Body: cmd.Body,
	}
	if cmd.Attachment != "" {
		parsed, parseErr := dataurl.DecodeString(cmd.Attachment)
		if parseErr != nil {
			s.markFailed(msg.ID)
			return fmt.Errorf("invalid attachment data url: %w", parseErr)
		}
		req.FileData = cmd.Attachment
		req.FileName = cmd.FileName
		req.MimeType = parsed.ContentType()
		req.Caption = cmd.Body
	}

	// Gateway errors are left retryable: the message stays pending and the
	// queue either retries or parks it through Abandon.
	result, err := s.gateway.Send(ctx, channel.Address, req)
	if err != nil {
		return err
	}

	if err := s.store.MarkMessageSent(msg.ID, result.MessageID, result.Timestamp); err != nil {
		return err
	}
	if err := s.store.TouchConversation(conv.ID, result.Timestamp); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to touch conversation after send")
	}

	log.Info().
		Str("message_id", msg.ID).
		Str("external_id", result.MessageID).
		Str("destination", destination).
		Msg("Message sent")
	return nil
}

func (s *Sender) markFailed(messageID string) {
	if err := s.store.MarkMessageFailed(messageID); err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to mark message failed")
	}
}

// Abandon marks a send's message failed after the queue exhausted its
// retries. Wired as part of the outbound queue's park hook.
func (s *Sender) Abandon(cmd *Command) {
	log.Error().Str("message_id", cmd.MessageID).Str("to", cmd.To).Msg("Outbound send abandoned")
	s.markFailed(cmd.MessageID)
}

// LockStats reports send-lock occupancy for the ops endpoint.
func (s *Sender) LockStats() int {
	return s.lock.Held()
}
