package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"wainbox/internal/media"
	"wainbox/internal/models"
	"wainbox/internal/normalize"
	"wainbox/internal/resolver"
	"wainbox/internal/store"
)

// eventContext is the resolved channel/session pair every stateful handler
// needs. A resolution miss is a drop, not an error: there is nothing to
// retry against.
type eventContext struct {
	channel *models.Channel
	session *models.Session
}

func (r *Router) resolveContext(env *Envelope) (*eventContext, bool) {
	channel, err := r.resolver.ResolveChannel(env.ID)
	if err != nil {
		log.Warn().Err(err).Str("channel_token", env.ID).Str("kind", env.Type).Msg("Event dropped, channel not resolved")
		return nil, false
	}
	session, err := r.resolver.ResolveSession(channel, env.ID)
	if err != nil {
		if errors.Is(err, resolver.ErrSessionNotFound) {
			log.Warn().Str("channel_id", channel.ID).Str("token", env.ID).Str("kind", env.Type).Msg("Event dropped, session not resolved")
			return nil, false
		}
		log.Error().Err(err).Str("channel_id", channel.ID).Msg("Session resolution failed")
		return nil, false
	}
	return &eventContext{channel: channel, session: session}, true
}

func (r *Router) handleMessage(ctx context.Context, env *Envelope) error {
	payload, err := decode[MessagePayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed message payload dropped")
		return nil
	}
	if payload.Info.ID == "" {
		log.Warn().Str("channel_token", env.ID).Msg("Message event without id dropped")
		return nil
	}

	ec, ok := r.resolveContext(env)
	if !ok {
		return nil
	}
	tenantID := ec.channel.TenantID

	// At-least-once delivery: the external id is the idempotency key.
	if _, err := r.store.GetMessageByExternalID(tenantID, payload.Info.ID); err == nil {
		log.Debug().Str("external_id", payload.Info.ID).Msg("Duplicate message event ignored")
		return nil
	}

	contactAddress := payload.Info.Sender
	chatAddress := payload.Info.Chat
	if chatAddress == "" {
		chatAddress = contactAddress
	}
	if payload.Info.IsFromMe {
		// An echo of a message sent from the linked device itself: the
		// conversation peer is the chat, not the sender.
		contactAddress = chatAddress
	}

	contact, err := r.engine.FindOrCreateContact(tenantID, ec.channel.ID, contactAddress, payload.Info.PushName)
	if err != nil {
		return err
	}
	conv, err := r.engine.FindOrCreateConversation(ec.session, contact, chatAddress)
	if err != nil {
		return err
	}

	content := ClassifyContent(payload.Message)

	msg := &models.Message{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Type:           content.Type,
		Content:        content.Text,
		FileName:       content.FileName,
		Status:         models.StatusPending,
		ExternalID:     payload.Info.ID,
		Metadata:       models.Metadata{},
	}
	if payload.Info.IsFromMe {
		msg.Direction = models.DirectionOutbound
		msg.Status = models.StatusSent
		msg.SentAt = payload.Info.Timestamp.TimeOrNil()
	}

	if IsMediaType(content.Type) {
		if err := r.acquireMedia(ctx, env, payload, content, conv.ID, tenantID, msg); err != nil {
			return err
		}
	}

	if err := r.store.CreateMessage(msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// A concurrent worker won the insert race for this external id.
			log.Debug().Str("external_id", msg.ExternalID).Msg("Duplicate message event ignored")
			return nil
		}
		return err
	}
	if ts := payload.Info.Timestamp.TimeOrNil(); ts != nil {
		if err := r.store.TouchConversation(conv.ID, *ts); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to set conversation activity timestamp")
		}
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("conversation_id", conv.ID).
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Str("direction", msg.Direction).
		Msg("Message ingested")

	r.notify("message.created", msg)
	return nil
}

// acquireMedia runs the download/decrypt pipeline and fills the message's
// file fields. Degraded outcomes keep the message, just without a file.
func (r *Router) acquireMedia(ctx context.Context, env *Envelope, payload *MessagePayload, content Content, conversationID, tenantID string, msg *models.Message) error {
	var rootMap, infoMap map[string]interface{}
	if err := json.Unmarshal(env.Data, &rootMap); err == nil {
		infoMap, _ = rootMap["Info"].(map[string]interface{})
	}

	mimeType, size := media.ExtractAttributes(content.Media, rootMap)
	req := &media.Request{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Kind:           content.Type,
		MimeType:       mimeType,
		DeclaredSize:   size,
		URL:            media.LocateURL(content.Media, rootMap, infoMap),
		FileName:       content.FileName,
	}
	if content.Media != nil {
		req.MediaKeyB64, _ = content.Media["mediaKey"].(string)
		req.FileHashB64, _ = content.Media["fileEncSHA256"].(string)
		req.PlainHashB64, _ = content.Media["fileSHA256"].(string)
	}

	result, err := r.media.Process(ctx, req)
	switch {
	case err == nil:
		msg.FilePath = result.Path
		msg.FileName = result.FileName
		msg.MimeType = result.MimeType
		msg.FileSize = result.Size
		if result.ThumbnailPath != "" {
			msg.Metadata["thumbnail_path"] = result.ThumbnailPath
		}
	case errors.Is(err, media.ErrNoURL):
		log.Warn().Str("external_id", msg.ExternalID).Str("kind", content.Type).Msg("Media event without download url, message saved without file")
		msg.MimeType = mimeType
	case errors.Is(err, media.ErrNotPersistable), errors.Is(err, media.ErrUnavailable):
		log.Warn().Err(err).Str("external_id", msg.ExternalID).Str("kind", content.Type).Msg("Media not acquirable, message saved without file")
		msg.MimeType = mimeType
		if req.URL != "" && content.Type == models.TypeImage {
			msg.Metadata["external_url"] = req.URL
		}
	default:
		// Transport-level failure: surface it so the queue retries.
		return err
	}
	return nil
}

func (r *Router) handleReceipt(ctx context.Context, env *Envelope) error {
	payload, err := decode[ReceiptPayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed receipt payload dropped")
		return nil
	}

	channel, chErr := r.resolver.ResolveChannel(env.ID)
	if chErr != nil {
		log.Warn().Err(chErr).Str("channel_token", env.ID).Msg("Receipt dropped, channel not resolved")
		return nil
	}

	kind := payload.Type
	if env.Type == KindReadReceipt && kind == "" {
		kind = "read"
	}
	return r.engine.ApplyReceipt(channel.TenantID, payload.MessageIDs, kind, payload.Timestamp.TimeOrNil())
}

func (r *Router) handleQR(ctx context.Context, env *Envelope) error {
	payload, err := decode[QRPayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed QR payload dropped")
		return nil
	}
	code := payload.PairingCode()
	if code == "" {
		log.Debug().Str("sub_kind", payload.Event).Msg("Non-code QR channel item ignored")
		return nil
	}

	ec, ok := r.resolveContext(env)
	if !ok {
		return nil
	}

	meta := ec.session.Metadata
	if meta == nil {
		meta = models.Metadata{}
	}
	meta[models.MetaQRCode] = code
	meta[models.MetaQRReceivedAt] = time.Now().UTC().Format(time.RFC3339)
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err != nil {
		log.Warn().Err(err).Msg("Failed to render QR PNG")
	} else {
		meta[models.MetaQRPNG] = base64.StdEncoding.EncodeToString(png)
	}
	if err := r.store.SaveSessionMetadata(ec.session.ID, meta); err != nil {
		return err
	}

	if r.qrToTerm {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}

	log.Info().Str("channel_id", ec.channel.ID).Str("session_id", ec.session.ID).Msg("Pairing code stored")
	r.notify("channel.qr", map[string]string{"channel_id": ec.channel.ID})
	return nil
}

func (r *Router) handleConnected(ctx context.Context, env *Envelope) error {
	payload, err := decode[ConnectedPayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed connected payload dropped")
		return nil
	}

	ec, ok := r.resolveContext(env)
	if !ok {
		return nil
	}

	if err := r.store.UpdateSessionStatus(ec.session.ID, models.SessionConnected); err != nil {
		return err
	}
	if err := r.store.UpdateChannelStatus(ec.channel.ID, models.ChannelConnected); err != nil {
		return err
	}
	if err := r.store.ResetReconnectAttempts(ec.channel.ID); err != nil {
		log.Warn().Err(err).Str("channel_id", ec.channel.ID).Msg("Failed to reset reconnect attempts")
	}

	// Capture the realized identity the provider assigned on login.
	if payload.ID != "" {
		realized := normalize.Canonical(payload.ID)
		if realized != ec.channel.Address {
			if err := r.store.UpdateChannelAddress(ec.channel.ID, realized); err != nil {
				return err
			}
			r.resolver.InvalidateChannel(ec.channel.Address, env.ID)
			log.Info().
				Str("channel_id", ec.channel.ID).
				Str("address", realized).
				Msg("Channel address updated from realized identity")
		}
	}

	// The pairing code is spent once connected.
	meta := ec.session.Metadata
	if meta != nil {
		delete(meta, models.MetaQRCode)
		delete(meta, models.MetaQRPNG)
		if err := r.store.SaveSessionMetadata(ec.session.ID, meta); err != nil {
			log.Warn().Err(err).Str("session_id", ec.session.ID).Msg("Failed to clear pairing code")
		}
	}

	log.Info().Str("channel_id", ec.channel.ID).Str("session_id", ec.session.ID).Msg("Channel connected")
	r.notify("channel.connected", map[string]string{"channel_id": ec.channel.ID})
	return nil
}

func (r *Router) handleLoggedOut(ctx context.Context, env *Envelope) error {
	payload, err := decode[LoggedOutPayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed logged-out payload dropped")
		return nil
	}
	return r.disconnect(env, "logged out: "+payload.Reason)
}

func (r *Router) handleAppState(ctx context.Context, env *Envelope) error {
	payload, err := decode[AppStatePayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed app-state payload dropped")
		return nil
	}
	if payload.AgentDeleted() {
		return r.disconnect(env, "agent deleted")
	}
	log.Debug().Strs("index", payload.Index).Msg("App-state mutation without state transition")
	return nil
}

func (r *Router) disconnect(env *Envelope, reason string) error {
	ec, ok := r.resolveContext(env)
	if !ok {
		return nil
	}
	if err := r.store.UpdateSessionStatus(ec.session.ID, models.SessionDisconnected); err != nil {
		return err
	}
	if err := r.store.UpdateChannelStatus(ec.channel.ID, models.ChannelInactive); err != nil {
		return err
	}
	log.Info().
		Str("channel_id", ec.channel.ID).
		Str("session_id", ec.session.ID).
		Str("reason", reason).
		Msg("Channel disconnected")
	r.notify("channel.disconnected", map[string]string{"channel_id": ec.channel.ID, "reason": reason})
	return nil
}

func (r *Router) handleHistorySync(ctx context.Context, env *Envelope) error {
	return r.markSync(env, models.MetaHistorySyncedAt, "History sync chunk received")
}

func (r *Router) handleOfflineSyncPreview(ctx context.Context, env *Envelope) error {
	payload, err := decode[SyncPayload](env.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed sync payload dropped")
		return nil
	}
	ec, ok := r.resolveContext(env)
	if !ok {
		return nil
	}
	meta := ec.session.Metadata
	if meta == nil {
		meta = models.Metadata{}
	}
	meta[models.MetaOfflinePending] = payload.Pending
	if err := r.store.SaveSessionMetadata(ec.session.ID, meta); err != nil {
		return err
	}
	log.Info().Str("session_id", ec.session.ID).Int("pending", payload.Pending).Msg("Offline sync preview")
	return nil
}

func (r *Router) handleOfflineSyncCompleted(ctx context.Context, env *Envelope) error {
	return r.markSync(env, models.MetaOfflineSyncedAt, "Offline sync completed")
}

func (r *Router) handleAppStateSyncComplete(ctx context.Context, env *Envelope) error {
	return r.markSync(env, models.MetaAppStateSyncedAt, "App state sync completed")
}

// markSync stamps a bookkeeping marker into the session metadata. These
// events carry no state transition.
func (r *Router) markSync(env *Envelope, key, logMsg string) error {
	ec, ok := r.resolveContext(env)
	if !ok {
		return nil
	}
	meta := ec.session.Metadata
	if meta == nil {
		meta = models.Metadata{}
	}
	meta[key] = time.Now().UTC().Format(time.RFC3339)
	if err := r.store.SaveSessionMetadata(ec.session.ID, meta); err != nil {
		return err
	}
	log.Debug().Str("session_id", ec.session.ID).Msg(logMsg)
	return nil
}
