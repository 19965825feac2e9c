package inbox

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"wainbox/internal/models"
	"wainbox/internal/store"
)

// receiptStatus maps a gateway receipt kind onto a target delivery status.
// An empty kind is a plain server delivery ack.
func receiptStatus(kind string) string {
	switch kind {
	case "", "delivered", "server":
		return models.StatusDelivered
	case "read", "read-self":
		return models.StatusRead
	default:
		return ""
	}
}

// ApplyReceipt upgrades the delivery status of previously sent messages.
// Status only moves forward along sent < delivered < read; a read receipt
// back-fills delivered_at when it was never reported. Receipts for unknown
// ids, inbound messages or unrecognized kinds are skipped, not errors.
func (e *Engine) ApplyReceipt(tenantID string, messageIDs []string, kind string, at *time.Time) error {
	if len(messageIDs) == 0 {
		log.Info().Str("kind", kind).Msg("Receipt carried no message ids")
		return nil
	}
	target := receiptStatus(kind)
	if target == "" {
		log.Info().Str("kind", kind).Msg("Unrecognized receipt kind ignored")
		return nil
	}

	ts := time.Now().UTC()
	if at != nil {
		ts = at.UTC()
	}

	for _, externalID := range messageIDs {
		msg, err := e.store.GetOutboundMessageByExternalID(tenantID, externalID)
		if errors.Is(err, store.ErrNotFound) {
			log.Debug().
				Str("tenant_id", tenantID).
				Str("external_id", externalID).
				Str("kind", kind).
				Msg("Receipt for unknown or inbound message ignored")
			continue
		}
		if err != nil {
			return err
		}

		if models.StatusRank(target) <= models.StatusRank(msg.Status) {
			continue
		}

		var deliveredAt, readAt *time.Time
		switch target {
		case models.StatusDelivered:
			deliveredAt = &ts
		case models.StatusRead:
			readAt = &ts
			if msg.DeliveredAt == nil {
				deliveredAt = &ts
			}
		}
		if err := e.store.UpdateMessageStatus(msg.ID, target, deliveredAt, readAt); err != nil {
			return err
		}
		log.Debug().
			Str("message_id", msg.ID).
			Str("external_id", externalID).
			Str("from", msg.Status).
			Str("to", target).
			Msg("Delivery status upgraded")
	}
	return nil
}
