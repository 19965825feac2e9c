// Package events decodes gateway webhook envelopes into typed per-kind
// payloads and routes them onto the ingestion handlers. The gateway emits
// loosely structured JSON; everything is parsed into an explicit variant at
// this boundary so handlers never see raw maps for the fields they act on.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event kinds emitted by the gateway.
const (
	KindMessage              = "Message"
	KindReceipt              = "Receipt"
	KindReadReceipt          = "ReadReceipt"
	KindQR                   = "QR"
	KindConnected            = "Connected"
	KindLoggedOut            = "LoggedOut"
	KindAppState             = "AppState"
	KindHistorySync          = "HistorySync"
	KindOfflineSyncPreview   = "OfflineSyncPreview"
	KindOfflineSyncCompleted = "OfflineSyncCompleted"
	KindAppStateSyncComplete = "AppStateSyncComplete"
)

// Envelope is the outer webhook object. ID is the gateway's channel
// identifier, possibly device-suffixed; Type selects the router branch.
type Envelope struct {
	ID   string          `json:"ID"`
	Type string          `json:"Type"`
	Data json.RawMessage `json:"Data"`
}

// ParseEnvelope decodes the raw webhook body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("webhook envelope has no event type")
	}
	return &env, nil
}

// MessageInfo is the sender/identity block of a message event.
type MessageInfo struct {
	ID        string    `json:"ID"`
	Sender    string    `json:"Sender"`
	Chat      string    `json:"Chat"`
	PushName  string    `json:"PushName"`
	IsFromMe  bool      `json:"IsFromMe"`
	IsGroup   bool      `json:"IsGroup"`
	Timestamp Timestamp `json:"Timestamp"`
}

// MessagePayload is a message event. The Message body stays a map because
// its shape is keyed by content type; typed extraction happens per kind in
// the handler.
type MessagePayload struct {
	Info    MessageInfo            `json:"Info"`
	Message map[string]interface{} `json:"Message"`
	// Some gateway builds duplicate media fields at the payload root.
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// ReceiptPayload is a delivery or read receipt for one or more messages.
type ReceiptPayload struct {
	MessageIDs []string  `json:"MessageIDs"`
	Type       string    `json:"Type"`
	Sender     string    `json:"Sender"`
	Timestamp  Timestamp `json:"Timestamp"`
}

// QRPayload is one item of the gateway's multiplexed QR channel. Only the
// "code" sub-kind carries a pairing code.
type QRPayload struct {
	Event string   `json:"event"`
	Code  string   `json:"code"`
	Codes []string `json:"Codes,omitempty"`
}

// PairingCode returns the QR code when this item is a code delivery.
func (q *QRPayload) PairingCode() string {
	if q.Event != "" && q.Event != "code" {
		return ""
	}
	if q.Code != "" {
		return q.Code
	}
	if len(q.Codes) > 0 {
		return q.Codes[0]
	}
	return ""
}

// ConnectedPayload reports a successful login with the realized identity.
type ConnectedPayload struct {
	ID string `json:"ID"`
}

// LoggedOutPayload reports a session invalidation.
type LoggedOutPayload struct {
	Reason string `json:"Reason"`
}

// AppStatePayload is an application-state mutation pushed by the provider.
// A "deleted" marker on the agent index means the device was unlinked.
type AppStatePayload struct {
	Index   []string `json:"Index"`
	Deleted bool     `json:"Deleted"`
}

// AgentDeleted reports whether this mutation unlinks the agent/device.
func (a *AppStatePayload) AgentDeleted() bool {
	if !a.Deleted {
		return false
	}
	for _, idx := range a.Index {
		if idx == "agent" || idx == "deviceAgent" {
			return true
		}
	}
	return false
}

// SyncPayload covers the informational history/offline sync events, which
// only update bookkeeping metadata.
type SyncPayload struct {
	Progress float64 `json:"Progress,omitempty"`
	Total    int     `json:"Total,omitempty"`
	Pending  int     `json:"Pending,omitempty"`
}

// Timestamp tolerates the gateway's three time encodings: RFC3339 string,
// unix seconds as a number, and unix seconds as a string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			t.Time = parsed
			return nil
		}
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.Unix(unix, 0).UTC()
			return nil
		}
		return fmt.Errorf("unparseable timestamp %q", s)
	}
	var unix float64
	if err := json.Unmarshal(b, &unix); err != nil {
		return err
	}
	t.Time = time.Unix(int64(unix), 0).UTC()
	return nil
}

// TimeOrNil returns the parsed time, or nil when the event carried none.
func (t Timestamp) TimeOrNil() *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t.Time
	return &tt
}

func decode[T any](data json.RawMessage) (*T, error) {
	var out T
	if len(data) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return &out, nil
}
