package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wainbox/internal/inbox"
	"wainbox/internal/media"
	"wainbox/internal/models"
	"wainbox/internal/resolver"
	"wainbox/internal/store"
)

type fixture struct {
	store   *store.Store
	router  *Router
	channel *models.Channel
	session *models.Session
	events  []string
}

func (f *fixture) Broadcast(event string, payload interface{}) {
	f.events = append(f.events, event)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine, err := inbox.NewEngine(s)
	require.NoError(t, err)

	f := &fixture{store: s}
	router, err := NewRouter(Config{
		Store:    s,
		Resolver: resolver.New(s, time.Minute),
		Engine:   engine,
		Media:    media.NewPipeline(t.TempDir(), nil),
		Notifier: f,
	})
	require.NoError(t, err)
	f.router = router

	f.channel, err = s.CreateChannel("tenant-1", "5511999999999@s.whatsapp.net")
	require.NoError(t, err)
	f.session, err = s.CreateSession("tenant-1", f.channel.ID, f.channel.Address)
	require.NoError(t, err)
	return f
}

func envelope(t *testing.T, id, kind string, data interface{}) *Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &Envelope{ID: id, Type: kind, Data: raw}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"ID":"x@s.whatsapp.net","Type":"Message","Data":{"Info":{"ID":"A"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindMessage, env.Type)

	_, err = ParseEnvelope([]byte(`{"ID":"x"}`))
	assert.Error(t, err)
	_, err = ParseEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestInboundTextMessage(t *testing.T) {
	f := newFixture(t)

	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info": map[string]interface{}{
			"Sender":   "5511988887777@s.whatsapp.net",
			"IsFromMe": false,
			"ID":       "ABC123",
			"PushName": "Alice",
		},
		"Message": map[string]interface{}{"conversation": "oi"},
	})
	require.NoError(t, f.router.Handle(context.Background(), env))

	msg, err := f.store.GetMessageByExternalID("tenant-1", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionInbound, msg.Direction)
	assert.Equal(t, models.TypeText, msg.Type)
	assert.Equal(t, "oi", msg.Content)

	conv, err := f.store.GetConversation(msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationPending, conv.Status)

	dept, err := f.store.EarliestDepartment("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, dept.ID, conv.DepartmentID)

	contact, err := f.store.GetContact(conv.ContactID)
	require.NoError(t, err)
	assert.Equal(t, "5511988887777@s.whatsapp.net", contact.Address)
	assert.Equal(t, "Alice", contact.Name)

	assert.Contains(t, f.events, "message.created")
}

func TestDuplicateMessageIsIdempotent(t *testing.T) {
	f := newFixture(t)

	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info":    map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "DUP1"},
		"Message": map[string]interface{}{"conversation": "hello"},
	})
	require.NoError(t, f.router.Handle(context.Background(), env))
	require.NoError(t, f.router.Handle(context.Background(), env))

	msg, err := f.store.GetMessageByExternalID("tenant-1", "DUP1")
	require.NoError(t, err)
	msgs, err := f.store.ListMessagesByConversation(msg.ConversationID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConcurrentDeliveryStoresOneMessage(t *testing.T) {
	f := newFixture(t)
	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info":    map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "DUP2"},
		"Message": map[string]interface{}{"conversation": "twice"},
	})

	// The gateway can redeliver before the first copy commits. The unique
	// index on (tenant, external id) arbitrates; both handlers succeed.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.router.Handle(context.Background(), env)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	msg, err := f.store.GetMessageByExternalID("tenant-1", "DUP2")
	require.NoError(t, err)
	msgs, err := f.store.ListMessagesByConversation(msg.ConversationID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReceiptOnOutboundMessage(t *testing.T) {
	f := newFixture(t)

	// Ingest an inbound message to materialize the conversation.
	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info":    map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "IN1"},
		"Message": map[string]interface{}{"conversation": "oi"},
	})))
	inMsg, err := f.store.GetMessageByExternalID("tenant-1", "IN1")
	require.NoError(t, err)

	out := &models.Message{
		TenantID:       "tenant-1",
		ConversationID: inMsg.ConversationID,
		Direction:      models.DirectionOutbound,
		Type:           models.TypeText,
		Content:        "resposta",
		Status:         models.StatusSent,
		ExternalID:     "OUT1",
	}
	require.NoError(t, f.store.CreateMessage(out))

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindReceipt, map[string]interface{}{
		"MessageIDs": []string{"OUT1", "IN1"},
		"Type":       "read",
	})))

	got, err := f.store.GetMessage(out.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.ReadAt)

	// Direction mismatch: the inbound message is untouched.
	gotIn, err := f.store.GetMessage(inMsg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, gotIn.Status)
}

func TestMediaMessagePersistsFile(t *testing.T) {
	payload := []byte("\x89PNG\r\n\x1a\nfakepngbody")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := newFixture(t)
	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info": map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "IMG1"},
		"Message": map[string]interface{}{
			"imageMessage": map[string]interface{}{
				"caption":  "look",
				"mimetype": "image/png",
				"url":      srv.URL + "/f",
			},
		},
	})
	require.NoError(t, f.router.Handle(context.Background(), env))

	msg, err := f.store.GetMessageByExternalID("tenant-1", "IMG1")
	require.NoError(t, err)
	assert.Equal(t, models.TypeImage, msg.Type)
	assert.Equal(t, "look", msg.Content)
	assert.NotEmpty(t, msg.FilePath)
	assert.Equal(t, "image/png", msg.MimeType)
	assert.Equal(t, int64(len(payload)), msg.FileSize)
}

func TestMediaMessageWithoutURLStillSaved(t *testing.T) {
	f := newFixture(t)
	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info": map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "IMG2"},
		"Message": map[string]interface{}{
			"imageMessage": map[string]interface{}{"mimetype": "image/jpeg"},
		},
	})
	require.NoError(t, f.router.Handle(context.Background(), env))

	msg, err := f.store.GetMessageByExternalID("tenant-1", "IMG2")
	require.NoError(t, err)
	assert.Empty(t, msg.FilePath)
	assert.Equal(t, "image/jpeg", msg.MimeType)
}

func TestMediaDownloadRejectedSavesWithoutFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t)
	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info": map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "GONE1"},
		"Message": map[string]interface{}{
			"imageMessage": map[string]interface{}{"mimetype": "image/jpeg", "url": srv.URL},
		},
	})
	// An expired media URL never heals under retry; the message lands anyway.
	require.NoError(t, f.router.Handle(context.Background(), env))

	msg, err := f.store.GetMessageByExternalID("tenant-1", "GONE1")
	require.NoError(t, err)
	assert.Empty(t, msg.FilePath)
	assert.Equal(t, "image/jpeg", msg.MimeType)
	assert.Equal(t, srv.URL, msg.Metadata.GetString("external_url"))
}

func TestMediaTransportFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newFixture(t)
	env := envelope(t, f.channel.Address, KindMessage, map[string]interface{}{
		"Info": map[string]interface{}{"Sender": "5511988887777@s.whatsapp.net", "ID": "IMG3"},
		"Message": map[string]interface{}{
			"imageMessage": map[string]interface{}{"mimetype": "image/jpeg", "url": url},
		},
	})
	err := f.router.Handle(context.Background(), env)
	require.Error(t, err)

	// Nothing committed: the retry will reprocess from scratch.
	_, err = f.store.GetMessageByExternalID("tenant-1", "IMG3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQRCodeStoredInSessionMetadata(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindQR, map[string]interface{}{
		"event": "code",
		"code":  "2@AbCdEf0123456789",
	})))

	sessions, err := f.store.ListSessionsByChannel(f.channel.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	meta := sessions[0].Metadata
	assert.Equal(t, "2@AbCdEf0123456789", meta.GetString(models.MetaQRCode))
	assert.NotEmpty(t, meta.GetString(models.MetaQRReceivedAt))
	assert.NotEmpty(t, meta.GetString(models.MetaQRPNG))
	assert.Contains(t, f.events, "channel.qr")
}

func TestQRNonCodeItemIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindQR, map[string]interface{}{
		"event": "timeout",
	})))

	sessions, err := f.store.ListSessionsByChannel(f.channel.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions[0].Metadata.GetString(models.MetaQRCode))
}

func TestConnectedPromotesAndCapturesRealizedAddress(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindConnected, map[string]interface{}{
		"ID": "5511999999999:15@s.whatsapp.net",
	})))

	ch, err := f.store.GetChannel(f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelConnected, ch.Status)
	assert.Equal(t, "5511999999999@s.whatsapp.net", ch.Address)

	sess, err := f.store.GetSession(f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConnected, sess.Status)
	assert.Contains(t, f.events, "channel.connected")
}

func TestLoggedOutDemotes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpdateChannelStatus(f.channel.ID, models.ChannelConnected))
	require.NoError(t, f.store.UpdateSessionStatus(f.session.ID, models.SessionConnected))

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindLoggedOut, map[string]interface{}{
		"Reason": "device removed",
	})))

	ch, err := f.store.GetChannel(f.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelInactive, ch.Status)

	sess, err := f.store.GetSession(f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, sess.Status)
}

func TestAppStateAgentDeletedDisconnects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpdateSessionStatus(f.session.ID, models.SessionConnected))

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindAppState, map[string]interface{}{
		"Index":   []string{"agent"},
		"Deleted": true,
	})))

	sess, err := f.store.GetSession(f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, sess.Status)

	// A non-delete mutation does nothing.
	require.NoError(t, f.store.UpdateSessionStatus(f.session.ID, models.SessionConnected))
	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindAppState, map[string]interface{}{
		"Index": []string{"mute"},
	})))
	sess, err = f.store.GetSession(f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConnected, sess.Status)
}

func TestSyncEventsStampMetadata(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindOfflineSyncPreview, map[string]interface{}{"Pending": 12})))
	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindOfflineSyncCompleted, nil)))
	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindHistorySync, nil)))
	require.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, KindAppStateSyncComplete, nil)))

	sess, err := f.store.GetSession(f.session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Metadata.GetString(models.MetaOfflineSyncedAt))
	assert.NotEmpty(t, sess.Metadata.GetString(models.MetaHistorySyncedAt))
	assert.NotEmpty(t, sess.Metadata.GetString(models.MetaAppStateSyncedAt))
	assert.Equal(t, float64(12), sess.Metadata[models.MetaOfflinePending])
}

func TestUnknownKindDropped(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.router.Handle(context.Background(), envelope(t, f.channel.Address, "Presence", nil)))
}

func TestUnresolvedChannelDropsEvent(t *testing.T) {
	f := newFixture(t)
	env := envelope(t, "4400000000000@s.whatsapp.net", KindMessage, map[string]interface{}{
		"Info":    map[string]interface{}{"Sender": "x@s.whatsapp.net", "ID": "Z1"},
		"Message": map[string]interface{}{"conversation": "lost"},
	})
	assert.NoError(t, f.router.Handle(context.Background(), env))
	_, err := f.store.GetMessageByExternalID("tenant-1", "Z1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClassifyContent(t *testing.T) {
	cases := []struct {
		name    string
		message map[string]interface{}
		want    string
		text    string
	}{
		{"plain", map[string]interface{}{"conversation": "hi"}, models.TypeText, "hi"},
		{"extended", map[string]interface{}{"extendedTextMessage": map[string]interface{}{"text": "hey"}}, models.TypeText, "hey"},
		{"link", map[string]interface{}{"extendedTextMessage": map[string]interface{}{"text": "see https://x", "matchedText": "https://x"}}, models.TypeLink, "see https://x"},
		{"image", map[string]interface{}{"imageMessage": map[string]interface{}{"caption": "pic"}}, models.TypeImage, "pic"},
		{"document", map[string]interface{}{"documentMessage": map[string]interface{}{"fileName": "a.pdf"}}, models.TypeDocument, "a.pdf"},
		{"location", map[string]interface{}{"locationMessage": map[string]interface{}{"degreesLatitude": -23.5, "degreesLongitude": -46.6}}, models.TypeLocation, fmt.Sprintf("%f,%f", -23.5, -46.6)},
		{"contact", map[string]interface{}{"contactMessage": map[string]interface{}{"displayName": "Bob"}}, models.TypeContact, "Bob"},
		{"unknown", map[string]interface{}{"somethingNew": true}, models.TypeText, ""},
		{"nil", nil, models.TypeText, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyContent(tc.message)
			assert.Equal(t, tc.want, got.Type)
			assert.Equal(t, tc.text, got.Text)
		})
	}
}

func TestTimestampDecoding(t *testing.T) {
	var p struct {
		T Timestamp `json:"t"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"t":"2026-03-14T15:09:26Z"}`), &p))
	assert.Equal(t, 2026, p.T.Year())

	require.NoError(t, json.Unmarshal([]byte(`{"t":1770000000}`), &p))
	assert.Equal(t, int64(1770000000), p.T.Unix())

	require.NoError(t, json.Unmarshal([]byte(`{"t":"1770000000"}`), &p))
	assert.Equal(t, int64(1770000000), p.T.Unix())

	var empty struct {
		T Timestamp `json:"t"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"t":null}`), &empty))
	assert.Nil(t, empty.T.TimeOrNil())
}
