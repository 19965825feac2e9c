package inbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wainbox/internal/models"
	"wainbox/internal/store"
)

type fixture struct {
	store   *store.Store
	engine  *Engine
	channel *models.Channel
	session *models.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "inbox_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine, err := NewEngine(s)
	require.NoError(t, err)

	ch, err := s.CreateChannel("tenant-1", "5511999990000@s.whatsapp.net")
	require.NoError(t, err)
	sess, err := s.CreateSession("tenant-1", ch.ID, ch.Address)
	require.NoError(t, err)

	return &fixture{store: s, engine: engine, channel: ch, session: sess}
}

func TestFindOrCreateContactIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777:2@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "5511988887777@s.whatsapp.net", first.Address)
	assert.Equal(t, "5511988887777", first.Phone)

	// Same contact under a different raw shape.
	second, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777", "Alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestFindOrCreateContactNameLastWriteWins(t *testing.T) {
	f := newFixture(t)

	created, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)

	updated, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice Santos")
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Alice Santos", updated.Name)

	// Empty name never clobbers a stored one.
	kept, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice Santos", kept.Name)
}

func TestFindOrCreateConversationCreatesDefaultDepartment(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)

	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationPending, conv.Status)

	dept, err := f.store.GetDepartment(conv.DepartmentID)
	require.NoError(t, err)
	assert.Equal(t, DefaultDepartmentName, dept.Name)

	// Second call finds the same conversation.
	again, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestReopeningClosedConversation(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)

	require.NoError(t, f.store.ResolveConversation(conv.ID, models.ConversationClosed, "agent-1"))

	reopened, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, reopened.ID)
	assert.Equal(t, models.ConversationPending, reopened.Status)

	stored, err := f.store.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationPending, stored.Status)
	assert.Nil(t, stored.ResolvedBy)
	assert.Nil(t, stored.ResolvedAt)
}

func TestTransferToSameDepartmentFails(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)

	err = f.engine.Transfer(conv, conv.DepartmentID, "agent-1", nil, "")
	assert.ErrorIs(t, err, ErrSameDepartment)

	history, err := f.store.ListTransfersByConversation(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTransferRecordsPreTransferDepartment(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)
	originalDept := conv.DepartmentID

	sales, err := f.store.CreateDepartment("tenant-1", "Sales")
	require.NoError(t, err)

	agent := "agent-7"
	require.NoError(t, f.engine.Transfer(conv, sales.ID, "supervisor", &agent, "needs quoting"))
	assert.Equal(t, sales.ID, conv.DepartmentID)
	assert.Equal(t, models.ConversationInProgress, conv.Status)

	history, err := f.store.ListTransfersByConversation(conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, originalDept, history[0].FromDepartmentID)
	assert.Equal(t, sales.ID, history[0].ToDepartmentID)
	assert.Equal(t, "supervisor", history[0].Actor)
}

func TestTransferWithoutAssigneeGoesPending(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)

	sales, err := f.store.CreateDepartment("tenant-1", "Sales")
	require.NoError(t, err)

	require.NoError(t, f.engine.Transfer(conv, sales.ID, "supervisor", nil, ""))
	assert.Equal(t, models.ConversationPending, conv.Status)
	assert.Nil(t, conv.AssignedTo)
}

func TestSessionRepoint(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)
	assert.Equal(t, f.session.ID, conv.SessionID)

	fresh, err := f.store.CreateSession("tenant-1", f.channel.ID, "token-fresh")
	require.NoError(t, err)

	repointed, err := f.engine.FindOrCreateConversation(fresh, contact, contact.Address)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, repointed.ID)
	assert.Equal(t, fresh.ID, repointed.SessionID)
}

func seedOutboundMessage(t *testing.T, f *fixture, externalID string) *models.Message {
	t.Helper()
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)

	msg := &models.Message{
		TenantID:       "tenant-1",
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		Type:           models.TypeText,
		Content:        "hello",
		Status:         models.StatusSent,
		ExternalID:     externalID,
	}
	require.NoError(t, f.store.CreateMessage(msg))
	return msg
}

func TestReceiptDeliveredThenRead(t *testing.T) {
	f := newFixture(t)
	msg := seedOutboundMessage(t, f, "ABC123")

	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC123"}, "delivered", nil))
	got, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Nil(t, got.ReadAt)

	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC123"}, "read", nil))
	got, err = f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.NotNil(t, got.ReadAt)
}

func TestReceiptReadBackfillsDelivered(t *testing.T) {
	f := newFixture(t)
	msg := seedOutboundMessage(t, f, "ABC124")

	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC124"}, "read", nil))
	got, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.NotNil(t, got.DeliveredAt)
	assert.NotNil(t, got.ReadAt)
}

func TestReceiptNeverDowngrades(t *testing.T) {
	f := newFixture(t)
	msg := seedOutboundMessage(t, f, "ABC125")

	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC125"}, "read", nil))
	// A late delivery ack after read must not move status backwards.
	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC125"}, "delivered", nil))

	got, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestReceiptIgnoresInboundMessages(t *testing.T) {
	f := newFixture(t)
	contact, err := f.engine.FindOrCreateContact("tenant-1", f.channel.ID, "5511988887777@s.whatsapp.net", "Alice")
	require.NoError(t, err)
	conv, err := f.engine.FindOrCreateConversation(f.session, contact, contact.Address)
	require.NoError(t, err)

	inbound := &models.Message{
		TenantID:       "tenant-1",
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Type:           models.TypeText,
		Content:        "oi",
		ExternalID:     "ABC126",
	}
	require.NoError(t, f.store.CreateMessage(inbound))

	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC126"}, "read", nil))
	got, err := f.store.GetMessage(inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ReadAt)
}

func TestReceiptNoOps(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.engine.ApplyReceipt("tenant-1", nil, "read", nil))
	assert.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"X"}, "played", nil))
	assert.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"missing"}, "read", nil))
}

func TestReceiptUsesSuppliedTimestamp(t *testing.T) {
	f := newFixture(t)
	msg := seedOutboundMessage(t, f, "ABC127")

	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	require.NoError(t, f.engine.ApplyReceipt("tenant-1", []string{"ABC127"}, "delivered", &at))

	got, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.DeliveredAt.Equal(at))
}
