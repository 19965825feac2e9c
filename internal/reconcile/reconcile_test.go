package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wainbox/internal/gateway"
	"wainbox/internal/models"
	"wainbox/internal/store"
)

// fakeGateway answers GET /number per address, with optional failures.
type fakeGateway struct {
	mu       sync.Mutex
	loggedIn map[string]bool
	fail     map[string]bool
	queries  []string
}

func (f *fakeGateway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := r.Header.Get(gateway.HeaderNumberID)
		f.mu.Lock()
		f.queries = append(f.queries, addr)
		loggedIn := f.loggedIn[addr]
		shouldFail := f.fail[addr]
		f.mu.Unlock()

		if shouldFail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"gateway exploded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.NumberStatus{
			ID:          addr,
			IsConnected: loggedIn,
			IsLoggedIn:  loggedIn,
		})
	}
}

type fixture struct {
	store *store.Store
	rec   *Reconciler
	gw    *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := &fakeGateway{loggedIn: map[string]bool{}, fail: map[string]bool{}}
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)

	s, err := store.Open(filepath.Join(t.TempDir(), "reconcile_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec, err := New(s, gateway.NewClient(srv.URL, ""), time.Minute)
	require.NoError(t, err)
	return &fixture{store: s, rec: rec, gw: gw}
}

func (f *fixture) seedChannel(t *testing.T, address, chStatus, sessStatus string) (*models.Channel, *models.Session) {
	t.Helper()
	ch, err := f.store.CreateChannel("tenant-1", address)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateChannelStatus(ch.ID, chStatus))
	sess, err := f.store.CreateSession("tenant-1", ch.ID, address)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateSessionStatus(sess.ID, sessStatus))
	ch.Status = chStatus
	return ch, sess
}

func TestPromoteConnectingWhenLoggedIn(t *testing.T) {
	f := newFixture(t)
	ch, sess := f.seedChannel(t, "5511000000001@s.whatsapp.net", models.ChannelConnecting, models.SessionConnecting)
	f.gw.loggedIn[ch.Address] = true

	require.NoError(t, f.rec.RunOnce(context.Background()))

	got, err := f.store.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelConnected, got.Status)
	assert.Equal(t, 0, got.ReconnectAttempts)

	gotSess, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConnected, gotSess.Status)
}

func TestDemoteConnectedWhenLoggedOut(t *testing.T) {
	f := newFixture(t)
	ch, sess := f.seedChannel(t, "5511000000002@s.whatsapp.net", models.ChannelConnected, models.SessionConnected)
	f.gw.loggedIn[ch.Address] = false

	require.NoError(t, f.rec.RunOnce(context.Background()))

	got, err := f.store.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelInactive, got.Status)

	gotSess, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, gotSess.Status)
}

func TestSelfHealInactiveWhenLoggedIn(t *testing.T) {
	f := newFixture(t)
	ch, sess := f.seedChannel(t, "5511000000003@s.whatsapp.net", models.ChannelInactive, models.SessionDisconnected)
	f.gw.loggedIn[ch.Address] = true

	require.NoError(t, f.rec.RunOnce(context.Background()))

	got, err := f.store.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelConnected, got.Status)

	gotSess, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConnected, gotSess.Status)
}

func TestLoggedOutInactiveStaysPut(t *testing.T) {
	f := newFixture(t)
	ch, _ := f.seedChannel(t, "5511000000004@s.whatsapp.net", models.ChannelInactive, models.SessionDisconnected)
	f.gw.loggedIn[ch.Address] = false

	require.NoError(t, f.rec.RunOnce(context.Background()))

	got, err := f.store.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelInactive, got.Status)
}

func TestQueryFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	bad, _ := f.seedChannel(t, "5511000000005@s.whatsapp.net", models.ChannelConnecting, models.SessionConnecting)
	good, _ := f.seedChannel(t, "5511000000006@s.whatsapp.net", models.ChannelConnecting, models.SessionConnecting)
	f.gw.fail[bad.Address] = true
	f.gw.loggedIn[good.Address] = true

	require.NoError(t, f.rec.RunOnce(context.Background()))

	gotBad, err := f.store.GetChannel(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelConnecting, gotBad.Status)

	gotGood, err := f.store.GetChannel(good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelConnected, gotGood.Status)
}

func TestBlockedChannelNotPolled(t *testing.T) {
	f := newFixture(t)
	ch, _ := f.seedChannel(t, "5511000000007@s.whatsapp.net", models.ChannelBlocked, models.SessionDisconnected)

	require.NoError(t, f.rec.RunOnce(context.Background()))

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	assert.NotContains(t, f.gw.queries, ch.Address)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.rec.interval = 10 * time.Millisecond
	ch, _ := f.seedChannel(t, "5511000000008@s.whatsapp.net", models.ChannelConnecting, models.SessionConnecting)
	f.gw.loggedIn[ch.Address] = true

	f.rec.Start(context.Background())
	assert.Eventually(t, func() bool {
		got, err := f.store.GetChannel(ch.ID)
		return err == nil && got.Status == models.ChannelConnected
	}, 5*time.Second, 10*time.Millisecond)
	f.rec.Stop()
}
