package accounting

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/codelaboratoryltd/radiusd/pkg/directory"
	"github.com/codelaboratoryltd/radiusd/pkg/nas"
	"github.com/codelaboratoryltd/radiusd/pkg/pool"
)

type fakeDisconnector struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDisconnector) Disconnect(_ context.Context, nasAddr, _, username, sessionID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, username+"/"+sessionID+"@"+nasAddr)
	return nil
}

func (f *fakeDisconnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type acctWriter struct {
	last *radius.Packet
}

func (w *acctWriter) Write(p *radius.Packet) error {
	w.last = p
	return nil
}

func newMachine(t *testing.T, cfg Config) (*Machine, *directory.MemoryStore, *fakeDisconnector) {
	t.Helper()
	store := directory.NewMemoryStore(zap.NewNop())
	store.PutNAS(&directory.NAS{Name: "edge-1", Address: "192.0.2.1", Secret: "s3cret"})
	table := nas.NewTable(store, zap.NewNop())
	require.NoError(t, table.Reload(context.Background()))

	disc := &fakeDisconnector{}
	mgr := pool.NewManager(store, zap.NewNop())
	m := NewMachine(store, table, mgr, disc, nil, nil, cfg, zap.NewNop())
	return m, store, disc
}

func acctRequest(t *testing.T, statusType rfc2866.AcctStatusType, username, sessionID, framedIP string) *radius.Request {
	t.Helper()
	p := radius.New(radius.CodeAccountingRequest, []byte("s3cret"))
	require.NoError(t, rfc2866.AcctStatusType_Set(p, statusType))
	require.NoError(t, rfc2865.UserName_SetString(p, username))
	require.NoError(t, rfc2866.AcctSessionID_SetString(p, sessionID))
	require.NoError(t, rfc2865.NASIPAddress_Set(p, net.ParseIP("192.0.2.1")))
	if framedIP != "" {
		require.NoError(t, rfc2865.FramedIPAddress_Set(p, net.ParseIP(framedIP)))
	}
	return &radius.Request{
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000},
		Packet:     p,
	}
}

func withCounters(t *testing.T, r *radius.Request, sessionTime, in, out uint32) *radius.Request {
	t.Helper()
	require.NoError(t, rfc2866.AcctSessionTime_Set(r.Packet, rfc2866.AcctSessionTime(sessionTime)))
	require.NoError(t, rfc2866.AcctInputOctets_Set(r.Packet, rfc2866.AcctInputOctets(in)))
	require.NoError(t, rfc2866.AcctOutputOctets_Set(r.Packet, rfc2866.AcctOutputOctets(out)))
	return r
}

func TestStartCreatesRecordAndMarksOnline(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})

	w := &acctWriter{}
	m.Handle(w, acctRequest(t, rfc2866.AcctStatusType_Value_Start, "alice", "sess-1", "10.0.0.5"))

	require.NotNil(t, w.last)
	assert.Equal(t, radius.CodeAccountingResponse, w.last.Code)

	rec, err := store.OpenAccounting(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", rec.FramedIP)
	assert.True(t, rec.Open())

	sub, err := store.SubscriberByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, sub.Online)
	assert.Equal(t, "10.0.0.5", sub.IPAddress)
	assert.Equal(t, "sess-1", sub.SessionID)
}

func TestStartReplayKeepsSingleOpenRecord(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})

	first := acctRequest(t, rfc2866.AcctStatusType_Value_Start, "alice", "sess-1", "10.0.0.5")
	m.Handle(&acctWriter{}, first)

	// The retransmitted Start must still get a response and must not
	// open a second record.
	w := &acctWriter{}
	m.Handle(w, acctRequest(t, rfc2866.AcctStatusType_Value_Start, "alice", "sess-1", "10.0.0.5"))
	assert.Equal(t, radius.CodeAccountingResponse, w.last.Code)

	rec, err := store.OpenAccounting(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.True(t, rec.Open())
}

func TestInterimUpdatesCounters(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})
	m.Handle(&acctWriter{}, acctRequest(t, rfc2866.AcctStatusType_Value_Start, "alice", "sess-1", "10.0.0.5"))

	req := withCounters(t, acctRequest(t, rfc2866.AcctStatusType_Value_InterimUpdate, "alice", "sess-1", "10.0.0.5"), 300, 1000, 5000)
	m.Handle(&acctWriter{}, req)

	rec, err := store.OpenAccounting(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(300), rec.SessionTime)
	assert.Equal(t, uint64(1000), rec.InputOctets)
	assert.Equal(t, uint64(5000), rec.OutputOctets)
}

func TestInterimSynthesizesMissingRecord(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	// No Start was seen; the interim carries 600s of session time.
	req := withCounters(t, acctRequest(t, rfc2866.AcctStatusType_Value_InterimUpdate, "alice", "sess-lost", "10.0.0.5"), 600, 42, 84)
	m.Handle(&acctWriter{}, req)

	rec, err := store.OpenAccounting(context.Background(), "sess-lost", "alice")
	require.NoError(t, err)
	assert.Equal(t, base.Add(-600*time.Second), rec.StartTime)
	assert.Equal(t, uint32(600), rec.SessionTime)

	// Online state self-heals too.
	sub, err := store.SubscriberByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, sub.Online)
}

func TestInterimReplayKeepsSingleOpenRecord(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})
	m.Handle(&acctWriter{}, acctRequest(t, rfc2866.AcctStatusType_Value_Start, "alice", "sess-1", "10.0.0.5"))

	first, err := store.OpenAccounting(context.Background(), "sess-1", "alice")
	require.NoError(t, err)

	// The NAS retransmits the same interim twice.
	for i := 0; i < 2; i++ {
		req := withCounters(t, acctRequest(t, rfc2866.AcctStatusType_Value_InterimUpdate, "alice", "sess-1", "10.0.0.5"), 300, 1000, 5000)
		m.Handle(&acctWriter{}, req)
	}

	rec, err := store.OpenAccounting(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.UniqueID, rec.UniqueID)
	assert.Equal(t, uint32(300), rec.SessionTime)
	assert.Equal(t, uint64(1000), rec.InputOctets)
}

func TestInterimReplayAfterSynthesisKeepsSingleOpenRecord(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	// The first interim synthesizes the record; the retransmission
	// arrives later and must update it, not synthesize another.
	req := withCounters(t, acctRequest(t, rfc2866.AcctStatusType_Value_InterimUpdate, "alice", "sess-lost", "10.0.0.5"), 600, 42, 84)
	m.Handle(&acctWriter{}, req)

	synthesized, err := store.OpenAccounting(context.Background(), "sess-lost", "alice")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Minute) }
	replay := withCounters(t, acctRequest(t, rfc2866.AcctStatusType_Value_InterimUpdate, "alice", "sess-lost", "10.0.0.5"), 660, 50, 90)
	m.Handle(&acctWriter{}, replay)

	rec, err := store.OpenAccounting(context.Background(), "sess-lost", "alice")
	require.NoError(t, err)
	assert.Equal(t, synthesized.UniqueID, rec.UniqueID)
	assert.Equal(t, synthesized.StartTime, rec.StartTime)
	assert.Equal(t, uint32(660), rec.SessionTime)
}

func TestStopClosesRecordAndReleasesAddress(t *testing.T) {
	m, store, _ := newMachine(t, Config{IPManagement: true})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})
	require.NoError(t, store.CreatePoolRow(context.Background(), &directory.PoolAddress{
		Address: "10.0.0.5", Pool: "p", Status: directory.PoolAvailable,
	}))

	mgr := pool.NewManager(store, zap.NewNop())
	_, err := mgr.Claim(context.Background(), "p", "alice", "edge-1")
	require.NoError(t, err)

	m.Handle(&acctWriter{}, acctRequest(t, rfc2866.AcctStatusType_Value_Start, "alice", "sess-1", "10.0.0.5"))

	stop := withCounters(t, acctRequest(t, rfc2866.AcctStatusType_Value_Stop, "alice", "sess-1", "10.0.0.5"), 3600, 7, 9)
	require.NoError(t, rfc2866.AcctTerminateCause_Set(stop.Packet, rfc2866.AcctTerminateCause_Value_UserRequest))
	m.Handle(&acctWriter{}, stop)

	_, err = store.OpenAccounting(context.Background(), "sess-1", "alice")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	row, err := store.PoolRowByAddress(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, directory.PoolAvailable, row.Status)

	sub, err := store.SubscriberByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, sub.Online)
	assert.Empty(t, sub.SessionID)
}

func TestStopForUnknownSessionStillResponds(t *testing.T) {
	m, store, _ := newMachine(t, Config{})
	store.PutSubscriber(&directory.Subscriber{Username: "alice", Status: directory.StatusActive})

	w := &acctWriter{}
	m.Handle(w, acctRequest(t, rfc2866.AcctStatusType_Value_Stop, "alice", "never-started", "10.0.0.5"))
	assert.Equal(t, radius.CodeAccountingResponse, w.last.Code)
}

func TestUniqueID(t *testing.T) {
	at := time.Unix(1756500000, 0)

	id := UniqueID("sess-1", at)
	assert.Equal(t, "sess-1-1756500000", id)
	assert.LessOrEqual(t, len(id), uniqueIDMaxLen)

	long := UniqueID(strings.Repeat("8100012345abcdef", 4), at)
	assert.LessOrEqual(t, len(long), uniqueIDMaxLen)
	assert.Contains(t, long, "-1756500000")

	// Deterministic for the same inputs.
	assert.Equal(t, long, UniqueID(strings.Repeat("8100012345abcdef", 4), at))
}

func TestStrikeTracker(t *testing.T) {
	tr := newStrikeTracker()
	base := time.Now()

	assert.Equal(t, 1, tr.strike("alice", "10.0.0.5", base))
	assert.Equal(t, 2, tr.strike("alice", "10.0.0.5", base.Add(time.Minute)))
	assert.Equal(t, 3, tr.strike("alice", "10.0.0.5", base.Add(2*time.Minute)))

	// Separate keys count independently.
	assert.Equal(t, 1, tr.strike("bob", "10.0.0.5", base))
	assert.Equal(t, 1, tr.strike("alice", "10.0.0.6", base))

	// A quiet period resets the counter.
	assert.Equal(t, 1, tr.strike("alice", "10.0.0.5", base.Add(2*time.Minute+strikeWindow+time.Second)))

	tr.clear("bob", "10.0.0.5")
	assert.Equal(t, 1, tr.strike("bob", "10.0.0.5", base.Add(time.Second)))
}

func TestResolveDecisionTable(t *testing.T) {
	assert.Equal(t, disconnectOld, resolve(false, false))
	assert.Equal(t, disconnectOld, resolve(false, true))
	assert.Equal(t, disconnectNew, resolve(true, false))
	assert.Equal(t, reassignNew, resolve(true, true))
}
