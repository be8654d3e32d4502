package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywatch/internal/config"
	"paywatch/internal/ledger"
	"paywatch/internal/mailbox"
	"paywatch/internal/normalize"
	"paywatch/internal/notifier"
	"paywatch/internal/storage"
	"paywatch/internal/tenant"
	logx "paywatch/pkg/logx"
)

func rawMail(id, from, subject, body string) []byte {
	return []byte(fmt.Sprintf("Message-ID: <%s>\r\nFrom: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", id, from, subject, body))
}

type fakeSession struct {
	msgs     map[uint32][]byte
	fetchErr map[uint32]error
	searchEr error

	mu        sync.Mutex
	loggedOut int
}

func (s *fakeSession) Search(_ context.Context, _ time.Time) ([]uint32, error) {
	if s.searchEr != nil {
		return nil, s.searchEr
	}
	out := make([]uint32, 0, len(s.msgs)+len(s.fetchErr))
	for k := range s.msgs {
		out = append(out, k)
	}
	for k := range s.fetchErr {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fakeSession) Fetch(_ context.Context, seq uint32) ([]byte, error) {
	if err := s.fetchErr[seq]; err != nil {
		return nil, err
	}
	return s.msgs[seq], nil
}

func (s *fakeSession) Logout() error {
	s.mu.Lock()
	s.loggedOut++
	s.mu.Unlock()
	return nil
}

type fakeDialer struct {
	sessions map[string]*fakeSession
	errs     map[string]error
	panics   map[string]bool
}

func (d *fakeDialer) Dial(_ context.Context, creds mailbox.Credentials) (mailbox.Session, error) {
	if d.panics[creds.Address] {
		panic("dial exploded")
	}
	if err := d.errs[creds.Address]; err != nil {
		return nil, err
	}
	s, ok := d.sessions[creds.Address]
	if !ok {
		return nil, errors.New("no such mailbox")
	}
	return s, nil
}

type sent struct {
	tenant string
	alert  notifier.Alert
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []sent
	fail  bool
	panic bool
}

func (n *fakeNotifier) Send(_ context.Context, t tenant.Tenant, a notifier.Alert) bool {
	if n.panic {
		panic("boom")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sent{tenant: t.Name, alert: a})
	return !n.fail
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "processed.json"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return ledger.New(st, 14*24*time.Hour, logx.Nop())
}

func tenants(t *testing.T, lists config.TenantLists) []tenant.Tenant {
	t.Helper()
	reg, err := tenant.Build(lists, []string{"payment due"})
	require.NoError(t, err)
	return reg.All()
}

func snapshotOf(ts []tenant.Tenant, d mailbox.Dialer, workers int) func() *Snapshot {
	snap := &Snapshot{
		Tenants:    ts,
		Dialer:     d,
		Normalizer: normalize.New(700, normalize.HTMLExtractor{}),
		Poll:       config.PollConfig{Interval: "10s", MaxBackoff: "25s", Workers: workers},
	}
	return func() *Snapshot { return snap }
}

func TestRunCycle_AlertsOnceThenSkips(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "ops@acme.test", Passwords: "pw", CompanyNames: "Acme", ChatIDs: "-100"})
	sess := &fakeSession{msgs: map[uint32][]byte{
		1: rawMail("inv-4@billing", "Billing <billing@cloud.test>", "Invoice #4 — Payment Due", "Please settle your balance."),
	}}
	d := &fakeDialer{sessions: map[string]*fakeSession{"ops@acme.test": sess}}
	led := newLedger(t)
	n := &fakeNotifier{}

	var reports []CycleReport
	p := New(snapshotOf(ts, d, 1), led, n, logx.Nop(), WithReportHook(func(r CycleReport) { reports = append(reports, r) }))

	rep := p.RunCycle(context.Background())
	require.Len(t, rep.Tenants, 1)
	assert.Equal(t, StatusOK, rep.Tenants[0].Status)
	assert.Equal(t, 1, rep.Tenants[0].Sent)
	require.Equal(t, 1, n.count())
	assert.Equal(t, []string{"payment due"}, n.calls[0].alert.Matches)
	assert.Equal(t, "Invoice #4 — Payment Due", n.calls[0].alert.Subject)
	assert.True(t, led.Contains("inv-4@billing"))
	assert.NotEmpty(t, rep.ID)
	assert.False(t, rep.Systemic())

	rep = p.RunCycle(context.Background())
	assert.Equal(t, 1, n.count())
	assert.Equal(t, 1, rep.Tenants[0].Skipped)
	assert.Equal(t, 0, rep.Tenants[0].Sent)
	assert.Equal(t, 2, sess.loggedOut)

	require.Len(t, reports, 2)
	assert.Equal(t, rep.ID, p.Last().ID)
}

func TestRunCycle_DisallowedSenderMarkedWithoutAlert(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "ops@acme.test", Passwords: "pw", ChatIDs: "1", AllowedSenders: "cloud.test"})
	sess := &fakeSession{msgs: map[uint32][]byte{
		1: rawMail("phish@evil", "x@evil.test", "Payment due now", "pay"),
		2: rawMail("real@cloud", "billing@cloud.test", "Payment due", "pay"),
	}}
	d := &fakeDialer{sessions: map[string]*fakeSession{"ops@acme.test": sess}}
	led := newLedger(t)
	n := &fakeNotifier{}

	rep := New(snapshotOf(ts, d, 1), led, n, logx.Nop()).RunCycle(context.Background())
	res := rep.Tenants[0]
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Processed)
	assert.True(t, led.Contains("phish@evil"))
	require.Equal(t, 1, n.count())
	assert.Equal(t, "Payment due", n.calls[0].alert.Subject)
}

func TestRunCycle_TenantIsolation(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{
		Emails:       "down@a.test,up@b.test",
		Passwords:    "p1,p2",
		CompanyNames: "Down,Up",
		ChatIDs:      "1,2",
	})
	d := &fakeDialer{
		errs: map[string]error{"down@a.test": mailbox.ErrConnect},
		sessions: map[string]*fakeSession{"up@b.test": {msgs: map[uint32][]byte{
			7: rawMail("m7@b", "billing@b.test", "Payment due", "now"),
		}}},
	}
	n := &fakeNotifier{}

	rep := New(snapshotOf(ts, d, 1), newLedger(t), n, logx.Nop()).RunCycle(context.Background())
	require.Len(t, rep.Tenants, 2)
	assert.Equal(t, StatusTransportError, rep.Tenants[0].Status)
	assert.ErrorIs(t, rep.Tenants[0].Err, mailbox.ErrConnect)
	assert.Equal(t, StatusOK, rep.Tenants[1].Status)
	assert.Equal(t, 1, rep.Tenants[1].Sent)
	assert.False(t, rep.Systemic())
}

func TestRunCycle_AllTransportErrorsIsSystemic(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "a@x.test,b@x.test", Passwords: "1,2", ChatIDs: "1,2"})
	d := &fakeDialer{
		errs: map[string]error{"a@x.test": mailbox.ErrAuth},
		sessions: map[string]*fakeSession{
			"b@x.test": {searchEr: errors.New("search broke")},
		},
	}
	rep := New(snapshotOf(ts, d, 1), newLedger(t), &fakeNotifier{}, logx.Nop()).RunCycle(context.Background())
	assert.True(t, rep.Systemic())
	assert.Equal(t, StatusTransportError, rep.Tenants[1].Status)
	assert.Equal(t, 1, d.sessions["b@x.test"].loggedOut)
}

func TestRunCycle_MessageFailuresArePartial(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "a@x.test", Passwords: "1", ChatIDs: "1"})
	sess := &fakeSession{
		msgs:     map[uint32][]byte{2: rawMail("ok@x", "b@x.test", "payment due", "")},
		fetchErr: map[uint32]error{1: errors.New("fetch timeout")},
	}
	d := &fakeDialer{sessions: map[string]*fakeSession{"a@x.test": sess}}
	n := &fakeNotifier{fail: true}
	led := newLedger(t)

	rep := New(snapshotOf(ts, d, 1), led, n, logx.Nop()).RunCycle(context.Background())
	res := rep.Tenants[0]
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.MessageErrors)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, led.Contains("ok@x"), "failed delivery still marks the message")
	assert.False(t, rep.Systemic())
}

func TestRunCycle_PanicInProcessingIsRecovered(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "a@x.test", Passwords: "1", ChatIDs: "1"})
	sess := &fakeSession{msgs: map[uint32][]byte{1: rawMail("p@x", "b@x.test", "payment due", "")}}
	d := &fakeDialer{sessions: map[string]*fakeSession{"a@x.test": sess}}
	led := newLedger(t)

	rep := New(snapshotOf(ts, d, 1), led, &fakeNotifier{panic: true}, logx.Nop()).RunCycle(context.Background())
	assert.Equal(t, StatusPartial, rep.Tenants[0].Status)
	assert.Equal(t, 1, rep.Tenants[0].MessageErrors)
	assert.False(t, led.Contains("p@x"))
	assert.Equal(t, 1, sess.loggedOut)
}

func TestRunCycle_TenantPanicIsIsolated(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 2} {
		workers := workers
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()

			ts := tenants(t, config.TenantLists{Emails: "a@x.test,b@x.test", Passwords: "1,2", ChatIDs: "1,2"})
			sess := &fakeSession{msgs: map[uint32][]byte{1: rawMail("ok@b", "billing@b.test", "payment due", "")}}
			d := &fakeDialer{
				panics:   map[string]bool{"a@x.test": true},
				sessions: map[string]*fakeSession{"b@x.test": sess},
			}
			n := &fakeNotifier{}

			rep := New(snapshotOf(ts, d, workers), newLedger(t), n, logx.Nop()).RunCycle(context.Background())
			require.Len(t, rep.Tenants, 2)
			assert.Equal(t, StatusTransportError, rep.Tenants[0].Status)
			require.Error(t, rep.Tenants[0].Err)
			assert.Contains(t, rep.Tenants[0].Err.Error(), "dial exploded")
			assert.Equal(t, StatusOK, rep.Tenants[1].Status)
			assert.Equal(t, 1, rep.Tenants[1].Sent)
			assert.Equal(t, 1, n.count())
			assert.Equal(t, 1, sess.loggedOut)
			assert.False(t, rep.Systemic())
		})
	}
}

func TestRunCycle_WorkerPool(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{
		Emails:    "a@x.test,b@x.test,c@x.test",
		Passwords: "1,2,3",
		ChatIDs:   "1,2,3",
	})
	d := &fakeDialer{sessions: map[string]*fakeSession{}}
	for i, tn := range ts {
		d.sessions[tn.Address] = &fakeSession{msgs: map[uint32][]byte{
			1: rawMail(fmt.Sprintf("m%d@x", i), "b@x.test", "payment due", ""),
		}}
	}
	n := &fakeNotifier{}

	rep := New(snapshotOf(ts, d, 2), newLedger(t), n, logx.Nop()).RunCycle(context.Background())
	assert.Equal(t, 3, n.count())
	for i, res := range rep.Tenants {
		assert.Equal(t, ts[i].Name, res.Tenant)
		assert.Equal(t, StatusOK, res.Status)
	}
}

func TestRunCycle_StartDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 15, 4, 5, 0, time.UTC)
	ts := tenants(t, config.TenantLists{Emails: "a@x.test", Passwords: "1", ChatIDs: "1"})
	d := &fakeDialer{sessions: map[string]*fakeSession{"a@x.test": {}}}

	cases := []struct {
		start string
		want  time.Time
	}{
		{"", time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)},
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"15/01/2024", time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		snap := snapshotOf(ts, d, 1)()
		snap.Poll.StartDate = tc.start
		p := New(func() *Snapshot { return snap }, newLedger(t), &fakeNotifier{}, logx.Nop(),
			WithClock(func() time.Time { return now }))
		rep := p.RunCycle(context.Background())
		if !rep.Since.Equal(tc.want) {
			t.Fatalf("start %q: since=%v want %v", tc.start, rep.Since, tc.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 300 * time.Second},
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 900 * time.Second},
		{10, 900 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(300*time.Second, 900*time.Second, tc.failures); got != tc.want {
			t.Fatalf("Backoff(failures=%d)=%v want %v", tc.failures, got, tc.want)
		}
	}
}

func TestRun_BacksOffOnSystemicFailure(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "a@x.test", Passwords: "1", ChatIDs: "1"})
	d := &fakeDialer{errs: map[string]error{"a@x.test": mailbox.ErrConnect}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	p := New(snapshotOf(ts, d, 1), newLedger(t), &fakeNotifier{}, logx.Nop(),
		WithWait(func(ctx context.Context, dur time.Duration) error {
			waits = append(waits, dur)
			if len(waits) == 4 {
				cancel()
				return ctx.Err()
			}
			return nil
		}))

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second, 25 * time.Second}, waits)
}

func TestRun_ScheduleAfterSuccess(t *testing.T) {
	t.Parallel()

	ts := tenants(t, config.TenantLists{Emails: "a@x.test", Passwords: "1", ChatIDs: "1"})
	d := &fakeDialer{sessions: map[string]*fakeSession{"a@x.test": {}}}
	now := time.Date(2024, 3, 10, 15, 4, 0, 0, time.UTC)

	snap := snapshotOf(ts, d, 1)()
	snap.Poll.Schedule = "*/5 * * * *"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	p := New(func() *Snapshot { return snap }, newLedger(t), &fakeNotifier{}, logx.Nop(),
		WithClock(func() time.Time { return now }),
		WithWait(func(ctx context.Context, dur time.Duration) error {
			waits = append(waits, dur)
			cancel()
			return ctx.Err()
		}))

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []time.Duration{time.Minute}, waits)
}
