package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/config"
	"github.com/ChuLiYu/update-daemon/internal/db"
	"github.com/ChuLiYu/update-daemon/internal/session"
	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

type mail struct {
	subject string
	body    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []mail
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, mail{subject, body})
	return n.err
}

type stubSession struct {
	up     bool
	probes int
}

func (s *stubSession) IsUp(context.Context) bool {
	s.probes++
	return s.up
}

var status = db.IndexRef{Connection: "llBackup", Table: "indices"}

type fixture struct {
	rt       *Runtime
	notifier *recordingNotifier
	session  *stubSession
	opens    int
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		notifier: &recordingNotifier{},
		session:  &stubSession{up: true},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	cfgs := map[string]config.DBConfig{
		"llBackup": {Name: filepath.Join(t.TempDir(), "status.db"), Driver: "sqlite"},
	}
	open := func(name string, cfg config.DBConfig) (*db.Conn, error) {
		f.opens++
		return db.Open(name, cfg)
	}
	set, err := db.NewSet(cfgs, open, nil)
	require.NoError(t, err)
	t.Cleanup(set.Close)
	require.NoError(t, set.EnsureIndexTable(context.Background(), status))

	f.rt = &Runtime{
		State:    types.NewDaemonState("eti-bot", time.Minute),
		DBs:      set,
		Session:  f.session,
		Notifier: f.notifier,
		Status:   status,
		Now:      func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) index(t *testing.T, name string) (int64, bool) {
	t.Helper()
	v, ok, err := f.rt.DBs.GetIndex(context.Background(), status, name)
	require.NoError(t, err)
	return v, ok
}

// recorder returns an action that appends its name to calls and returns res.
func recorder(name string, calls *[]string, res Result) Action {
	return actionFunc{name: name, fn: func(context.Context, *Runtime) Result {
		*calls = append(*calls, name)
		return res
	}}
}

type actionFunc struct {
	name string
	fn   func(context.Context, *Runtime) Result
}

func (a actionFunc) Name() string { return a.name }
func (a actionFunc) Run(ctx context.Context, rt *Runtime) Result { return a.fn(ctx, rt) }

// ============================================================================
// Update
// ============================================================================

func TestUpdate_FailureContinuesWithNextAction(t *testing.T) {
	f := newFixture(t)
	var calls []string
	p := New(
		recorder("A", &calls, OK()),
		recorder("B", &calls, Failed(errors.New("boom"))),
		recorder("C", &calls, OK()),
	)
	opensBefore := f.opens

	rep, err := p.Update(context.Background(), f.rt)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, calls)
	assert.Equal(t, []string{"A", "C"}, rep.Ran)
	assert.Equal(t, []string{"B"}, rep.Failed)
	assert.Empty(t, rep.Skipped)
	assert.False(t, rep.Outage)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "eti-bot: Error (recoverable)", f.notifier.sent[0].subject)
	assert.Contains(t, f.notifier.sent[0].body, "eti-bot has suffered an exception in B() but will continue to run.")
	assert.Contains(t, f.notifier.sent[0].body, "boom")

	assert.Equal(t, opensBefore+1, f.opens, "failure should reset database handles")
	assert.True(t, f.rt.State.ExternalUp)
}

func TestUpdate_OutageSkipsRemainingActions(t *testing.T) {
	f := newFixture(t)
	f.session.up = false
	var calls []string
	p := New(
		recorder("A", &calls, Outage(&session.PageLoadError{URL: "https://example.com/", Status: 502})),
		recorder("B", &calls, OK()),
	)

	rep, err := p.Update(context.Background(), f.rt)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, calls)
	assert.True(t, rep.Outage)
	assert.Equal(t, []string{"B"}, rep.Skipped)
	assert.False(t, f.rt.State.ExternalUp)

	v, ok := f.index(t, types.ExternalUpKey)
	require.True(t, ok)
	assert.Equal(t, int64(0), v)

	assert.Empty(t, f.notifier.sent, "outages are logged, not mailed")
}

func TestUpdate_OutageWhileAlreadyDown(t *testing.T) {
	f := newFixture(t)
	f.rt.State.ExternalUp = false
	ctx := context.Background()
	require.NoError(t, f.rt.DBs.SetIndex(ctx, status, types.ExternalUpKey, 1))
	require.NoError(t, f.rt.DBs.Flush())

	var calls []string
	p := New(recorder("A", &calls, Outage(errors.New("timeout"))), recorder("B", &calls, OK()))

	rep, err := p.Update(ctx, f.rt)
	require.NoError(t, err)

	assert.True(t, rep.Outage)
	assert.Equal(t, 0, f.session.probes, "no probe while already down")
	v, _ := f.index(t, types.ExternalUpKey)
	assert.Equal(t, int64(1), v, "flag must not be rewritten while already down")
	assert.Empty(t, f.notifier.sent)
}

func TestUpdate_OutageButProbeUp(t *testing.T) {
	f := newFixture(t)
	var calls []string
	p := New(recorder("A", &calls, Outage(errors.New("flaky"))), recorder("B", &calls, OK()))

	rep, err := p.Update(context.Background(), f.rt)
	require.NoError(t, err)

	assert.True(t, rep.Outage)
	assert.Equal(t, []string{"B"}, rep.Skipped)
	assert.Equal(t, 1, f.session.probes)
	assert.True(t, f.rt.State.ExternalUp)
	_, ok := f.index(t, types.ExternalUpKey)
	assert.False(t, ok)
}

func TestUpdate_PanicIsInternalFailure(t *testing.T) {
	f := newFixture(t)
	p := New(
		actionFunc{name: "explode", fn: func(context.Context, *Runtime) Result { panic("nil map") }},
		Func("after", func(context.Context, *Runtime) error { return nil }),
	)

	rep, err := p.Update(context.Background(), f.rt)
	require.NoError(t, err)

	assert.Equal(t, []string{"explode"}, rep.Failed)
	assert.Equal(t, []string{"after"}, rep.Ran)
	require.Len(t, f.notifier.sent, 1)
	assert.Contains(t, f.notifier.sent[0].body, "panic: nil map")
	assert.Contains(t, f.notifier.sent[0].body, "runtime/debug.Stack")
}

func TestUpdate_CommitsSuccessfulWork(t *testing.T) {
	f := newFixture(t)
	p := New(Func("write", func(ctx context.Context, rt *Runtime) error {
		return rt.DBs.SetIndex(ctx, rt.Status, "topic_id", 42)
	}))

	_, err := p.Update(context.Background(), f.rt)
	require.NoError(t, err)

	// a reset discards only uncommitted work
	require.NoError(t, f.rt.DBs.Reset())
	v, ok := f.index(t, "topic_id")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
}

func TestUpdate_FailureDiscardsWorkAndReportsQuery(t *testing.T) {
	f := newFixture(t)
	p := New(Func("partial", func(ctx context.Context, rt *Runtime) error {
		if err := rt.DBs.SetIndex(ctx, rt.Status, "topic_id", 7); err != nil {
			return err
		}
		c, err := rt.DBs.Conn("llBackup")
		if err != nil {
			return err
		}
		_, err = c.Exec(ctx, "UPDATE missing_table SET value = ? WHERE name = ?", 1, "x")
		return err
	}))

	rep, err := p.Update(context.Background(), f.rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, rep.Failed)

	_, ok := f.index(t, "topic_id")
	assert.False(t, ok, "failed action's writes must be rolled back")

	require.Len(t, f.notifier.sent, 1)
	body := f.notifier.sent[0].body
	assert.Contains(t, body, "[llBackup] UPDATE missing_table SET value = ? WHERE name = ?")
	assert.Contains(t, body, "params: [1 x]")
}

func TestUpdate_NotificationFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	var calls []string
	p := New(recorder("A", &calls, Failed(errors.New("boom"))), recorder("B", &calls, OK()))

	rep, err := p.Update(context.Background(), f.rt)
	require.Error(t, err)
	assert.ErrorContains(t, err, "smtp down")
	assert.Equal(t, []string{"A"}, rep.Failed)
	assert.Equal(t, []string{"A"}, calls, "bookkeeping failure stops the tick")
}

func TestUpdate_CanceledContextSkips(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	p := New(
		actionFunc{name: "A", fn: func(context.Context, *Runtime) Result {
			calls = append(calls, "A")
			cancel()
			return OK()
		}},
		recorder("B", &calls, OK()),
	)

	rep, err := p.Update(ctx, f.rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, calls)
	assert.Equal(t, []string{"B"}, rep.Skipped)
}

func TestUpdate_ShutdownDuringActionIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls []string
	p := New(
		actionFunc{name: "fetch", fn: func(ctx context.Context, rt *Runtime) Result {
			calls = append(calls, "fetch")
			require.NoError(t, rt.DBs.SetIndex(ctx, status, "partial", 1))
			cancel()
			return Failed(ctx.Err())
		}},
		recorder("B", &calls, OK()),
	)
	opensBefore := f.opens

	rep, err := p.Update(ctx, f.rt)
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch"}, calls)
	assert.Empty(t, rep.Failed)
	assert.Empty(t, rep.Ran)
	assert.Equal(t, []string{"fetch", "B"}, rep.Skipped)
	assert.Empty(t, f.notifier.sent, "shutdown must not send a failure notification")
	assert.Equal(t, opensBefore+1, f.opens, "handles are reset to drop uncommitted work")

	_, ok := f.index(t, "partial")
	assert.False(t, ok)
}

func TestUpdate_ShutdownDuringActionIsNotAnOutage(t *testing.T) {
	f := newFixture(t)
	f.session.up = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(actionFunc{name: "fetch", fn: func(ctx context.Context, _ *Runtime) Result {
		cancel()
		return Outage(&session.PageLoadError{URL: "/topics", Err: ctx.Err()})
	}})

	rep, err := p.Update(ctx, f.rt)
	require.NoError(t, err)

	assert.False(t, rep.Outage)
	assert.Equal(t, []string{"fetch"}, rep.Skipped)
	assert.True(t, f.rt.State.ExternalUp)
	assert.Zero(t, f.session.probes)
	_, ok := f.index(t, types.ExternalUpKey)
	assert.False(t, ok)
}

func TestFromError(t *testing.T) {
	assert.Equal(t, KindOK, FromError(nil).Kind)
	assert.Equal(t, KindOutage, FromError(&session.PageLoadError{URL: "u"}).Kind)
	assert.Equal(t, KindOutage, FromError(errors.Join(errors.New("ctx"), &session.PageLoadError{URL: "u"})).Kind)
	assert.Equal(t, KindFailure, FromError(errors.New("x")).Kind)

	r := Failed(errors.New("with stack"))
	assert.Contains(t, r.trace(), "with stack")
	assert.Contains(t, r.trace(), "pipeline.TestFromError")
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestHeartbeat_RateLimited(t *testing.T) {
	f := newFixture(t)
	p := New(DefaultActions()...)
	ctx := context.Background()
	start := f.now

	_, err := p.Update(ctx, f.rt)
	require.NoError(t, err)

	v, ok := f.index(t, "eti-bot_last_active")
	require.True(t, ok)
	assert.Equal(t, start.Unix(), v)
	up, _ := f.index(t, types.ExternalUpKey)
	assert.Equal(t, int64(1), up)
	require.NotNil(t, f.rt.State.LastActive)
	assert.Equal(t, start, *f.rt.State.LastActive)
	assert.Equal(t, start, f.rt.State.Info[types.LastActiveInfoKey])

	// within five minutes: nothing written
	f.now = start.Add(4 * time.Minute)
	_, err = p.Update(ctx, f.rt)
	require.NoError(t, err)
	v, _ = f.index(t, "eti-bot_last_active")
	assert.Equal(t, start.Unix(), v)

	// after five minutes: written again, eti_up mirrors the in-memory flag
	f.now = start.Add(5 * time.Minute)
	f.rt.State.ExternalUp = false
	_, err = p.Update(ctx, f.rt)
	require.NoError(t, err)
	v, _ = f.index(t, "eti-bot_last_active")
	assert.Equal(t, f.now.Unix(), v)
	up, _ = f.index(t, types.ExternalUpKey)
	assert.Equal(t, int64(0), up)
}

func TestHeartbeat_UsesPreloadedInfoTime(t *testing.T) {
	f := newFixture(t)
	p := New(DefaultActions()...)
	ctx := context.Background()

	// loaded by a Preload hook from an earlier run
	f.rt.State.Info[types.LastActiveInfoKey] = f.now.Add(-2 * time.Minute)
	_, err := p.Update(ctx, f.rt)
	require.NoError(t, err)
	_, ok := f.index(t, "eti-bot_last_active")
	assert.False(t, ok, "heartbeat written although the preloaded one is recent")
	assert.Nil(t, f.rt.State.LastActive)

	f.rt.State.Info[types.LastActiveInfoKey] = f.now.Add(-6 * time.Minute)
	_, err = p.Update(ctx, f.rt)
	require.NoError(t, err)
	v, ok := f.index(t, "eti-bot_last_active")
	require.True(t, ok)
	assert.Equal(t, f.now.Unix(), v)
	require.NotNil(t, f.rt.State.LastActive)
}

func TestHeartbeat_NoStatusConnection(t *testing.T) {
	f := newFixture(t)
	f.rt.Status = db.IndexRef{}

	res := Heartbeat{}.Run(context.Background(), f.rt)
	assert.Equal(t, KindOK, res.Kind)
	require.NotNil(t, f.rt.State.LastActive)
}

func TestHeartbeat_WriteFailure(t *testing.T) {
	f := newFixture(t)
	f.rt.Status = db.IndexRef{Connection: "missing", Table: "indices"}

	rep, err := New(Heartbeat{}).Update(context.Background(), f.rt)
	require.NoError(t, err)
	assert.Equal(t, []string{HeartbeatName}, rep.Failed)
	assert.Nil(t, f.rt.State.LastActive)
}
