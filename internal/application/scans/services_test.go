package scans_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	app "github.com/bryanwahyu/scanrelay/internal/application/scans"
	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
	"github.com/bryanwahyu/scanrelay/internal/infra/db/sqlite"
	"github.com/bryanwahyu/scanrelay/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/scanrelay/internal/infra/notify"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeDispatcher struct {
	checkErr    error
	dispatchErr error
	jobs        []domain.JobSpec
}

func (f *fakeDispatcher) CheckTarget(context.Context, string) error { return f.checkErr }

func (f *fakeDispatcher) Dispatch(_ context.Context, job domain.JobSpec) error {
	f.jobs = append(f.jobs, job)
	return f.dispatchErr
}

type memArchive struct {
	mu     sync.Mutex
	bodies map[domain.ScanID][][]byte
	err    error
}

func (m *memArchive) Archive(_ context.Context, id domain.ScanID, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.bodies == nil {
		m.bodies = map[domain.ScanID][][]byte{}
	}
	m.bodies[id] = append(m.bodies[id], body)
	return "scans/" + string(id), nil
}

type fixture struct {
	svc      *app.Service
	store    *sqlstore.Store
	dispatch *fakeDispatcher
	bus      *notify.Bus
	sub      *notify.Subscription
	archive  *memArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Connect(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.SQLite))

	clk := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := sqlstore.New(db, sqlstore.SQLite, sqlstore.WithClock(clk.Now))
	bus := notify.NewBus(64, nil)
	t.Cleanup(bus.Close)
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		dispatch: &fakeDispatcher{},
		bus:      bus,
		sub:      sub,
		archive:  &memArchive{},
	}
	f.svc = &app.Service{
		Store:       store,
		Dispatcher:  f.dispatch,
		Publisher:   bus,
		Archive:     f.archive,
		Errors:      sqlstore.NewScanErrorRepository(db, sqlstore.SQLite),
		Clock:       clk,
		CallbackURL: "https://relay.example/api/scan/callback",
	}
	return f
}

// drain returns every event published so far.
func (f *fixture) drain() []domain.Event {
	var out []domain.Event
	for {
		select {
		case e := <-f.sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func (f *fixture) trigger(t *testing.T) *domain.Scan {
	t.Helper()
	scan, err := f.svc.Trigger(context.Background(), "https://host/acme/widget")
	require.NoError(t, err)
	f.drain()
	return scan
}

const completedBody = `{
  "scanId": %q,
  "status": "completed",
  "duration": 12.5,
  "results": {
    "filesScanned": 42,
    "detailedFindings": [
      {"id": "CVE-2024-1", "severity": "HIGH", "title": "prototype pollution", "package": "left-pad", "installed_version": "1.0.0", "fixedVersion": "1.3.0", "references": ["https://nvd/1"]}
    ]
  }
}`

func body(format string, id domain.ScanID) []byte {
	return []byte(fmt.Sprintf(format, string(id)))
}

func TestTriggerDispatchesAndMarksRunning(t *testing.T) {
	f := newFixture(t)

	scan, err := f.svc.Trigger(context.Background(), "https://host/acme/widget")
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", scan.CanonicalName)
	assert.Equal(t, domain.StatusRunning, scan.Status)

	require.Len(t, f.dispatch.jobs, 1)
	job := f.dispatch.jobs[0]
	assert.Equal(t, scan.ID, job.ScanID)
	assert.Equal(t, "https://relay.example/api/scan/callback", job.CallbackURL)

	stored, err := f.store.Get(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.True(t, scan.StartedAt.Equal(stored.StartedAt))

	events := f.drain()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventScanUpdate, events[0].Type)
	assert.Equal(t, domain.StatusRunning, events[0].Scan.Status)
}

// pendingCheckDispatcher snapshots what storage holds while dispatch runs.
type pendingCheckDispatcher struct {
	store         domain.Store
	statusAtCall  domain.Status
	startedAtCall time.Time
	pendingListed []*domain.Scan
}

func (d *pendingCheckDispatcher) CheckTarget(context.Context, string) error { return nil }

func (d *pendingCheckDispatcher) Dispatch(ctx context.Context, job domain.JobSpec) error {
	cur, err := d.store.Get(ctx, job.ScanID)
	if err != nil {
		return err
	}
	d.statusAtCall = cur.Status
	d.startedAtCall = cur.StartedAt
	d.pendingListed, err = d.store.List(ctx, domain.ListFilter{Status: domain.StatusPending})
	return err
}

func TestTriggerPersistsPendingBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	d := &pendingCheckDispatcher{store: f.store}
	f.svc.Dispatcher = d

	scan, err := f.svc.Trigger(context.Background(), "https://host/acme/widget")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, d.statusAtCall)
	require.Len(t, d.pendingListed, 1)
	assert.Equal(t, scan.ID, d.pendingListed[0].ID)

	stored, err := f.store.Get(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.True(t, d.startedAtCall.Equal(stored.StartedAt), "startedAt must not move")
}

func TestTriggerRejectsInvalidTarget(t *testing.T) {
	f := newFixture(t)

	scan, err := f.svc.Trigger(context.Background(), "ftp://host/acme/widget")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	assert.Nil(t, scan)
	assert.Empty(t, f.dispatch.jobs)

	all, err := f.svc.List(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTriggerLogsInvalidTarget(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.svc.Log = zap.New(core).Sugar()

	_, err := f.svc.Trigger(context.Background(), "ftp://host/acme/widget")
	require.ErrorIs(t, err, domain.ErrInvalidTarget)

	entries := logs.FilterMessage("invalid target").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ftp://host/acme/widget", entries[0].ContextMap()["source_url"])
}

// failingFailStore refuses to store the failed status.
type failingFailStore struct {
	domain.Store
}

func (s failingFailStore) Transition(ctx context.Context, id domain.ScanID, to domain.Status, fields domain.TerminalFields) (*domain.Scan, bool, error) {
	if to == domain.StatusFailed {
		return nil, false, fmt.Errorf("transition scan: %w: disk full", domain.ErrPersistence)
	}
	return s.Store.Transition(ctx, id, to, fields)
}

func TestTriggerDispatchFailureWithStorageFault(t *testing.T) {
	f := newFixture(t)
	f.svc.Store = failingFailStore{Store: f.store}
	f.dispatch.checkErr = domain.ErrTargetNotFound

	scan, err := f.svc.Trigger(context.Background(), "https://host/acme/gone")
	assert.Nil(t, scan, "no stale pending snapshot is returned")
	assert.ErrorIs(t, err, domain.ErrTargetNotFound)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Empty(t, f.drain(), "nothing published for an unstored state")
}

func TestTriggerTargetNotFoundLeavesFailedScan(t *testing.T) {
	f := newFixture(t)
	f.dispatch.checkErr = domain.ErrTargetNotFound

	scan, err := f.svc.Trigger(context.Background(), "https://host/acme/gone")
	assert.ErrorIs(t, err, domain.ErrTargetNotFound)
	require.NotNil(t, scan)
	assert.Equal(t, domain.StatusFailed, scan.Status)
	require.NotNil(t, scan.ErrorMessage)
	assert.NotNil(t, scan.CompletedAt)
	assert.Empty(t, f.dispatch.jobs, "no dispatch after a failed check")

	history, err := f.svc.List(context.Background(), domain.ListFilter{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, scan.ID, history[0].ID)

	errs, err := f.svc.ScanErrors(context.Background(), scan.ID, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "dispatch", errs[0].Phase)

	events := f.drain()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusFailed, events[0].Scan.Status)
}

func TestTriggerDispatchExhausted(t *testing.T) {
	f := newFixture(t)
	f.dispatch.dispatchErr = &domain.DispatchError{Attempts: 3, Err: errors.New("bad gateway")}

	scan, err := f.svc.Trigger(context.Background(), "https://host/acme/widget")
	assert.ErrorIs(t, err, domain.ErrDispatchFailed)
	require.NotNil(t, scan)
	assert.Equal(t, domain.StatusFailed, scan.Status)
	assert.Contains(t, *scan.ErrorMessage, "bad gateway")
}

func TestIngestUnknownScanWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.trigger(t)

	before, err := f.svc.Stats(ctx)
	require.NoError(t, err)

	_, err = f.svc.IngestBody(ctx, body(completedBody, "does-not-exist"))
	assert.ErrorIs(t, err, domain.ErrScanNotFound)

	after, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	fstats, err := f.svc.FindingStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, fstats.Total)
	assert.Empty(t, f.drain(), "no publish for an unknown scan")

	stored, err := f.store.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

func TestIngestRejectsMalformedCallback(t *testing.T) {
	f := newFixture(t)
	scan := f.trigger(t)

	_, err := f.svc.IngestBody(context.Background(), []byte(fmt.Sprintf(`{"scanId":%q,"status":"running"}`, string(scan.ID))))
	assert.ErrorIs(t, err, domain.ErrInvalidCallback)
	assert.Empty(t, f.drain())
}

func TestIngestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan := f.trigger(t)

	raw := []byte(fmt.Sprintf(`{"scanId":%q,"status":"completed","results":{"filesScanned":42,"detailedFindings":[{"severity":"HIGH","package":"left-pad","installed_version":"1.0.0"}]}}`, string(scan.ID)))
	done, err := f.svc.IngestBody(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.FilesScanned)
	assert.Equal(t, 42, *done.FilesScanned)
	assert.NotEmpty(t, done.Result)

	findings, err := f.svc.Findings(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, domain.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "left-pad", findings[0].PackageName)
	assert.Equal(t, "1.0.0", findings[0].InstalledVersion)

	events := f.drain()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusCompleted, events[0].Scan.Status)
	assert.NotEmpty(t, events[0].Scan.Result, "published scan carries the parsed result")

	assert.Len(t, f.archive.bodies[scan.ID], 1)
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan := f.trigger(t)

	first, err := f.svc.IngestBody(ctx, body(completedBody, scan.ID))
	require.NoError(t, err)
	second, err := f.svc.IngestBody(ctx, body(completedBody, scan.ID))
	require.NoError(t, err)

	require.NotNil(t, first.CompletedAt)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
	assert.Equal(t, first.FilesScanned, second.FilesScanned)

	findings, err := f.svc.Findings(ctx, scan.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)

	fstats, err := f.svc.FindingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fstats.Total)
}

func TestIngestReplacesFindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan := f.trigger(t)

	a := fmt.Sprintf(`{"scanId":%q,"status":"completed","results":{"detailedFindings":[{"id":"f1","severity":"LOW"},{"id":"f2","severity":"MEDIUM"}]}}`, string(scan.ID))
	b := fmt.Sprintf(`{"scanId":%q,"status":"completed","results":{"detailedFindings":[{"id":"f3","severity":"CRITICAL"}]}}`, string(scan.ID))

	_, err := f.svc.IngestBody(ctx, []byte(a))
	require.NoError(t, err)
	_, err = f.svc.IngestBody(ctx, []byte(b))
	require.NoError(t, err)

	findings, err := f.svc.Findings(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "f3", findings[0].FindingID)
}

func TestIngestFailedCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan := f.trigger(t)

	failed, err := f.svc.IngestBody(ctx, []byte(fmt.Sprintf(`{"scanId":%q,"status":"failed","error":"clone failed"}`, string(scan.ID))))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "clone failed", *failed.ErrorMessage)

	errs, err := f.svc.ScanErrors(ctx, scan.ID, 5)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "callback", errs[0].Phase)

	// a late completion cannot resurrect a failed scan
	after, err := f.svc.IngestBody(ctx, body(completedBody, scan.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, after.Status)
	findings, err := f.svc.Findings(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestIngestCompletionBeforeRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, err := f.store.Create(ctx, "https://host/acme/widget", "acme/widget")
	require.NoError(t, err)

	done, err := f.svc.IngestBody(ctx, body(completedBody, pending.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)

	// the running transition now loses the race and is rejected
	cur, applied, err := f.store.Transition(ctx, pending.ID, domain.StatusRunning, domain.TerminalFields{})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.StatusCompleted, cur.Status)
}

func TestIngestSurvivesArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.archive.err = errors.New("bucket gone")
	scan := f.trigger(t)

	done, err := f.svc.IngestBody(context.Background(), body(completedBody, scan.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestConcurrentCallbacksConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan := f.trigger(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.IngestBody(ctx, body(completedBody, scan.ID))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	findings, err := f.svc.Findings(ctx, scan.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestRunningListsOnlyRunningScans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.trigger(t)
	other := f.trigger(t)
	_, err := f.svc.IngestBody(ctx, body(completedBody, other.ID))
	require.NoError(t, err)

	list, err := f.svc.Running(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, running.ID, list[0].ID)
}

func TestFindingsForUnknownScan(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Findings(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrScanNotFound)
}
