package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/internal/events"
	"courtwatch-backend/internal/notify"
	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/internal/scrapers/portal/portaltest"
	"courtwatch-backend/internal/stepper"
	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/navigator/httpnav"
	"courtwatch-backend/lib/telemetry"
	"courtwatch-backend/lib/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var leakOptions = []goleak.Option{
	// the expiring cache sweeps on a goroutine that is never stopped
	goleak.IgnoreAnyFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) Close() error { return nil }

func (l *eventLog) of(t events.Type) []scrape.CaseID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []scrape.CaseID
	for _, e := range l.events {
		if e.Type == t {
			ids = append(ids, e.CaseID)
		}
	}
	return ids
}

// maxActive replays the log and returns the highest number of jobs that were
// admitted and not finished at the same time.
func (l *eventLog) maxActive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	active, highest := 0, 0
	for _, e := range l.events {
		switch e.Type {
		case events.TypeAdmitted:
			active++
		case events.TypeFinished:
			active--
		}
		highest = max(highest, active)
	}
	return highest
}

type noteLog struct {
	mu      sync.Mutex
	changes []notify.HearingChange
}

func (n *noteLog) HearingChanged(_ context.Context, change notify.HearingChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
	return nil
}

func (n *noteLog) all() []notify.HearingChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.HearingChange(nil), n.changes...)
}

type harness struct {
	server   *portaltest.Server
	driver   *httpnav.Driver
	store    casestore.SQLStore
	events   *eventLog
	notes    *noteLog
	recorder *telemetry.Recorder
	orch     *Orchestrator
	stop     func()
}

func start(t *testing.T, opts Options, driver navigator.Driver, cases ...portaltest.Case) *harness {
	t.Helper()

	server := portaltest.NewServer(cases...)
	httpDriver := httpnav.NewDriver(httpnav.Options{})
	if driver == nil {
		driver = httpDriver
	}

	profile := portal.DefaultProfile()
	profile.Timezone = "UTC"
	p, err := portal.New(profile)
	require.NoError(t, err)

	res, closeStore := testutil.SetupService(t, testutil.ServiceParams{Name: "internal/orchestrator"})
	store := res.Store

	recorder := telemetry.NewRecorder()
	clock := chrono.NewStandardTime(time.UTC)
	h := &harness{
		server:   server,
		driver:   httpDriver,
		store:    store,
		events:   &eventLog{},
		notes:    &noteLog{},
		recorder: recorder,
	}

	opts.EntryURL = server.URL + "/"
	h.orch, err = New(Dependencies{
		Driver: driver,
		Machine: stepper.NewMachine(p, clock, recorder, stepper.Options{
			UnrecognizedBudget: time.Hour,
			PollInterval:       20 * time.Millisecond,
		}),
		Store:     store,
		Publisher: h.events,
		Notifier:  h.notes,
		Time:      clock,
		Tel:       recorder,
	}, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.orch.Run(ctx)
	}()

	h.stop = func() {
		cancel()
		<-stopped
		httpDriver.Close()
		server.Close()
		closeStore()
	}
	return h
}

func (h *harness) request(t *testing.T, id string, keepOpen bool) Admission {
	t.Helper()
	a, err := h.orch.RequestScrape(context.Background(), scrape.CaseID(id), keepOpen)
	require.NoError(t, err)
	return a
}

func (h *harness) status(t *testing.T) map[scrape.CaseID]scrape.StateTag {
	t.Helper()
	s, err := h.orch.Status(context.Background())
	require.NoError(t, err)
	return s.Active
}

// waitFor waits until the stored record of id has the given status.
func (h *harness) waitFor(t *testing.T, id string, tag scrape.StateTag, within time.Duration) casestore.Record {
	t.Helper()
	var record casestore.Record
	require.Eventually(t, func() bool {
		r, err := h.store.Get(context.Background(), scrape.CaseID(id))
		if err != nil {
			return false
		}
		record = r
		return r.LastStatus == tag
	}, within, 10*time.Millisecond)
	return record
}

func hearing(t time.Time) string {
	return t.Format("01/02/2006 03:04 PM")
}

func TestScrapePersistsAndNotifies(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	first := time.Date(2099, time.June, 30, 9, 0, 0, 0, time.UTC)
	second := time.Date(2099, time.July, 14, 13, 30, 0, 0, time.UTC)

	h := start(t, Options{}, nil, portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State of North Carolina",
		Defendant:  "Jane Doe",
		Hearings:   []string{hearing(first)},
	})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR001234", false))
	record := h.waitFor(t, "24CR001234", scrape.TagSucceeded, 5*time.Second)
	require.Equal(t, "Jane Doe", record.Defendant)
	require.Equal(t, "State of North Carolina", record.Prosecutor)
	require.NotNil(t, record.NextCourtDateTime)
	require.True(t, first.Equal(*record.NextCourtDateTime))

	require.Eventually(t, func() bool {
		return len(h.status(t)) == 0 && h.driver.OpenContexts() == 0
	}, 2*time.Second, 10*time.Millisecond)

	recent := h.orch.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, scrape.CaseID("24CR001234"), recent[0].CaseID)
	require.Equal(t, scrape.TagSucceeded, recent[0].State.Tag)

	// the first scrape of a case has nothing to compare against
	require.Empty(t, h.notes.all())

	h.server.Put(portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State of North Carolina",
		Defendant:  "Jane Doe",
		Hearings:   []string{hearing(second)},
	})
	require.Equal(t, Admitted, h.request(t, "24CR001234", false))
	require.Eventually(t, func() bool {
		return len(h.notes.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	change := h.notes.all()[0]
	require.Equal(t, scrape.CaseID("24CR001234"), change.CaseID)
	require.Equal(t, "Jane Doe", change.Defendant)
	require.True(t, first.Equal(*change.Previous))
	require.True(t, second.Equal(*change.Next))
}

func TestDuplicateRequestsOpenOneContext(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{JobTimeout: time.Minute}, nil, portaltest.Case{ID: "24CR000001", Stall: true})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR000001", false))
	require.Equal(t, AlreadyActive, h.request(t, "24CR000001", false))
	require.Equal(t, AlreadyActive, h.request(t, "24CR000001", true))

	require.Eventually(t, func() bool {
		return h.server.Hits("/case/24CR000001") == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.server.Hits("/"))
	require.Equal(t, 1, h.driver.OpenContexts())
	require.Equal(t, map[scrape.CaseID]scrape.StateTag{"24CR000001": scrape.TagRunning}, h.status(t))
	require.Equal(t, []scrape.CaseID{"24CR000001"}, h.events.of(events.TypeAdmitted))
}

func TestCeilingAndBacklogOrder(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	ids := []string{"24CR000001", "24CR000002", "24CR000003", "24CR000004"}
	var cases []portaltest.Case
	for _, id := range ids {
		cases = append(cases, portaltest.Case{ID: id, Stall: true})
	}
	h := start(t, Options{MaxConcurrent: 2, JobTimeout: 300 * time.Millisecond}, nil, cases...)
	defer h.stop()

	var admissions []Admission
	for _, id := range ids {
		admissions = append(admissions, h.request(t, id, false))
	}
	require.Equal(t, []Admission{Admitted, Admitted, Queued, Queued}, admissions)
	require.Equal(t, AlreadyQueued, h.request(t, ids[2], false))
	require.Equal(t, map[scrape.CaseID]scrape.StateTag{
		"24CR000001": scrape.TagRunning,
		"24CR000002": scrape.TagRunning,
	}, h.status(t))

	for _, id := range ids {
		record := h.waitFor(t, id, scrape.TagErrored, 5*time.Second)
		require.Equal(t, "timed out", record.LastReason)
	}

	require.Equal(t, []scrape.CaseID{"24CR000003", "24CR000004"}, h.events.of(events.TypeQueued))
	require.Equal(t, []scrape.CaseID{"24CR000001", "24CR000002", "24CR000003", "24CR000004"}, h.events.of(events.TypeAdmitted))
	require.LessOrEqual(t, h.events.maxActive(), 2)
	require.Eventually(t, func() bool {
		return h.driver.OpenContexts() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTimeoutClosesContext(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{JobTimeout: 200 * time.Millisecond}, nil, portaltest.Case{ID: "24CR000001", Stall: true})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR000001", false))
	record := h.waitFor(t, "24CR000001", scrape.TagErrored, 5*time.Second)
	require.Equal(t, "timed out", record.LastReason)
	require.Eventually(t, func() bool {
		return h.driver.OpenContexts() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, h.status(t))
	require.NotEmpty(t, h.recorder.Reports("warning", report_orchestrator_job_timeout))
}

func TestKeepOpenLeavesContext(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{JobTimeout: 200 * time.Millisecond}, nil, portaltest.Case{ID: "24CR000001", Stall: true})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR000001", true))
	h.waitFor(t, "24CR000001", scrape.TagErrored, 5*time.Second)
	require.Never(t, func() bool {
		return h.driver.OpenContexts() == 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.Empty(t, h.status(t))
}

func TestNoCaseFoundIsPersisted(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{JobTimeout: time.Minute}, nil, portaltest.Case{ID: "24CR000001", Unlisted: true})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR000001", false))
	record := h.waitFor(t, "24CR000001", scrape.TagNoCaseFound, 5*time.Second)
	require.Empty(t, record.LastReason)
	require.Eventually(t, func() bool {
		return h.driver.OpenContexts() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, h.recorder.Reports("warning", report_orchestrator_job_timeout))
}

func TestExternallyClosedContextTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{JobTimeout: time.Minute}, nil, portaltest.Case{ID: "24CR000001", Stall: true})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR000001", false))
	require.Eventually(t, func() bool {
		return h.server.Hits("/case/24CR000001") == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.driver.Close())
	record := h.waitFor(t, "24CR000001", scrape.TagErrored, 2*time.Second)
	require.Equal(t, "timed out", record.LastReason)
	require.Empty(t, h.status(t))
}

type failingDriver struct{}

func (failingDriver) Open(context.Context, string) (navigator.Context, error) {
	return nil, errors.New("browser is gone")
}

func (failingDriver) Close() error { return nil }

func TestOpenFailureFreesCapacity(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{MaxConcurrent: 1, JobTimeout: time.Minute}, failingDriver{})
	defer h.stop()

	require.Equal(t, Admitted, h.request(t, "24CR000001", false))
	record := h.waitFor(t, "24CR000001", scrape.TagErrored, 2*time.Second)
	require.Contains(t, record.LastReason, scrape.ErrNavigation.Error())
	require.Contains(t, record.LastReason, "browser is gone")

	// capacity came back, the next request is admitted right away
	require.Equal(t, Admitted, h.request(t, "24CR000002", false))
	h.waitFor(t, "24CR000002", scrape.TagErrored, 2*time.Second)
}

func TestScrapeAllStaggers(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	ids := []string{"24CR000001", "24CR000002", "24CR000003"}
	var cases []portaltest.Case
	for _, id := range ids {
		cases = append(cases, portaltest.Case{ID: id, Stall: true})
	}
	h := start(t, Options{JobTimeout: time.Minute, Stagger: 50 * time.Millisecond}, nil, cases...)
	defer h.stop()

	ctx := context.Background()
	for _, id := range ids {
		_, err := h.store.Add(ctx, scrape.CaseID(id))
		require.NoError(t, err)
	}

	started := time.Now()
	n, err := h.orch.RequestScrapeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
	require.Len(t, h.status(t), 3)

	// everything is active already
	n, err = h.orch.RequestScrapeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRequestsAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := start(t, Options{}, nil)
	h.stop()

	_, err := h.orch.RequestScrape(context.Background(), "24CR000001", false)
	require.ErrorIs(t, err, ErrStopped)
	_, err = h.orch.Status(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}
