package stepper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/internal/scrapers/portal/portaltest"
	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/navigator/httpnav"
	"courtwatch-backend/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	server   *portaltest.Server
	driver   *httpnav.Driver
	machine  Machine
	recorder *telemetry.Recorder
}

func newFixture(t *testing.T, opts Options, cases ...portaltest.Case) fixture {
	t.Helper()
	profile := portal.DefaultProfile()
	profile.Timezone = "UTC"
	p, err := portal.New(profile)
	require.NoError(t, err)

	server := portaltest.NewServer(cases...)
	t.Cleanup(server.Close)
	driver := httpnav.NewDriver(httpnav.Options{})
	t.Cleanup(func() { driver.Close() })

	recorder := telemetry.NewRecorder()
	return fixture{
		server:   server,
		driver:   driver,
		machine:  NewMachine(p, chrono.NewManualTime(today), recorder, opts),
		recorder: recorder,
	}
}

func (f fixture) open(t *testing.T) navigator.Context {
	t.Helper()
	nav, err := f.driver.Open(context.Background(), f.server.URL+"/")
	require.NoError(t, err)
	return nav
}

// drive calls OnLoad once per document like the executor would, returning
// every reported state.
func drive(t *testing.T, m Machine, nav navigator.Context, caseID scrape.CaseID) []scrape.ScrapeState {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Begin(ctx, nav, caseID))

	var states []scrape.ScrapeState
	for i := 0; i < 10; i++ {
		change, ok := m.OnLoad(ctx, nav)
		if !ok {
			break
		}
		require.Equal(t, caseID, change.CaseID)
		require.Equal(t, nav.ID(), string(change.ContextID))
		states = append(states, change.State)
		if change.State.IsTerminal() {
			break
		}
	}
	return states
}

func tags(states []scrape.ScrapeState) []scrape.StateTag {
	out := make([]scrape.StateTag, len(states))
	for i, s := range states {
		out[i] = s.Tag
	}
	return out
}

func TestOnLoadWithoutJobDoesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	nav := f.open(t)

	_, ok := f.machine.OnLoad(context.Background(), nav)
	require.False(t, ok)
	require.Zero(t, f.server.Hits("/search"))
}

func TestWalkToSuccess(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State of North Carolina",
		Defendant:  "DOE, JOHN",
		Hearings:   []string{"12/02/2024", "02/03/2025 09:30 AM", "01/15/2025 02:00 PM"},
	})
	nav := f.open(t)

	states := drive(t, f.machine, nav, "24CR001234")
	require.Equal(t, []scrape.StateTag{
		scrape.TagRunning,
		scrape.TagRunning,
		scrape.TagRunning,
		scrape.TagSucceeded,
	}, tags(states))

	data := states[len(states)-1].Data
	require.Equal(t, "State of North Carolina", data.Prosecutor)
	require.Equal(t, "DOE, JOHN", data.Defendant)
	require.NotNil(t, data.NextCourtDateTime)
	require.True(t, time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC).Equal(*data.NextCourtDateTime))

	// the terminal state stays in the session and the context takes no more actions
	_, ok := f.machine.OnLoad(context.Background(), nav)
	require.False(t, ok)
	require.Equal(t, 1, f.server.Hits("/case/24CR001234"))
}

func TestSucceedsWithoutHearing(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State",
		Defendant:  "Doe",
	})
	states := drive(t, f.machine, f.open(t), "24CR001234")
	last := states[len(states)-1]
	require.Equal(t, scrape.TagSucceeded, last.Tag)
	require.Nil(t, last.Data.NextCourtDateTime)
}

func TestTerminalOutcomes(t *testing.T) {
	testCases := []struct {
		name   string
		cases  []portaltest.Case
		caseID scrape.CaseID
		tag    scrape.StateTag
		reason string
	}{
		{
			name:   "no records",
			cases:  []portaltest.Case{{ID: "24CR001234", Unlisted: true}},
			caseID: "24CR001234",
			tag:    scrape.TagNoCaseFound,
		},
		{
			name:   "results without the case",
			cases:  []portaltest.Case{{ID: "24CR001235", Prosecutor: "State", Defendant: "Doe"}},
			caseID: "24CR00123",
			tag:    scrape.TagErrored,
			reason: `no matching case link in results: 1 results for 24CR00123, closest was "24CR001235"`,
		},
		{
			name:   "missing defendant",
			cases:  []portaltest.Case{{ID: "24CR001234", Prosecutor: "State"}},
			caseID: "24CR001234",
			tag:    scrape.TagErrored,
			reason: "extraction failure: no party marked defendant",
		},
		{
			name:   "error banner",
			cases:  []portaltest.Case{{ID: "24CR001234", Prosecutor: "State", Defendant: "Doe", Banner: "Case is confidential"}},
			caseID: "24CR001234",
			tag:    scrape.TagErrored,
			reason: `extraction failure: portal reported "Case is confidential"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{}, tc.cases...)
			states := drive(t, f.machine, f.open(t), tc.caseID)
			last := states[len(states)-1]
			require.Equal(t, tc.tag, last.Tag)
			require.Equal(t, tc.reason, last.Reason)
			require.Nil(t, last.Data)
		})
	}
}

func TestDuplicateLinksFollowFirstAndWarn(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State",
		Defendant:  "Doe",
		Duplicated: true,
	})
	states := drive(t, f.machine, f.open(t), "24CR001234")
	require.Equal(t, scrape.TagSucceeded, states[len(states)-1].Tag)
	require.Len(t, f.recorder.Reports("warning", report_step_results), 1)
}

func TestUnrecognizedPageTimesOut(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{ID: "24CR001234", Stall: true})
	f.machine.time = chrono.NewStandardTime(time.UTC)
	f.machine.opts = Options{UnrecognizedBudget: 60 * time.Millisecond, PollInterval: 5 * time.Millisecond}

	started := time.Now()
	states := drive(t, f.machine, f.open(t), "24CR001234")
	require.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)

	last := states[len(states)-1]
	require.Equal(t, scrape.TagErrored, last.Tag)
	require.Equal(t, "timed out waiting for a known page", last.Reason)
}

func TestTerminalPersistedStateIsNotReported(t *testing.T) {
	f := newFixture(t, Options{})
	nav := f.open(t)
	ctx := context.Background()

	require.NoError(t, writeState(ctx, nav, persisted{
		CaseID: "24CR001234",
		State:  scrape.NoCaseFound(),
	}))
	_, ok := f.machine.OnLoad(ctx, nav)
	require.False(t, ok)
	require.Zero(t, f.server.Hits("/search"))
}

func TestCorruptStateIsReported(t *testing.T) {
	f := newFixture(t, Options{})
	nav := f.open(t)
	ctx := context.Background()

	require.NoError(t, nav.Session().Set(ctx, sessionKey, "{"))
	change, ok := f.machine.OnLoad(ctx, nav)
	require.True(t, ok)
	require.Empty(t, change.CaseID)
	require.Equal(t, nav.ID(), string(change.ContextID))
	require.Equal(t, scrape.TagErrored, change.State.Tag)
	require.Contains(t, change.State.Reason, "decode step state")
	require.Len(t, f.recorder.Reports("broken", report_step_read_state), 1)
	require.Zero(t, f.server.Hits("/search"))
}

func TestLabelledPartySectionsSucceed(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{
		ID:              "24CR001234",
		Prosecutor:      "State of North Carolina",
		Defendant:       "DOE, JOHN",
		LabelledParties: true,
	})
	states := drive(t, f.machine, f.open(t), "24CR001234")
	last := states[len(states)-1]
	require.Equal(t, scrape.TagSucceeded, last.Tag)
	require.Equal(t, "State of North Carolina", last.Data.Prosecutor)
	require.Equal(t, "DOE, JOHN", last.Data.Defendant)
}

// racingNav finishes a load between the first read of the generation and the
// document, like a browser does when a click from the previous step lands late.
type racingNav struct {
	navigator.Context

	mu    sync.Mutex
	extra uint64
	raced bool
}

func (n *racingNav) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Context.Generation() + n.extra
}

func (n *racingNav) Document(ctx context.Context) (*goquery.Document, error) {
	doc, err := n.Context.Document(ctx)
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.raced {
		n.raced = true
		n.extra++
	}
	return doc, err
}

func TestLoadReturnsGenerationItActedOn(t *testing.T) {
	f := newFixture(t, Options{})
	nav := &racingNav{Context: f.open(t)}
	ctx := context.Background()
	require.NoError(t, f.machine.Begin(ctx, nav, "24CR001234"))

	before := nav.Generation()
	change, generation, ok := f.machine.load(ctx, nav)
	require.True(t, ok)
	require.Equal(t, scrape.TagRunning, change.State.Tag)
	// the welcome page was read again after the load and clicked once
	require.Equal(t, before+1, generation)
	require.Equal(t, 1, f.server.Hits("/search"))
	require.Greater(t, nav.Generation(), generation)
}

// panicNav fails in the middle of a step.
type panicNav struct {
	navigator.Context
	session *navigator.MemorySession
}

func (p panicNav) ID() string { return "panic" }
func (p panicNav) Generation() uint64 { return 1 }
func (p panicNav) Session() navigator.Session { return p.session }
func (p panicNav) Done() <-chan struct{} { return nil }
func (p panicNav) Document(context.Context) (*goquery.Document, error) {
	panic("renderer crashed")
}

func TestPanicsBecomeErrored(t *testing.T) {
	p, err := portal.New(portal.DefaultProfile())
	require.NoError(t, err)
	recorder := telemetry.NewRecorder()
	m := NewMachine(p, chrono.NewManualTime(today), recorder, Options{})

	nav := panicNav{session: navigator.NewMemorySession()}
	states := drive(t, m, nav, "24CR001234")
	require.Len(t, states, 1)
	require.Equal(t, scrape.TagErrored, states[0].Tag)
	require.True(t, strings.Contains(states[0].Reason, "renderer crashed"))
	require.Len(t, recorder.Reports("broken", report_step_panic), 1)

	// the errored state was persisted
	job, ok, err := readState(context.Background(), nav)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scrape.TagErrored, job.State.Tag)
}

type collector struct {
	mu      sync.Mutex
	changes []scrape.StateChange
}

func (c *collector) ReportState(change scrape.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *collector) snapshot() []scrape.StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scrape.StateChange(nil), c.changes...)
}

// unreadableNav stores job state but can no longer read it back.
type unreadableNav struct {
	navigator.Context
}

func (n unreadableNav) Session() navigator.Session {
	return unreadableSession{n.Context.Session()}
}

type unreadableSession struct {
	navigator.Session
}

func (unreadableSession) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("session storage is gone")
}

func TestExecutorReportsUnreadableState(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{ID: "24CR001234", Prosecutor: "State", Defendant: "Doe"})
	inner := f.open(t)
	nav := unreadableNav{Context: inner}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := &collector{}
	executor := StartExecutor(ctx, f.machine, nav, reports)

	require.NoError(t, executor.Send(ctx, scrape.BeginScrape{CaseID: "24CR001234"}))
	require.Eventually(t, func() bool {
		return len(reports.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	change := reports.snapshot()[0]
	require.Equal(t, scrape.CaseID("24CR001234"), change.CaseID)
	require.Equal(t, scrape.TagErrored, change.State.Tag)
	require.Equal(t, "session storage is gone", change.State.Reason)
	require.Zero(t, f.server.Hits("/search"))

	// the errored state replaced the unreadable one
	job, ok, err := readState(ctx, inner)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scrape.TagErrored, job.State.Tag)

	cancel()
	<-executor.Done()
}

func TestExecutor(t *testing.T) {
	f := newFixture(t, Options{}, portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State",
		Defendant:  "Doe",
	})
	nav := f.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := &collector{}
	executor := StartExecutor(ctx, f.machine, nav, reports)

	require.NoError(t, executor.Send(ctx, scrape.BeginScrape{CaseID: "24CR001234"}))
	require.Eventually(t, func() bool {
		changes := reports.snapshot()
		return len(changes) > 0 && changes[len(changes)-1].State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	changes := reports.snapshot()
	require.Len(t, changes, 4)
	require.Equal(t, scrape.TagSucceeded, changes[3].State.Tag)
	for _, c := range changes[:3] {
		require.Equal(t, scrape.TagRunning, c.State.Tag)
	}
	require.Equal(t, 1, f.server.Hits("/results"))

	require.NoError(t, nav.Close())
	<-executor.Done()

	err := executor.Send(ctx, scrape.BeginScrape{CaseID: "24CR001234"})
	require.ErrorIs(t, err, scrape.ErrNavigation)
}
