// Package orchestrator admits scrape jobs, bounds how many run at once and
// records their outcomes. Every registry mutation happens on one goroutine
// that drains the inbox, other goroutines only post messages to it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/internal/events"
	"courtwatch-backend/internal/notify"
	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/internal/stepper"
	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/telemetry"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrStopped = errors.New("orchestrator stopped")

const (
	report_orchestrator_open         = "orchestrator.open"
	report_orchestrator_close        = "orchestrator.close"
	report_orchestrator_save_outcome = "orchestrator.save-outcome"
	report_orchestrator_publish      = "orchestrator.publish"
	report_orchestrator_notify       = "orchestrator.notify"
	report_orchestrator_job_timeout  = "orchestrator.job-timeout"
	report_orchestrator_list_cases   = "orchestrator.list-cases"
)

type Options struct {
	// EntryURL is the page every context is opened on.
	EntryURL      string
	MaxConcurrent int
	JobTimeout    time.Duration
	// Stagger is the delay between admissions of a scrape-all request.
	Stagger   time.Duration
	RecentTTL time.Duration
	// RecentSize bounds how many outcomes the recent cache keeps.
	RecentSize int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 60 * time.Second
	}
	if o.Stagger <= 0 {
		o.Stagger = 250 * time.Millisecond
	}
	if o.RecentTTL <= 0 {
		o.RecentTTL = 15 * time.Minute
	}
	if o.RecentSize <= 0 {
		o.RecentSize = 512
	}
	return o
}

// Admission is what became of a scrape request.
type Admission int

const (
	Admitted Admission = iota
	Queued
	AlreadyActive
	AlreadyQueued
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	case AlreadyActive:
		return "already_active"
	case AlreadyQueued:
		return "already_queued"
	}
	return "unknown"
}

type Dependencies struct {
	Driver    navigator.Driver
	Machine   stepper.Machine
	Store     casestore.Store
	Publisher events.Publisher
	Notifier  notify.Notifier
	Time      chrono.TimeAPI
	Tel       telemetry.API
}

type job struct {
	caseID     scrape.CaseID
	generation uint64
	keepOpen   bool
	startedAt  time.Time
	state      scrape.ScrapeState
	timer      *time.Timer

	// set once the context opened
	nav    navigator.Context
	cancel context.CancelFunc
}

type queued struct {
	caseID   scrape.CaseID
	keepOpen bool
}

type Orchestrator struct {
	deps Dependencies
	tel  telemetry.API
	opts Options

	inbox   chan any
	stopped chan struct{}
	persist chan scrape.Outcome
	recent  *expirable.LRU[string, scrape.Outcome]

	// read by the metric callbacks
	activeCount  atomic.Int64
	backlogCount atomic.Int64
	outcomes     metric.Int64Counter
	registration metric.Registration

	// background work started by the loop: opens, closes and sends
	background sync.WaitGroup

	// owned by the loop
	jobs       map[scrape.CaseID]*job
	byContext  map[string]*job
	backlog    []queued
	inBacklog  map[scrape.CaseID]bool
	generation uint64
}

// New creates an orchestrator, nothing happens until Run is called.
func New(deps Dependencies, opts Options) (*Orchestrator, error) {
	if deps.Driver == nil {
		return nil, fmt.Errorf("orchestrator: missing driver")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: missing case store")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Time == nil {
		deps.Time = chrono.NewStandardTime(nil)
	}
	opts = opts.withDefaults()

	o := &Orchestrator{
		deps:      deps,
		tel:       telemetry.NewScopedAPI("orchestrator", deps.Tel),
		opts:      opts,
		inbox:     make(chan any),
		stopped:   make(chan struct{}),
		persist:   make(chan scrape.Outcome, 64),
		recent:    expirable.NewLRU[string, scrape.Outcome](opts.RecentSize, nil, opts.RecentTTL),
		jobs:      map[scrape.CaseID]*job{},
		byContext: map[string]*job{},
		inBacklog: map[scrape.CaseID]bool{},
	}
	err := o.setupMetrics()
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) setupMetrics() error {
	meter := telemetry.Meter("courtwatch/orchestrator")
	active, err := meter.Int64ObservableGauge(
		"courtwatch.scrape.active",
		metric.WithDescription("Jobs that hold a navigation context."),
	)
	if err != nil {
		return err
	}
	backlog, err := meter.Int64ObservableGauge(
		"courtwatch.scrape.backlog",
		metric.WithDescription("Jobs waiting for capacity."),
	)
	if err != nil {
		return err
	}
	o.outcomes, err = meter.Int64Counter(
		"courtwatch.scrape.outcomes",
		metric.WithDescription("Jobs that reached a terminal state."),
	)
	if err != nil {
		return err
	}
	o.registration, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, o.activeCount.Load())
		obs.ObserveInt64(backlog, o.backlogCount.Load())
		return nil
	}, active, backlog)
	return err
}

// messages handled by the loop
type (
	startMsg struct {
		caseID   scrape.CaseID
		keepOpen bool
		reply    chan Admission
	}
	statusMsg struct {
		reply chan scrape.Status
	}
	openedMsg struct {
		caseID     scrape.CaseID
		generation uint64
		nav        navigator.Context
		err        error
	}
	changeMsg struct {
		change scrape.StateChange
	}
	timeoutMsg struct {
		caseID     scrape.CaseID
		generation uint64
	}
	closedMsg struct {
		caseID     scrape.CaseID
		generation uint64
	}
)

// post delivers a message to the loop, it fails once the loop stopped.
func (o *Orchestrator) post(msg any) bool {
	select {
	case o.inbox <- msg:
		return true
	case <-o.stopped:
		return false
	}
}

// Run processes messages until ctx is cancelled, then closes every context
// it still holds.
func (o *Orchestrator) Run(ctx context.Context) {
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		o.persistLoop()
	}()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			close(o.persist)
			<-persisted
			return
		case msg := <-o.inbox:
			o.handle(ctx, msg)
		}
	}
}

func (o *Orchestrator) shutdown() {
	close(o.stopped)
	for _, j := range o.jobs {
		j.timer.Stop()
		if j.cancel != nil {
			j.cancel()
		}
		if j.nav != nil {
			o.closeContext(j.nav)
		}
	}
	o.jobs = map[scrape.CaseID]*job{}
	o.byContext = map[string]*job{}
	o.backlog = nil
	o.inBacklog = map[scrape.CaseID]bool{}
	o.updateCounts()
	o.background.Wait()
	if o.registration != nil {
		err := o.registration.Unregister()
		if err != nil {
			o.tel.ReportDebug("unregister metrics", "err", err)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg any) {
	switch msg := msg.(type) {
	case startMsg:
		msg.reply <- o.onStart(ctx, msg.caseID, msg.keepOpen)
	case statusMsg:
		msg.reply <- o.status()
	case openedMsg:
		o.onOpened(ctx, msg)
	case changeMsg:
		o.onChange(ctx, msg.change)
	case timeoutMsg:
		o.onExpired(ctx, msg.caseID, msg.generation, "job timer fired")
	case closedMsg:
		o.onExpired(ctx, msg.caseID, msg.generation, "navigation context closed")
	default:
		panic(fmt.Sprintf("orchestrator: unknown message %T", msg))
	}
}

func (o *Orchestrator) updateCounts() {
	o.activeCount.Store(int64(len(o.jobs)))
	o.backlogCount.Store(int64(len(o.backlog)))
	o.tel.ReportCount("active", int64(len(o.jobs)))
	o.tel.ReportCount("backlog", int64(len(o.backlog)))
}

func (o *Orchestrator) publish(ctx context.Context, t events.Type, caseID scrape.CaseID, state scrape.ScrapeState) {
	err := o.deps.Publisher.Publish(ctx, events.Event{
		Type:   t,
		CaseID: caseID,
		State:  state,
		At:     o.deps.Time.Now(),
	})
	if err != nil {
		o.tel.ReportWarning(report_orchestrator_publish, err, "type", t, "case", caseID)
	}
}

func (o *Orchestrator) onStart(ctx context.Context, caseID scrape.CaseID, keepOpen bool) Admission {
	if _, ok := o.jobs[caseID]; ok {
		return AlreadyActive
	}
	if o.inBacklog[caseID] {
		return AlreadyQueued
	}
	if len(o.jobs) < o.opts.MaxConcurrent {
		o.admit(ctx, caseID, keepOpen)
		return Admitted
	}
	o.backlog = append(o.backlog, queued{caseID: caseID, keepOpen: keepOpen})
	o.inBacklog[caseID] = true
	o.updateCounts()
	o.publish(ctx, events.TypeQueued, caseID, scrape.Running())
	return Queued
}

func (o *Orchestrator) admit(ctx context.Context, caseID scrape.CaseID, keepOpen bool) {
	o.generation++
	generation := o.generation
	j := &job{
		caseID:     caseID,
		generation: generation,
		keepOpen:   keepOpen,
		startedAt:  o.deps.Time.Now(),
		state:      scrape.Running(),
	}
	j.timer = time.AfterFunc(o.opts.JobTimeout, func() {
		o.post(timeoutMsg{caseID: caseID, generation: generation})
	})
	o.jobs[caseID] = j
	o.updateCounts()
	o.publish(ctx, events.TypeAdmitted, caseID, j.state)

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		nav, err := o.deps.Driver.Open(ctx, o.opts.EntryURL)
		if !o.post(openedMsg{caseID: caseID, generation: generation, nav: nav, err: err}) && nav != nil {
			o.closeNow(nav)
		}
	}()
}

// admitBacklog fills free capacity from the front of the backlog.
func (o *Orchestrator) admitBacklog(ctx context.Context) {
	for len(o.jobs) < o.opts.MaxConcurrent && len(o.backlog) > 0 {
		next := o.backlog[0]
		o.backlog = o.backlog[1:]
		delete(o.inBacklog, next.caseID)
		if _, ok := o.jobs[next.caseID]; ok {
			continue
		}
		o.admit(ctx, next.caseID, next.keepOpen)
	}
	o.updateCounts()
}

func (o *Orchestrator) onOpened(ctx context.Context, msg openedMsg) {
	j, ok := o.jobs[msg.caseID]
	if !ok || j.generation != msg.generation {
		// the job ended while the context was opening
		if msg.nav != nil {
			o.closeContext(msg.nav)
		}
		return
	}
	if msg.err != nil {
		o.tel.ReportWarning(report_orchestrator_open, msg.err, "case", msg.caseID)
		o.finish(ctx, j, scrape.ErroredFrom(fmt.Errorf("%w: open context: %v", scrape.ErrNavigation, msg.err)))
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	j.nav = msg.nav
	j.cancel = cancel
	o.byContext[msg.nav.ID()] = j

	reporter := stepper.ReporterFunc(func(change scrape.StateChange) {
		o.post(changeMsg{change: change})
	})
	executor := stepper.StartExecutor(execCtx, o.deps.Machine, msg.nav, reporter)

	caseID, generation, nav := j.caseID, j.generation, msg.nav
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		err := executor.Send(execCtx, scrape.BeginScrape{CaseID: caseID})
		if err != nil && execCtx.Err() == nil {
			o.post(changeMsg{change: scrape.StateChange{
				ContextID: scrape.ContextID(nav.ID()),
				CaseID:    caseID,
				State:     scrape.ErroredFrom(err),
				At:        o.deps.Time.Now(),
			}})
		}
		select {
		case <-nav.Done():
			o.post(closedMsg{caseID: caseID, generation: generation})
		case <-execCtx.Done():
		}
		<-executor.Done()
	}()
}

func (o *Orchestrator) onChange(ctx context.Context, change scrape.StateChange) {
	j, ok := o.byContext[string(change.ContextID)]
	if !ok || j.caseID != change.CaseID {
		o.tel.ReportDebug("drop state change of a finished job", "context", change.ContextID, "case", change.CaseID, "state", change.State)
		return
	}
	j.state = change.State
	if !change.State.IsTerminal() {
		return
	}
	if change.State.Tag == scrape.TagErrored && j.nav != nil {
		select {
		case <-j.nav.Done():
			// the step failed because something else closed the context
			o.onExpired(ctx, j.caseID, j.generation, "navigation context closed")
			return
		default:
		}
	}
	o.finish(ctx, j, change.State)
}

func (o *Orchestrator) onExpired(ctx context.Context, caseID scrape.CaseID, generation uint64, cause string) {
	j, ok := o.jobs[caseID]
	if !ok || j.generation != generation {
		o.tel.ReportDebug("drop expiry of a finished job", "case", caseID, "cause", cause)
		return
	}
	o.tel.ReportWarning(report_orchestrator_job_timeout, scrape.ErrJobTimeout, "case", caseID, "cause", cause)
	o.finish(ctx, j, scrape.Errored(scrape.ErrJobTimeout.Error()))
}

func (o *Orchestrator) finish(ctx context.Context, j *job, state scrape.ScrapeState) {
	j.timer.Stop()
	if j.cancel != nil {
		j.cancel()
	}
	delete(o.jobs, j.caseID)
	if j.nav != nil {
		delete(o.byContext, j.nav.ID())
		if !j.keepOpen {
			o.closeContext(j.nav)
		}
	}

	outcome := scrape.Outcome{
		CaseID:     j.caseID,
		State:      state,
		StartedAt:  j.startedAt,
		FinishedAt: o.deps.Time.Now(),
	}
	o.recent.Add(string(j.caseID), outcome)
	o.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state.Tag))))
	o.publish(ctx, events.TypeFinished, j.caseID, state)
	o.persist <- outcome

	o.admitBacklog(ctx)
}

func (o *Orchestrator) closeContext(nav navigator.Context) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.closeNow(nav)
	}()
}

func (o *Orchestrator) closeNow(nav navigator.Context) {
	err := nav.Close()
	if err != nil && !errors.Is(err, navigator.ErrClosed) {
		o.tel.ReportWarning(report_orchestrator_close, err, "context", nav.ID())
	}
}

// persistLoop writes outcomes in the order jobs finished so a newer outcome
// of a case is never overwritten by an older one.
func (o *Orchestrator) persistLoop() {
	for outcome := range o.persist {
		o.record(outcome)
	}
}

func (o *Orchestrator) record(outcome scrape.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	previous, err := o.deps.Store.SaveOutcome(ctx, outcome)
	if err != nil {
		o.tel.ReportBroken(report_orchestrator_save_outcome, err, "case", outcome.CaseID)
		return
	}
	if outcome.State.Tag != scrape.TagSucceeded || previous.LastAttemptAt == nil {
		return
	}
	next := outcome.State.Data.NextCourtDateTime
	if !notify.Changed(previous.NextCourtDateTime, next) {
		return
	}
	err = o.deps.Notifier.HearingChanged(ctx, notify.HearingChange{
		CaseID:     outcome.CaseID,
		Defendant:  outcome.State.Data.Defendant,
		Previous:   previous.NextCourtDateTime,
		Next:       next,
		DetectedAt: outcome.FinishedAt,
	})
	if err != nil {
		o.tel.ReportBroken(report_orchestrator_notify, err, "case", outcome.CaseID)
	}
}

func (o *Orchestrator) status() scrape.Status {
	active := make(map[scrape.CaseID]scrape.StateTag, len(o.jobs))
	for id, j := range o.jobs {
		active[id] = j.state.Tag
	}
	return scrape.Status{Active: active}
}

// RequestScrape starts a job for caseID unless one is active or queued.
func (o *Orchestrator) RequestScrape(ctx context.Context, caseID scrape.CaseID, keepOpen bool) (Admission, error) {
	reply := make(chan Admission, 1)
	if !o.postCtx(ctx, startMsg{caseID: caseID, keepOpen: keepOpen, reply: reply}) {
		return 0, o.postErr(ctx)
	}
	select {
	case a := <-reply:
		return a, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RequestScrapeAll requests a scrape of every tracked case, admissions are
// spaced by the stagger delay. It returns how many jobs were admitted or
// queued.
func (o *Orchestrator) RequestScrapeAll(ctx context.Context) (int, error) {
	records, err := o.deps.Store.List(ctx)
	if err != nil {
		o.tel.ReportBroken(report_orchestrator_list_cases, err)
		return 0, err
	}

	requested := 0
	for _, r := range records {
		if requested > 0 {
			select {
			case <-time.After(o.opts.Stagger):
			case <-ctx.Done():
				return requested, ctx.Err()
			case <-o.stopped:
				return requested, ErrStopped
			}
		}
		a, err := o.RequestScrape(ctx, r.CaseID, false)
		if err != nil {
			return requested, err
		}
		if a == Admitted || a == Queued {
			requested++
		}
	}
	return requested, nil
}

// Status returns the current state of every active job.
func (o *Orchestrator) Status(ctx context.Context) (scrape.Status, error) {
	reply := make(chan scrape.Status, 1)
	if !o.postCtx(ctx, statusMsg{reply: reply}) {
		return scrape.Status{}, o.postErr(ctx)
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return scrape.Status{}, ctx.Err()
	}
}

// Recent returns the outcomes of the last jobs, newest first. The cache is
// safe for concurrent use so this does not go through the loop.
func (o *Orchestrator) Recent() []scrape.Outcome {
	outcomes := o.recent.Values()
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].FinishedAt.After(outcomes[j].FinishedAt)
	})
	return outcomes
}

func (o *Orchestrator) postCtx(ctx context.Context, msg any) bool {
	select {
	case o.inbox <- msg:
		return true
	case <-o.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) postErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStopped
}
