// Package stepper runs inside a navigation context. On every document load it
// reads the scrape state kept in the context's session, decides the single next
// action from the current page and reports the resulting state.
package stepper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("courtwatch.internal.stepper")

const sessionKey = "courtwatch.scrape"

const (
	report_step_read_state  = "step.read-state"
	report_step_write_state = "step.write-state"
	report_step_results     = "step.results-listing"
	report_step_panic       = "step.panic"
)

// persisted is what survives a reload of the document.
type persisted struct {
	CaseID       scrape.CaseID      `json:"case_id"`
	State        scrape.ScrapeState `json:"state"`
	RunningSince time.Time          `json:"running_since"`
}

type Options struct {
	// UnrecognizedBudget is how long a job may sit on pages that cannot be
	// classified, counted from the start of its running phase.
	UnrecognizedBudget time.Duration
	PollInterval       time.Duration
}

func (o Options) withDefaults() Options {
	if o.UnrecognizedBudget <= 0 {
		o.UnrecognizedBudget = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

type Machine struct {
	portal portal.Portal
	time   chrono.TimeAPI
	tel    telemetry.API
	opts   Options
}

func NewMachine(p portal.Portal, clock chrono.TimeAPI, tel telemetry.API, opts Options) Machine {
	if clock == nil {
		clock = chrono.NewStandardTime(p.Location())
	}
	return Machine{
		portal: p,
		time:   clock,
		tel:    telemetry.NewScopedAPI("stepper", tel),
		opts:   opts.withDefaults(),
	}
}

func readState(ctx context.Context, nav navigator.Context) (persisted, bool, error) {
	raw, ok, err := nav.Session().Get(ctx, sessionKey)
	if err != nil || !ok {
		return persisted{}, false, err
	}
	var p persisted
	err = json.Unmarshal([]byte(raw), &p)
	if err != nil {
		return persisted{}, false, fmt.Errorf("decode step state: %w", err)
	}
	return p, true, nil
}

func writeState(ctx context.Context, nav navigator.Context, p persisted) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return nav.Session().Set(ctx, sessionKey, string(raw))
}

// Begin makes the context part of a job for caseID, the next OnLoad acts on it.
func (m Machine) Begin(ctx context.Context, nav navigator.Context, caseID scrape.CaseID) error {
	err := writeState(ctx, nav, persisted{
		CaseID:       caseID,
		State:        scrape.Running(),
		RunningSince: m.time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: write initial state: %v", scrape.ErrNavigation, err)
	}
	return nil
}

// OnLoad performs at most one action on the current document. It reports
// false when the context holds no job or the job already ended. A job state
// that cannot be read is reported as Errored without a case id.
func (m Machine) OnLoad(ctx context.Context, nav navigator.Context) (scrape.StateChange, bool) {
	change, _, ok := m.load(ctx, nav)
	return change, ok
}

// load is OnLoad that also returns the generation of the document it acted on.
func (m Machine) load(ctx context.Context, nav navigator.Context) (scrape.StateChange, uint64, bool) {
	generation := nav.Generation()
	job, ok, err := readState(ctx, nav)
	if err != nil {
		if !errors.Is(err, navigator.ErrClosed) {
			m.tel.ReportBroken(report_step_read_state, err, "context", nav.ID())
		}
		return scrape.StateChange{
			ContextID: scrape.ContextID(nav.ID()),
			State:     scrape.ErroredFrom(err),
			At:        m.time.Now(),
		}, generation, true
	}
	if !ok || job.State.IsTerminal() {
		return scrape.StateChange{}, generation, false
	}

	ctx, span := tracer.Start(ctx, "OnLoad", trace.WithAttributes(
		attribute.String("case_id", string(job.CaseID)),
		attribute.String("context", nav.ID()),
	))
	defer span.End()

	next, generation := m.step(ctx, nav, job)
	if next.Tag == scrape.TagErrored {
		span.SetStatus(codes.Error, next.Reason)
	}
	span.SetAttributes(attribute.String("state", string(next.Tag)))

	job.State = next
	m.save(ctx, nav, job)

	return scrape.StateChange{
		ContextID: scrape.ContextID(nav.ID()),
		CaseID:    job.CaseID,
		State:     next,
		At:        m.time.Now(),
	}, generation, true
}

// save writes the job state even if the caller gave up on the step.
func (m Machine) save(ctx context.Context, nav navigator.Context, job persisted) {
	err := writeState(context.WithoutCancel(ctx), nav, job)
	if err != nil && !errors.Is(err, navigator.ErrClosed) {
		m.tel.ReportBroken(report_step_write_state, err, "case_id", job.CaseID)
	}
}

// step classifies the page and dispatches to its handler, polling while the
// handler wants to wait for the page to settle. generation is that of the
// last document a handler acted on.
func (m Machine) step(ctx context.Context, nav navigator.Context, job persisted) (state scrape.ScrapeState, generation uint64) {
	generation = nav.Generation()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("step panicked: %v", r)
			m.tel.ReportBroken(report_step_panic, err, "case_id", job.CaseID)
			state = scrape.ErroredFrom(err)
		}
	}()

	for {
		doc, current, err := navigator.Snapshot(ctx, nav)
		if err != nil {
			return scrape.ErroredFrom(fmt.Errorf("%w: read document: %v", scrape.ErrNavigation, err)), generation
		}
		generation = current

		category := m.portal.Classify(doc)
		trace.SpanFromContext(ctx).AddEvent("classified", trace.WithAttributes(
			attribute.String("category", category.String()),
		))

		result, err := handlers[category](m, ctx, nav, doc, job)
		if err != nil {
			return scrape.ErroredFrom(err), generation
		}
		if !result.wait {
			return result.state, generation
		}

		if m.time.Now().Sub(job.RunningSince) >= m.opts.UnrecognizedBudget {
			return scrape.ErroredFrom(scrape.ErrUnrecognizedPageTimeout), generation
		}
		err = m.sleep(ctx, nav)
		if err != nil {
			return scrape.ErroredFrom(err), generation
		}
		// a new document arrived, its own load picks the job up
		if nav.Generation() != generation {
			return scrape.Running(), generation
		}
	}
}

func (m Machine) sleep(ctx context.Context, nav navigator.Context) error {
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-nav.Done():
		return fmt.Errorf("%w: context closed while waiting for the page", scrape.ErrNavigation)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcome struct {
	state scrape.ScrapeState
	// wait re-classifies the page after a poll interval
	wait bool
}

type handler func(m Machine, ctx context.Context, nav navigator.Context, doc *goquery.Document, job persisted) (outcome, error)

var handlers = map[scrape.PageCategory]handler{
	scrape.PageWelcome:        onWelcome,
	scrape.PageSearchForm:     onSearchForm,
	scrape.PageResultsListing: onResultsListing,
	scrape.PageCaseDetail:     onCaseDetail,
	scrape.PageUnrecognized:   onUnrecognized,
}

var waitForPage = outcome{wait: true}

func running() (outcome, error) {
	return outcome{state: scrape.Running()}, nil
}

func navigationError(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", scrape.ErrNavigation, action, err)
}

func onWelcome(m Machine, ctx context.Context, nav navigator.Context, doc *goquery.Document, _ persisted) (outcome, error) {
	text, ok := m.portal.WelcomeEntry(doc)
	if !ok {
		return waitForPage, nil
	}
	err := nav.ClickText(ctx, m.portal.Profile().WelcomeLinks, text)
	if err != nil {
		return outcome{}, navigationError("open case search", err)
	}
	return running()
}

func onSearchForm(m Machine, ctx context.Context, nav navigator.Context, _ *goquery.Document, job persisted) (outcome, error) {
	profile := m.portal.Profile()
	err := nav.Fill(ctx, profile.SearchInput, string(job.CaseID))
	if err != nil {
		return outcome{}, navigationError("fill case number", err)
	}
	submit := profile.SearchSubmit
	if submit == "" {
		submit = profile.SearchInput
	}
	err = nav.Submit(ctx, submit)
	if err != nil {
		return outcome{}, navigationError("submit search", err)
	}
	return running()
}

func onResultsListing(m Machine, ctx context.Context, nav navigator.Context, doc *goquery.Document, job persisted) (outcome, error) {
	listing := m.portal.FindCaseLinks(ctx, doc, job.CaseID)

	switch {
	case len(listing.Matches) > 0:
		if len(listing.Matches) > 1 {
			m.tel.ReportWarning(
				report_step_results,
				fmt.Errorf("%d links match %s, following the first", len(listing.Matches), job.CaseID),
			)
		}
		err := nav.ClickText(ctx, m.portal.Profile().DetailLinks, listing.Matches[0].Name)
		if err != nil {
			return outcome{}, navigationError("open case detail", err)
		}
		return running()
	case listing.NoRecords:
		return outcome{state: scrape.NoCaseFound()}, nil
	case len(listing.Entries) > 0:
		closest, _ := listing.Closest(job.CaseID)
		return outcome{}, fmt.Errorf(
			"%w: %d results for %s, closest was %q",
			scrape.ErrAmbiguousLink, len(listing.Entries), job.CaseID, closest,
		)
	}
	// the results grid is filled in after the page loads
	return waitForPage, nil
}

func onCaseDetail(m Machine, _ context.Context, _ navigator.Context, doc *goquery.Document, _ persisted) (outcome, error) {
	banner := m.portal.Banner(doc)
	if banner != "" {
		return outcome{}, fmt.Errorf("%w: portal reported %q", scrape.ErrExtraction, banner)
	}
	parties, err := portal.ExtractParties(doc)
	if err != nil {
		return outcome{}, err
	}
	hearing := portal.ExtractNextHearing(doc, m.time.Now(), m.portal.Location())
	return outcome{state: scrape.Succeeded(scrape.ScrapeData{
		NextCourtDateTime: hearing,
		Prosecutor:        parties.Prosecutor,
		Defendant:         parties.Defendant,
	})}, nil
}

func onUnrecognized(Machine, context.Context, navigator.Context, *goquery.Document, persisted) (outcome, error) {
	return waitForPage, nil
}
