package stepper

import (
	"context"
	"fmt"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/lib/navigator"
)

// Reporter receives the state changes of a context in the order they happen.
type Reporter interface {
	ReportState(change scrape.StateChange)
}

type ReporterFunc func(change scrape.StateChange)

func (f ReporterFunc) ReportState(change scrape.StateChange) {
	f(change)
}

// Executor is the execution unit of one navigation context. It runs the
// machine once per document load, never two steps at a time.
type Executor struct {
	machine  Machine
	nav      navigator.Context
	reporter Reporter
	commands chan scrape.BeginScrape
	done     chan struct{}

	// the case of the last BeginScrape, owned by run
	caseID scrape.CaseID
}

// StartExecutor runs until ctx is cancelled or nav is closed.
func StartExecutor(ctx context.Context, machine Machine, nav navigator.Context, reporter Reporter) *Executor {
	e := &Executor{
		machine:  machine,
		nav:      nav,
		reporter: reporter,
		commands: make(chan scrape.BeginScrape, 1),
		done:     make(chan struct{}),
	}
	go e.run(ctx)
	return e
}

// Send delivers a command, failing with ErrNavigation when the context is gone.
func (e *Executor) Send(ctx context.Context, cmd scrape.BeginScrape) error {
	select {
	case <-e.done:
		return fmt.Errorf("%w: deliver begin for %s: context closed", scrape.ErrNavigation, cmd.CaseID)
	default:
	}
	select {
	case e.commands <- cmd:
		return nil
	case <-e.done:
		return fmt.Errorf("%w: deliver begin for %s: context closed", scrape.ErrNavigation, cmd.CaseID)
	case <-ctx.Done():
		return fmt.Errorf("%w: deliver begin for %s: %v", scrape.ErrNavigation, cmd.CaseID, ctx.Err())
	}
}

// Done is closed once the executor stopped.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) run(ctx context.Context) {
	defer close(e.done)

	// the generation the machine last ran on, a load notification for a
	// document that was already handled is stale
	handled := ^uint64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.nav.Done():
			return
		case cmd := <-e.commands:
			err := e.machine.Begin(ctx, e.nav, cmd.CaseID)
			if err != nil {
				e.reporter.ReportState(scrape.StateChange{
					ContextID: scrape.ContextID(e.nav.ID()),
					CaseID:    cmd.CaseID,
					State:     scrape.ErroredFrom(err),
					At:        e.machine.time.Now(),
				})
				continue
			}
			e.caseID = cmd.CaseID
			handled = e.step(ctx)
		case <-e.nav.Loads():
			if e.nav.Generation() == handled {
				continue
			}
			handled = e.step(ctx)
		}
	}
}

// step runs the machine once and returns the generation it acted on.
func (e *Executor) step(ctx context.Context) uint64 {
	change, generation, ok := e.machine.load(ctx, e.nav)
	if !ok {
		return generation
	}
	if change.CaseID == "" {
		// the stored job could not be read, it is the one this executor began
		if e.caseID == "" {
			return generation
		}
		change.CaseID = e.caseID
		e.machine.save(ctx, e.nav, persisted{CaseID: e.caseID, State: change.State})
	}
	e.reporter.ReportState(change)
	return generation
}
