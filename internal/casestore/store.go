// Package casestore keeps the tracked cases and the outcome of their last
// scrape. Records are only ever created or overwritten, never deleted.
package casestore

import (
	"context"
	"errors"
	"time"

	"courtwatch-backend/internal/scrape"
)

var ErrNotFound = errors.New("case not found")

type Record struct {
	CaseID            scrape.CaseID   `json:"case_id"`
	LastStatus        scrape.StateTag `json:"last_status,omitempty"`
	LastReason        string          `json:"last_reason,omitempty"`
	LastAttemptAt     *time.Time      `json:"last_attempt_at,omitempty"`
	NextCourtDateTime *time.Time      `json:"next_court_date_time,omitempty"`
	Prosecutor        string          `json:"prosecutor,omitempty"`
	Defendant         string          `json:"defendant,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Apply overwrites the fields an outcome owns. The hearing and the parties
// are only replaced by a successful scrape.
func (r Record) Apply(outcome scrape.Outcome) Record {
	finished := outcome.FinishedAt
	r.LastStatus = outcome.State.Tag
	r.LastReason = outcome.State.Reason
	r.LastAttemptAt = &finished
	if outcome.State.Tag == scrape.TagSucceeded && outcome.State.Data != nil {
		r.NextCourtDateTime = outcome.State.Data.NextCourtDateTime
		r.Prosecutor = outcome.State.Data.Prosecutor
		r.Defendant = outcome.State.Data.Defendant
	}
	return r
}

type Store interface {
	// Add starts tracking a case, adding a case that is already tracked is a no-op.
	Add(ctx context.Context, caseID scrape.CaseID) (Record, error)
	Get(ctx context.Context, caseID scrape.CaseID) (Record, error)
	// List returns every record ordered by case id.
	List(ctx context.Context) ([]Record, error)
	// SaveOutcome records a terminal state, creating the record if needed. It
	// returns the record as it was before.
	SaveOutcome(ctx context.Context, outcome scrape.Outcome) (previous Record, err error)
	Close() error
}
