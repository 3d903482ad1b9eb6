package scrape

import "time"

// ContextID identifies one navigation context for as long as it is open.
type ContextID string

// BeginScrape is sent once per admitted job, after the context finished its first load.
type BeginScrape struct {
	CaseID CaseID `json:"case_id"`
}

// StateChange is reported by the step machine after every step of an active job.
type StateChange struct {
	ContextID ContextID   `json:"context_id"`
	CaseID    CaseID      `json:"case_id"`
	State     ScrapeState `json:"state"`
	At        time.Time   `json:"at"`
}

type StartScrape struct {
	CaseID          CaseID `json:"case_id"`
	KeepContextOpen bool   `json:"keep_context_open"`
}

type ScrapeAll struct{}

type GetStatus struct{}

// Status maps every active job to its current state tag.
type Status struct {
	Active map[CaseID]StateTag `json:"active"`
}

// Outcome is a terminal state as recorded by the orchestrator.
type Outcome struct {
	CaseID     CaseID      `json:"case_id"`
	State      ScrapeState `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}
