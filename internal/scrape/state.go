// Package scrape holds the types shared by the orchestrator, the step machine
// running inside each navigation context and the RPC surface.
package scrape

import (
	"encoding/json"
	"fmt"
	"time"
)

// CaseID is the portal's case number, the key of every tracked case.
type CaseID string

type StateTag string

const (
	TagRunning     StateTag = "running"
	TagSucceeded   StateTag = "succeeded"
	TagErrored     StateTag = "errored"
	TagNoCaseFound StateTag = "no_case_found"
)

func (t StateTag) Valid() bool {
	switch t {
	case TagRunning, TagSucceeded, TagErrored, TagNoCaseFound:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may follow a state with this tag.
func (t StateTag) IsTerminal() bool {
	return t == TagSucceeded || t == TagErrored || t == TagNoCaseFound
}

// ScrapeData is only carried by a succeeded state.
type ScrapeData struct {
	NextCourtDateTime *time.Time `json:"next_court_date_time,omitempty"`
	Prosecutor        string     `json:"prosecutor,omitempty"`
	Defendant         string     `json:"defendant,omitempty"`
}

// ScrapeState is a tagged union, Data is set only for TagSucceeded and Reason
// only for TagErrored. Use the constructors rather than literals.
type ScrapeState struct {
	Tag    StateTag    `json:"tag"`
	Data   *ScrapeData `json:"data,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

func Running() ScrapeState {
	return ScrapeState{Tag: TagRunning}
}

func Succeeded(data ScrapeData) ScrapeState {
	return ScrapeState{Tag: TagSucceeded, Data: &data}
}

func Errored(reason string) ScrapeState {
	return ScrapeState{Tag: TagErrored, Reason: reason}
}

// ErroredFrom converts an error into an errored state.
func ErroredFrom(err error) ScrapeState {
	if err == nil {
		return Errored("unknown error")
	}
	return Errored(err.Error())
}

func NoCaseFound() ScrapeState {
	return ScrapeState{Tag: TagNoCaseFound}
}

func (s ScrapeState) IsTerminal() bool {
	return s.Tag.IsTerminal()
}

func (s ScrapeState) String() string {
	switch s.Tag {
	case TagErrored:
		return fmt.Sprintf("%s(%s)", s.Tag, s.Reason)
	case TagSucceeded:
		if s.Data != nil && s.Data.NextCourtDateTime != nil {
			return fmt.Sprintf("%s(%s)", s.Tag, s.Data.NextCourtDateTime.Format(time.RFC3339))
		}
	}
	return string(s.Tag)
}

// UnmarshalJSON rejects unknown tags and normalizes the variant payloads.
func (s *ScrapeState) UnmarshalJSON(b []byte) error {
	type raw ScrapeState
	var r raw
	err := json.Unmarshal(b, &r)
	if err != nil {
		return err
	}
	if !r.Tag.Valid() {
		return fmt.Errorf("unknown scrape state tag %q", r.Tag)
	}
	if r.Tag == TagSucceeded && r.Data == nil {
		r.Data = &ScrapeData{}
	}
	if r.Tag != TagSucceeded {
		r.Data = nil
	}
	if r.Tag != TagErrored {
		r.Reason = ""
	}
	*s = ScrapeState(r)
	return nil
}
