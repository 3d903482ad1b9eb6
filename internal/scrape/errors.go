package scrape

import "errors"

var (
	// ErrNavigation means a context could not be opened or a command could not be delivered to it.
	ErrNavigation = errors.New("navigation failure")
	// ErrUnrecognizedPageTimeout means the page stayed unrecognized past the step budget.
	ErrUnrecognizedPageTimeout = errors.New("timed out waiting for a known page")
	// ErrAmbiguousLink means a non-empty results listing had no link for the case.
	ErrAmbiguousLink = errors.New("no matching case link in results")
	// ErrExtraction means required fields were missing or the portal rendered an error banner.
	ErrExtraction = errors.New("extraction failure")
	// ErrJobTimeout is raised by the orchestrator when a job outlives its deadline.
	ErrJobTimeout = errors.New("timed out")
)
