// Package scrapeservice exposes the orchestrator and the case store to the UI over
// connect with a JSON codec.
package scrapeservice

import (
	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/internal/scrape"
)

const ServiceName = "courtwatch.scrape.v1.ScrapeService"

const (
	StartScrapeProcedure = "/" + ServiceName + "/StartScrape"
	ScrapeAllProcedure   = "/" + ServiceName + "/ScrapeAll"
	GetStatusProcedure   = "/" + ServiceName + "/GetStatus"
	ListCasesProcedure   = "/" + ServiceName + "/ListCases"
	AddCaseProcedure     = "/" + ServiceName + "/AddCase"
	GetCaseProcedure     = "/" + ServiceName + "/GetCase"
	RecentProcedure      = "/" + ServiceName + "/Recent"
)

type StartScrapeResponse struct {
	// Admission is one of admitted, queued, already_active or already_queued.
	Admission string `json:"admission"`
}

type ScrapeAllResponse struct {
	Requested int `json:"requested"`
}

type ListCasesRequest struct{}

type ListCasesResponse struct {
	Cases []casestore.Record `json:"cases"`
}

type AddCaseRequest struct {
	CaseID scrape.CaseID `json:"case_id"`
}

type AddCaseResponse struct {
	Case casestore.Record `json:"case"`
}

type GetCaseRequest struct {
	CaseID scrape.CaseID `json:"case_id"`
}

type GetCaseResponse struct {
	Case casestore.Record `json:"case"`
}

type RecentRequest struct{}

type RecentResponse struct {
	Outcomes []scrape.Outcome `json:"outcomes"`
}
