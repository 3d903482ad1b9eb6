package portal

import (
	"context"
	"time"

	"courtwatch-backend/internal/scrape"

	"github.com/PuerkitoBio/goquery"
)

// Inspection is everything the portal reads off a saved page, it is used to
// check selectors against pages of a new site.
type Inspection struct {
	Category     scrape.PageCategory
	WelcomeEntry string
	Banner       string

	// set for results listings when a case id was given
	Listing *Listing

	// set for case detail pages
	Parties         Parties
	PartiesErr      error
	NextHearing     *time.Time
	HearingStrategy string
}

func (p Portal) Inspect(ctx context.Context, doc *goquery.Document, caseID scrape.CaseID, asOf time.Time) Inspection {
	result := Inspection{
		Category: p.Classify(doc),
		Banner:   p.Banner(doc),
	}
	switch result.Category {
	case scrape.PageWelcome:
		result.WelcomeEntry, _ = p.WelcomeEntry(doc)
	case scrape.PageResultsListing:
		if caseID != "" {
			listing := p.FindCaseLinks(ctx, doc, caseID)
			result.Listing = &listing
		}
	case scrape.PageCaseDetail:
		result.Parties, result.PartiesErr = ExtractParties(doc)
		result.NextHearing, result.HearingStrategy = extractNextHearing(doc, asOf, p.location)
	}
	return result
}
