package portal

import (
	"context"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/lib/htmlutil"
	"courtwatch-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

type Listing struct {
	// Entries are the detail links that carry a case number.
	Entries []htmlutil.Anchor
	// Matches are the entries whose case number is the one searched for, in document order.
	Matches []htmlutil.Anchor
	// NoRecords is set when the portal explicitly says the search found nothing.
	NoRecords bool
}

// Closest returns the entry most similar to caseID, for error messages.
func (l Listing) Closest(caseID scrape.CaseID) (string, float64) {
	target := textutil.NormalizeName(string(caseID))
	best := ""
	bestScore := 0.0
	for _, e := range l.Entries {
		score := matchr.JaroWinkler(textutil.NormalizeName(e.Name), target, false)
		if score > bestScore {
			best = e.Name
			bestScore = score
		}
	}
	return best, bestScore
}

// FindCaseLinks reads a results listing looking for the detail link of caseID.
func (p Portal) FindCaseLinks(ctx context.Context, doc *goquery.Document, caseID scrape.CaseID) Listing {
	target := textutil.NormalizeName(string(caseID))

	var listing Listing
	for _, a := range htmlutil.GetAnchors(ctx, doc.Find(p.profile.DetailLinks)) {
		if !p.caseID.MatchString(a.Name) && textutil.NormalizeName(a.Name) != target {
			continue
		}
		listing.Entries = append(listing.Entries, a)
		if textutil.NormalizeName(a.Name) == target {
			listing.Matches = append(listing.Matches, a)
		}
	}
	body := htmlutil.SelectionText(doc.Find("body"))
	listing.NoRecords = textutil.MatchName(body, p.noRecords)
	return listing
}
