package portal

import (
	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/lib/htmlutil"
	"courtwatch-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

type rule struct {
	category scrape.PageCategory
	matches  func(p Portal, doc *goquery.Document, body string) bool
}

// the first matching rule wins, a search form page also carries the
// "Search Cases" navigation so it must come before the welcome rule.
var rules = []rule{
	{scrape.PageSearchForm, func(p Portal, doc *goquery.Document, _ string) bool {
		return doc.Find(p.profile.SearchInput).Length() > 0
	}},
	{scrape.PageCaseDetail, func(p Portal, _ *goquery.Document, body string) bool {
		return textutil.MatchName(body, p.detail)
	}},
	{scrape.PageResultsListing, func(p Portal, _ *goquery.Document, body string) bool {
		return textutil.MatchName(body, p.results) || textutil.MatchName(body, p.noRecords)
	}},
	{scrape.PageWelcome, func(p Portal, doc *goquery.Document, _ string) bool {
		_, ok := p.WelcomeEntry(doc)
		return ok
	}},
}

// Classify maps a document to the workflow stage it represents. It never fails,
// pages that are mid-transition or of an unknown layout are PageUnrecognized.
func (p Portal) Classify(doc *goquery.Document) scrape.PageCategory {
	if doc == nil {
		return scrape.PageUnrecognized
	}
	body := htmlutil.SelectionText(doc.Find("body"))
	for _, r := range rules {
		if r.matches(p, doc, body) {
			return r.category
		}
	}
	return scrape.PageUnrecognized
}

// WelcomeEntry returns the visible text of the first element that leads into
// the case search.
func (p Portal) WelcomeEntry(doc *goquery.Document) (string, bool) {
	found := ""
	doc.Find(p.profile.WelcomeLinks).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := htmlutil.SelectionText(s)
		name := textutil.NormalizeName(text)
		for _, w := range p.welcome {
			if w != "" && name == w {
				found = text
				return false
			}
		}
		return true
	})
	return found, found != ""
}

// Banner returns the text of the error and warning banners on the page, empty
// if there are none. Hidden banners are templates and are ignored.
func (p Portal) Banner(doc *goquery.Document) string {
	if p.profile.ErrorBanners == "" {
		return ""
	}
	banners := doc.Find(p.profile.ErrorBanners).FilterFunction(func(_ int, s *goquery.Selection) bool {
		if _, hidden := s.Attr("hidden"); hidden {
			return false
		}
		style := textutil.NormalizeName(s.AttrOr("style", ""))
		return !textutil.MatchName(style, []string{"display:none", "visibility:hidden"})
	})
	return htmlutil.SelectionText(banners)
}
