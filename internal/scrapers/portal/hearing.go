package portal

import (
	"regexp"
	"time"

	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

type hearingStrategy struct {
	name string
	find func(doc *goquery.Document, loc *time.Location) []time.Time
}

// tried in order, the first strategy that finds any date decides the result.
var hearingStrategies = []hearingStrategy{
	{name: "heading_tables", find: headingTables},
	{name: "all_tables", find: allTables},
	{name: "free_text", find: freeText},
}

const (
	headingSelector   = "h1, h2, h3, h4, h5, h6, caption, legend, th, strong, b, [role=heading], .ssSectionHeader, .section-title"
	maxHeadingLength  = 80
	maxSiblingWalk    = 6
	maxAncestorClimbs = 3
)

var hearingKeywords = regexp.MustCompile(`(?i)\b(hearings?|events?|calendar|schedules?|settings?)\b`)

// ExtractNextHearing returns the earliest hearing on or after the day of asOf,
// nil when the page lists none.
func ExtractNextHearing(doc *goquery.Document, asOf time.Time, loc *time.Location) *time.Time {
	at, _ := extractNextHearing(doc, asOf, loc)
	return at
}

func extractNextHearing(doc *goquery.Document, asOf time.Time, loc *time.Location) (*time.Time, string) {
	if loc == nil {
		loc = time.UTC
	}
	for _, s := range hearingStrategies {
		candidates := s.find(doc, loc)
		if len(candidates) == 0 {
			continue
		}
		return earliestFrom(candidates, asOf.In(loc)), s.name
	}
	return nil, ""
}

func earliestFrom(candidates []time.Time, asOf time.Time) *time.Time {
	cutoff := chrono.StartOfDay(asOf)
	var best *time.Time
	for _, c := range candidates {
		if chrono.StartOfDay(c).Before(cutoff) {
			continue
		}
		if best == nil || c.Before(*best) {
			found := c
			best = &found
		}
	}
	return best
}

func headingTables(doc *goquery.Document, loc *time.Location) []time.Time {
	seen := map[*html.Node]bool{}
	var out []time.Time
	doc.Find(headingSelector).Each(func(_ int, heading *goquery.Selection) {
		text := htmlutil.SelectionText(heading)
		if len(text) > maxHeadingLength || !hearingKeywords.MatchString(text) {
			return
		}
		table := nearestTable(heading)
		if table == nil || seen[table.Get(0)] {
			return
		}
		seen[table.Get(0)] = true
		out = append(out, scanTable(table, loc)...)
	})
	return out
}

// nearestTable looks for the table a heading introduces: the table it sits
// in, the next sibling tables and then the same from each ancestor.
func nearestTable(heading *goquery.Selection) *goquery.Selection {
	if enclosing := heading.Closest("table"); enclosing.Length() > 0 {
		return enclosing.First()
	}
	current := heading
	for climb := 0; climb <= maxAncestorClimbs && current.Length() > 0; climb++ {
		sibling := current.Next()
		for i := 0; i < maxSiblingWalk && sibling.Length() > 0; i++ {
			if goquery.NodeName(sibling) == "table" {
				return sibling
			}
			if inner := sibling.Find("table"); inner.Length() > 0 {
				return inner.First()
			}
			sibling = sibling.Next()
		}
		current = current.Parent()
		if goquery.NodeName(current) == "body" {
			break
		}
	}
	return nil
}

// scanTable reads a table row by row so a date and a time in adjacent cells
// are seen together.
func scanTable(table *goquery.Selection, loc *time.Location) []time.Time {
	var out []time.Time
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		out = append(out, ParseDates(htmlutil.SelectionText(row.Children()), loc)...)
	})
	return out
}

func allTables(doc *goquery.Document, loc *time.Location) []time.Time {
	var out []time.Time
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		out = append(out, scanTable(table, loc)...)
	})
	return out
}

func freeText(doc *goquery.Document, loc *time.Location) []time.Time {
	return ParseLooseDates(htmlutil.SelectionText(doc.Find("body")), loc)
}
