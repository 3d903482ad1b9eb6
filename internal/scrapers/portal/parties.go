package portal

import (
	"fmt"
	"regexp"
	"strings"

	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

type Parties struct {
	Prosecutor string
	Defendant  string
}

var (
	partyLine  = regexp.MustCompile(`(?i)^(.+?)\s*-\s*(defendant|prosecution)$`)
	roleMarker = regexp.MustCompile(`(?i)-\s*(defendant|prosecution)\b`)
)

// partyOf matches the text of s against partyLine, ok is false for
// anything that is not a single party line.
func partyOf(s *goquery.Selection) (name, role string, ok bool) {
	text := htmlutil.SelectionText(s)
	if text == "" {
		return "", "", false
	}
	m := partyLine.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	name = strings.TrimSpace(m[1])
	// an element wrapping several party lines reads as one long "name"
	if name == "" || roleMarker.MatchString(name) {
		return "", "", false
	}
	return name, strings.ToLower(m[2]), true
}

// hasPartyDescendant reports whether a party line sits in an element below
// s, the text of s then carries the labels around that line.
func hasPartyDescendant(s *goquery.Selection) bool {
	found := false
	s.Find("*").EachWithBreak(func(_ int, d *goquery.Selection) bool {
		_, _, found = partyOf(d)
		return !found
	})
	return found
}

// ExtractParties reads the "<name> - Defendant" and "<name> - Prosecution"
// lines of a case detail page, taking the innermost element that holds each
// line. Both are required, a missing one is an ErrExtraction.
func ExtractParties(doc *goquery.Document) (Parties, error) {
	var parties Parties
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		switch goquery.NodeName(s) {
		case "script", "style", "noscript":
			return true
		}
		name, role, ok := partyOf(s)
		if !ok || hasPartyDescendant(s) {
			return true
		}
		switch role {
		case "defendant":
			if parties.Defendant == "" {
				parties.Defendant = name
			}
		case "prosecution":
			if parties.Prosecutor == "" {
				parties.Prosecutor = name
			}
		}
		return parties.Defendant == "" || parties.Prosecutor == ""
	})

	var missing []string
	if parties.Prosecutor == "" {
		missing = append(missing, "prosecution")
	}
	if parties.Defendant == "" {
		missing = append(missing, "defendant")
	}
	if len(missing) > 0 {
		return parties, fmt.Errorf("%w: no party marked %s", scrape.ErrExtraction, strings.Join(missing, " or "))
	}
	return parties, nil
}
