// Package portal understands the pages of the court case portal: which stage of
// the search workflow a document is, where the actionable controls are and how
// to pull hearing dates and party names out of the case detail page.
package portal

import (
	"fmt"
	"regexp"
	"time"

	"courtwatch-backend/lib/chrono"
	"courtwatch-backend/lib/textutil"

	"dario.cat/mergo"
)

// Profile is the site specific configuration of a portal. Selectors are CSS
// selectors, markers are matched case-insensitively against the page text.
type Profile struct {
	EntryURL string `json:"entry_url"`
	Timezone string `json:"timezone"`

	SearchInput  string `json:"search_input"`
	SearchSubmit string `json:"search_submit"`

	// WelcomeLinks selects the candidate entry points on the landing page,
	// WelcomeTexts is what one of them must read.
	WelcomeLinks string   `json:"welcome_links"`
	WelcomeTexts []string `json:"welcome_texts"`

	DetailMarkers    []string `json:"detail_markers"`
	ResultsMarkers   []string `json:"results_markers"`
	NoRecordsMarkers []string `json:"no_records_markers"`

	DetailLinks   string `json:"detail_links"`
	ErrorBanners  string `json:"error_banners"`
	CaseIDPattern string `json:"case_id_pattern"`
}

// Merge overwrites every field override sets, lists are replaced whole.
func (p *Profile) Merge(override Profile) error {
	return mergo.Merge(p, override, mergo.WithOverride)
}

// DefaultProfile matches the Tyler Odyssey style portal most counties run.
func DefaultProfile() Profile {
	return Profile{
		EntryURL:         "https://portal-nc.tylertech.cloud/Portal/Home/Dashboard/29",
		Timezone:         "America/New_York",
		SearchInput:      `input[name="caseCriteria.SearchCriteria"]`,
		SearchSubmit:     `#btnSSSubmit`,
		WelcomeLinks:     `a, button, [role="button"]`,
		WelcomeTexts:     []string{"Search Cases", "Smart Search"},
		DetailMarkers:    []string{"Case Type:", "Case Information"},
		ResultsMarkers:   []string{"Search Results"},
		NoRecordsMarkers: []string{"No Records Found", "No cases match your search"},
		DetailLinks:      `a.caseLink`,
		ErrorBanners:     `.alert-danger, .alert-warning, .validation-summary-errors`,
		CaseIDPattern:    `^\d{2}[A-Z]{2,3}\d{3,7}(-\d{2,4})?$`,
	}
}

// Portal is a compiled Profile.
type Portal struct {
	profile   Profile
	location  *time.Location
	caseID    *regexp.Regexp
	welcome   []string
	detail    []string
	results   []string
	noRecords []string
}

func New(profile Profile) (Portal, error) {
	if profile.SearchInput == "" || profile.DetailLinks == "" {
		return Portal{}, fmt.Errorf("portal profile needs at least search_input and detail_links")
	}
	pattern, err := regexp.Compile(profile.CaseIDPattern)
	if err != nil {
		return Portal{}, fmt.Errorf("compile case id pattern: %w", err)
	}
	loc, err := chrono.LoadLocation(profile.Timezone)
	if err != nil {
		return Portal{}, fmt.Errorf("load portal timezone: %w", err)
	}
	if profile.WelcomeLinks == "" {
		profile.WelcomeLinks = "a, button"
	}

	return Portal{
		profile:   profile,
		location:  loc,
		caseID:    pattern,
		welcome:   textutil.NormalizeAll(profile.WelcomeTexts),
		detail:    textutil.NormalizeAll(profile.DetailMarkers),
		results:   textutil.NormalizeAll(profile.ResultsMarkers),
		noRecords: textutil.NormalizeAll(profile.NoRecordsMarkers),
	}, nil
}

func (p Portal) Profile() Profile {
	return p.profile
}

// Location is the timezone the portal renders its dates in.
func (p Portal) Location() *time.Location {
	return p.location
}

// IsCaseID reports whether s looks like a case number of this portal.
func (p Portal) IsCaseID(s string) bool {
	return p.caseID.MatchString(s)
}
