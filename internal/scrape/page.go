package scrape

// PageCategory is derived from the current document on every step, it is never persisted.
type PageCategory int

const (
	PageUnrecognized PageCategory = iota
	PageWelcome
	PageSearchForm
	PageResultsListing
	PageCaseDetail
)

func (c PageCategory) String() string {
	switch c {
	case PageWelcome:
		return "welcome"
	case PageSearchForm:
		return "search_form"
	case PageResultsListing:
		return "results_listing"
	case PageCaseDetail:
		return "case_detail"
	default:
		return "unrecognized"
	}
}
