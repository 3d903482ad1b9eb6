package portal

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	numericDate = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})\b(?:\s+(\d{1,2}):(\d{2})\s*([AaPp][Mm])\b)?`)
	isoDate     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	longDate    = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2}),\s*(\d{4})\b`)

	// free text is less disciplined than table cells
	looseLongDate = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	looseDashDate = regexp.MustCompile(`\b(\d{1,2})-(\d{1,2})-(\d{4})\b`)
)

var monthPrefixes = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"mar": time.March,
	"apr": time.April,
	"may": time.May,
	"jun": time.June,
	"jul": time.July,
	"aug": time.August,
	"sep": time.September,
	"oct": time.October,
	"nov": time.November,
	"dec": time.December,
}

func parseMonthName(name string) (time.Month, bool) {
	name = strings.ToLower(name)
	if len(name) < 3 {
		return 0, false
	}
	m, ok := monthPrefixes[name[:3]]
	return m, ok
}

// expandYear maps two digit years onto 1950-2049.
func expandYear(raw string) (int, bool) {
	year, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	if len(raw) == 2 {
		if year < 50 {
			return 2000 + year, true
		}
		return 1900 + year, true
	}
	return year, true
}

// makeDate builds the timestamp and rejects anything time.Date had to
// normalize, which is how 02/30/2025 gets discarded.
func makeDate(year int, month time.Month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Year() != year || t.Month() != month || t.Day() != day || t.Hour() != hour || t.Minute() != minute {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func parseClock(hourRaw, minuteRaw, meridiem string) (int, int, bool) {
	if hourRaw == "" {
		return 0, 0, true
	}
	hour := atoi(hourRaw)
	minute := atoi(minuteRaw)
	if hour < 1 || hour > 12 {
		return 0, 0, false
	}
	hour = hour % 12
	if strings.EqualFold(meridiem, "pm") {
		hour += 12
	}
	return hour, minute, true
}

type dateCandidate struct {
	at    time.Time
	index int
}

func numericCandidates(text string, loc *time.Location) []dateCandidate {
	var out []dateCandidate
	for _, m := range numericDate.FindAllStringSubmatchIndex(text, -1) {
		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return text[m[2*i]:m[2*i+1]]
		}
		year, ok := expandYear(group(3))
		if !ok {
			continue
		}
		hour, minute, ok := parseClock(group(4), group(5), group(6))
		if !ok {
			continue
		}
		t, ok := makeDate(year, time.Month(atoi(group(1))), atoi(group(2)), hour, minute, loc)
		if !ok {
			continue
		}
		out = append(out, dateCandidate{at: t, index: m[0]})
	}
	return out
}

func isoCandidates(text string, loc *time.Location) []dateCandidate {
	var out []dateCandidate
	for _, m := range isoDate.FindAllStringSubmatchIndex(text, -1) {
		t, ok := makeDate(
			atoi(text[m[2]:m[3]]),
			time.Month(atoi(text[m[4]:m[5]])),
			atoi(text[m[6]:m[7]]),
			0, 0, loc,
		)
		if ok {
			out = append(out, dateCandidate{at: t, index: m[0]})
		}
	}
	return out
}

// monthDayYear handles patterns whose groups are (month name, day, year).
func monthDayYear(pattern *regexp.Regexp, text string, loc *time.Location) []dateCandidate {
	var out []dateCandidate
	for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
		month, ok := parseMonthName(text[m[2]:m[3]])
		if !ok {
			continue
		}
		t, ok := makeDate(atoi(text[m[6]:m[7]]), month, atoi(text[m[4]:m[5]]), 0, 0, loc)
		if ok {
			out = append(out, dateCandidate{at: t, index: m[0]})
		}
	}
	return out
}

func dashCandidates(text string, loc *time.Location) []dateCandidate {
	var out []dateCandidate
	for _, m := range looseDashDate.FindAllStringSubmatchIndex(text, -1) {
		t, ok := makeDate(
			atoi(text[m[6]:m[7]]),
			time.Month(atoi(text[m[2]:m[3]])),
			atoi(text[m[4]:m[5]]),
			0, 0, loc,
		)
		if ok {
			out = append(out, dateCandidate{at: t, index: m[0]})
		}
	}
	return out
}

func collect(candidates ...[]dateCandidate) []time.Time {
	var all []dateCandidate
	for _, c := range candidates {
		all = append(all, c...)
	}
	// keep the order the dates appear in the text
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].index < all[j-1].index; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) == 0 {
		return nil
	}
	out := make([]time.Time, len(all))
	for i, c := range all {
		out[i] = c.at
	}
	return out
}

// ParseDates finds every valid date in text written as MM/DD/YYYY with an
// optional HH:MM AM|PM, "Month DD, YYYY" or YYYY-MM-DD. Dates without a time
// are at midnight in loc.
func ParseDates(text string, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return collect(
		numericCandidates(text, loc),
		isoCandidates(text, loc),
		monthDayYear(longDate, text, loc),
	)
}

// ParseLooseDates is ParseDates plus abbreviated month names, ordinal days,
// a missing comma and MM-DD-YYYY.
func ParseLooseDates(text string, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return collect(
		numericCandidates(text, loc),
		isoCandidates(text, loc),
		monthDayYear(looseLongDate, text, loc),
		dashCandidates(text, loc),
	)
}

// FormatDate renders t the way the portal's tables do, ParseDates(FormatDate(t))
// yields t again.
func FormatDate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 {
		return t.Format("01/02/2006")
	}
	return t.Format("01/02/2006 03:04 PM")
}
