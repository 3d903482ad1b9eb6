// Package portaltest serves a small imitation of the court portal for tests,
// laid out the way portal.DefaultProfile expects.
package portaltest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

type Case struct {
	ID         string
	Prosecutor string
	Defendant  string
	// Hearings are written verbatim into the events table.
	Hearings []string
	// Notes is free text placed below the tables.
	Notes string
	// Banner renders an error banner on the detail page.
	Banner string
	// Unlisted cases are never returned by a search.
	Unlisted bool
	// Duplicated cases are listed twice in the results.
	Duplicated bool
	// Stall makes the detail page an empty shell that never finishes rendering.
	Stall bool
	// LabelledParties puts every party in its own section under a heading
	// instead of one plain list.
	LabelledParties bool
}

// Server counts requests per path so tests can assert how far a scrape got.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	cases map[string]Case
	hits  map[string]int
}

func NewServer(cases ...Case) *Server {
	s := &Server{
		cases: map[string]Case{},
		hits:  map[string]int{},
	}
	for _, c := range cases {
		s.cases[c.ID] = c
	}

	router := mux.NewRouter()
	router.Use(s.count)
	router.HandleFunc("/", s.welcome).Methods(http.MethodGet)
	router.HandleFunc("/search", s.search).Methods(http.MethodGet)
	router.HandleFunc("/results", s.results).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/case/{id}", s.detail).Methods(http.MethodGet)

	s.Server = httptest.NewServer(router)
	return s
}

func (s *Server) Put(c Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c
}

func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func write(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, body)
}

func (s *Server) welcome(w http.ResponseWriter, r *http.Request) {
	write(w, WelcomePage())
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	write(w, SearchPage())
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(r.Form.Get(SearchField))

	s.mu.Lock()
	var ids []string
	for id, c := range s.cases {
		if c.Unlisted || query == "" || !strings.Contains(id, query) {
			continue
		}
		ids = append(ids, id)
		if c.Duplicated {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(ids)
	write(w, ResultsPage(ids))
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	c, ok := s.cases[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if c.Stall {
		write(w, `<html><body><div class="loading"></div></body></html>`)
		return
	}
	write(w, DetailPage(c))
}

const SearchField = "caseCriteria.SearchCriteria"

func WelcomePage() string {
	return `<html><head><title>Portal</title></head><body>
<header><h1>Court Records Portal</h1></header>
<main>
	<p>Welcome. Public records are available during business hours.</p>
	<a class="portlet" href="/search">Search Cases</a>
	<a class="portlet" href="/payments">Pay Citations</a>
</main>
</body></html>`
}

func SearchPage() string {
	return `<html><head><title>Smart Search</title></head><body>
<nav><a href="/search">Search Cases</a></nav>
<form id="SmartSearchForm" action="/results" method="post">
	<label for="caseCriteria_SearchCriteria">Search Criteria</label>
	<input id="caseCriteria_SearchCriteria" type="text" name="caseCriteria.SearchCriteria" value="">
	<input type="hidden" name="caseCriteria.SearchBy" value="SmartSearch">
	<input id="btnSSSubmit" type="submit" value="Submit">
</form>
</body></html>`
}

func ResultsPage(ids []string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Results</title></head><body>
<nav><a href="/search">Search Cases</a></nav>
<h2>Search Results</h2>
<table id="CasesGrid"><thead><tr><th>Case Number</th><th>Style</th></tr></thead><tbody>`)
	if len(ids) == 0 {
		b.WriteString(`<tr><td colspan="2">No Records Found</td></tr>`)
	}
	for _, id := range ids {
		escaped := html.EscapeString(id)
		fmt.Fprintf(&b, `<tr><td><a class="caseLink" href="/case/%s">%s</a></td><td>State vs. someone</td></tr>`,
			url.PathEscape(id), escaped,
		)
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

func DetailPage(c Case) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Case</title></head><body>
<nav><a href="/search">Search Cases</a></nav>`)
	if c.Banner != "" {
		fmt.Fprintf(&b, `<div class="alert alert-danger">%s</div>`, html.EscapeString(c.Banner))
	}
	b.WriteString(`<div class="alert alert-warning" style="display: none">Template</div>`)
	fmt.Fprintf(&b, `<h2>Case Information</h2>
<div class="roa-section"><span>Case Number</span> <span>%s</span></div>
<div><span>Case Type:</span> <span>Criminal</span></div>
<h2>Party Information</h2>`, html.EscapeString(c.ID))
	if c.LabelledParties {
		writeLabelledParty(&b, "Plaintiff", c.Prosecutor, "Prosecution")
		writeLabelledParty(&b, "Defendant Details", c.Defendant, "Defendant")
	} else {
		b.WriteString(`<div class="party">`)
		if c.Prosecutor != "" {
			fmt.Fprintf(&b, `<p>%s - Prosecution</p>`, html.EscapeString(c.Prosecutor))
		}
		if c.Defendant != "" {
			fmt.Fprintf(&b, `<p>%s - Defendant</p>`, html.EscapeString(c.Defendant))
		}
		b.WriteString(`</div>`)
	}
	b.WriteString(`
<h2>Events and Hearings</h2>
<div class="roa-table"><table><tbody>`)
	for _, h := range c.Hearings {
		fmt.Fprintf(&b, `<tr><td>%s</td><td>Hearing</td></tr>`, html.EscapeString(h))
	}
	b.WriteString(`</tbody></table></div>`)
	if c.Notes != "" {
		fmt.Fprintf(&b, `<p>%s</p>`, html.EscapeString(c.Notes))
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// writeLabelledParty renders a section whose heading shares a parent with the
// party line, the way county portals that group parties by role do.
func writeLabelledParty(b *strings.Builder, label, name, role string) {
	if name == "" {
		return
	}
	fmt.Fprintf(b, `<div class="party-section"><h4>%s</h4><p>%s - %s</p></div>`,
		html.EscapeString(label), html.EscapeString(name), role,
	)
}
