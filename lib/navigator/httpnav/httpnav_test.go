package httpnav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"courtwatch-backend/internal/scrapers/portal/portaltest"
	"courtwatch-backend/lib/navigator"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestWalkPortal(t *testing.T) {
	server := portaltest.NewServer(portaltest.Case{
		ID:         "24CR001234",
		Prosecutor: "State",
		Defendant:  "DOE, JOHN",
	})
	defer server.Close()

	ctx := context.Background()
	driver := NewDriver(Options{})
	defer driver.Close()

	nav, err := driver.Open(ctx, server.URL+"/")
	require.NoError(t, err)
	require.EqualValues(t, 1, nav.Generation())
	<-nav.Loads()

	require.NoError(t, nav.ClickText(ctx, "a", " search  CASES"))
	require.EqualValues(t, 2, nav.Generation())

	require.NoError(t, nav.Fill(ctx, `input[name="caseCriteria.SearchCriteria"]`, "24CR001234"))
	doc, err := nav.Document(ctx)
	require.NoError(t, err)
	require.Equal(t, "24CR001234", doc.Find(`input[name="caseCriteria.SearchCriteria"]`).AttrOr("value", ""))

	require.NoError(t, nav.Submit(ctx, "#btnSSSubmit"))
	require.Equal(t, 1, server.Hits("/results"))

	doc, err = nav.Document(ctx)
	require.NoError(t, err)
	require.Equal(t, "24CR001234", doc.Find("a.caseLink").Text())

	require.NoError(t, nav.Click(ctx, "a.caseLink"))
	doc, err = nav.Document(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Find(".party").Text(), "DOE, JOHN - Defendant")
	require.EqualValues(t, 4, nav.Generation())
}

func TestClickErrors(t *testing.T) {
	server := portaltest.NewServer()
	defer server.Close()

	ctx := context.Background()
	driver := NewDriver(Options{})
	defer driver.Close()

	nav, err := driver.Open(ctx, server.URL+"/")
	require.NoError(t, err)

	err = nav.Click(ctx, "#missing")
	require.ErrorIs(t, err, navigator.ErrElementNotFound)

	err = nav.ClickText(ctx, "a", "Search")
	require.ErrorIs(t, err, navigator.ErrElementNotFound)

	err = nav.Click(ctx, "main p")
	require.Error(t, err)

	err = nav.Submit(ctx, "a")
	require.ErrorIs(t, err, navigator.ErrElementNotFound)
}

func TestSessionSurvivesNavigationButNotClose(t *testing.T) {
	server := portaltest.NewServer()
	defer server.Close()

	ctx := context.Background()
	driver := NewDriver(Options{})
	defer driver.Close()

	nav, err := driver.Open(ctx, server.URL+"/")
	require.NoError(t, err)
	require.NoError(t, nav.Session().Set(ctx, "step", "running"))

	require.NoError(t, nav.ClickText(ctx, "a", "Search Cases"))
	value, ok, err := nav.Session().Get(ctx, "step")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "running", value)

	require.NoError(t, nav.Close())
	<-nav.Done()
	_, ok, _ = nav.Session().Get(ctx, "step")
	require.False(t, ok)

	_, err = nav.Document(ctx)
	require.ErrorIs(t, err, navigator.ErrClosed)
	err = nav.ClickText(ctx, "a", "Search Cases")
	require.ErrorIs(t, err, navigator.ErrClosed)
}

func TestDriverCloseClosesContexts(t *testing.T) {
	server := portaltest.NewServer()
	defer server.Close()

	ctx := context.Background()
	driver := NewDriver(Options{RequestsPerSecond: 50})

	first, err := driver.Open(ctx, server.URL+"/")
	require.NoError(t, err)
	second, err := driver.Open(ctx, server.URL+"/search")
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())

	require.NoError(t, driver.Close())
	<-first.Done()
	<-second.Done()

	_, err = driver.Open(ctx, server.URL+"/")
	require.ErrorIs(t, err, navigator.ErrClosed)
}

func TestOpenFailure(t *testing.T) {
	driver := NewDriver(Options{})
	defer driver.Close()

	_, err := driver.Open(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
}

func TestGetFormAndSelects(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/find" {
			query = r.URL.RawQuery
		}
		w.Write([]byte(`<html><body><form action="/find">
			<input name="q" value="x">
			<input type="checkbox" name="open" checked>
			<input type="checkbox" name="closed">
			<select name="court"><option value="d">District</option><option value="s" selected>Superior</option></select>
			<input type="submit" name="go" value="Go">
			<button type="button" name="noop" value="1">Other</button>
		</form></body></html>`))
	}))
	defer server.Close()

	ctx := context.Background()
	driver := NewDriver(Options{})
	defer driver.Close()

	nav, err := driver.Open(ctx, server.URL+"/")
	require.NoError(t, err)
	require.NoError(t, nav.Submit(ctx, `input[name="go"]`))
	require.Equal(t, "court=s&go=Go&open=on&q=x", query)

	doc, err := nav.Document(ctx)
	require.NoError(t, err)
	require.IsType(t, &goquery.Document{}, doc)
}
