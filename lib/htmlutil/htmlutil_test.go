package htmlutil

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestNodeTextSeparatesCells(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<table><tr><td>01/15/2025</td><td>Arraignment</td></tr></table>
		<script>var x = "01/01/2020";</script>`))
	require.NoError(t, err)

	require.Equal(t, "01/15/2025 Arraignment", SelectionText(doc.Find("table")))
	require.NotContains(t, SelectionText(doc.Find("body")), "2020")
}

func TestGetAnchors(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<a href="/case/1">  24-CR-0001
		</a><a>no href</a>`))
	require.NoError(t, err)

	anchors := GetAnchors(context.Background(), doc.Find("a"))
	require.Len(t, anchors, 2)
	require.Equal(t, "24-CR-0001", anchors[0].Name)
	require.Equal(t, "/case/1", anchors[0].Href)
	require.Equal(t, "", anchors[1].Href)
}
