package restyutil

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

type memoryOutput struct {
	mu       sync.Mutex
	messages map[string]string
}

func (o *memoryOutput) Write(id, contents string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages[id] = contents
}

func TestFormatHeaders(t *testing.T) {
	out := formatHeaders(http.Header{
		"X-Case":     []string{"24CR001234"},
		"Cookie":     []string{"ASP.NET_SessionId=secret"},
		"Accept":     []string{"text/html", "application/xhtml+xml"},
		"Set-Cookie": []string{"token=secret"},
	})
	require.Equal(t, strings.Join([]string{
		"Accept: text/html",
		"Accept: application/xhtml+xml",
		"Cookie: <redacted>",
		"Set-Cookie: <redacted>",
		"X-Case: 24CR001234",
	}, "\n"), out)
	require.Empty(t, formatHeaders(http.Header{}))
}

func TestInstrumentClientDumpsExchanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer server.Close()

	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(previous)

	output := &memoryOutput{messages: map[string]string{}}
	client := resty.New()
	InstrumentClient(client, nil, output)

	res, err := client.R().
		SetHeader("Cookie", "ASP.NET_SessionId=secret").
		SetFormData(map[string]string{"caseCriteria.SearchCriteria": "24CR001234"}).
		Post(server.URL + "/results")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())
	require.Equal(t, "<html>ok</html>", res.String())

	output.mu.Lock()
	defer output.mu.Unlock()
	require.Len(t, output.messages, 1)
	dump := output.messages["1"]
	require.True(t, strings.HasPrefix(dump, "---- REQUEST ----\n\nPOST "+server.URL+"/results\n"), dump)
	require.Contains(t, dump, "Cookie: <redacted>")
	require.NotContains(t, dump, "secret")
	require.Contains(t, dump, "caseCriteria.SearchCriteria=24CR001234")
	require.Contains(t, dump, "---- RESPONSE ----\n\n200 "+server.URL+"/results\n")
	require.True(t, strings.HasSuffix(dump, "<html>ok</html>\n"), dump)
}

func TestFilesystemOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "http")
	out, err := NewFilesystemOutput(dir)
	require.NoError(t, err)

	out.Write("1", "---- REQUEST ----")
	contents, err := os.ReadFile(filepath.Join(dir, "1"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(contents), "---- REQUEST"))
}
