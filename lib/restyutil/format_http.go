package restyutil

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
)

// portal session cookies are as good as a login, dumps never keep them
var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
}

func formatHeaders(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range headers[k] {
			if redactedHeaders[http.CanonicalHeaderKey(k)] {
				v = "<redacted>"
			}
			lines = append(lines, k+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

func requestBody(req *http.Request) string {
	if req == nil || req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Sprintf("<request body unavailable: %v>", err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("<request body unreadable: %v>", err)
	}
	return string(raw)
}

// finalURL is where the exchange ended up after following redirects.
func finalURL(res *resty.Response) string {
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		return res.RawResponse.Request.URL.String()
	}
	return res.Request.URL
}

func writeSection(b *strings.Builder, title, startLine, headers, body string) {
	fmt.Fprintf(b, "---- %s ----\n\n%s\n", title, startLine)
	if headers != "" {
		b.WriteString("\n" + headers + "\n")
	}
	if body != "" {
		b.WriteString("\n" + body + "\n")
	}
}

// formatExchange renders a request and its response the way a portal page
// would be debugged by hand: start line, headers, then the body.
func formatExchange(res *resty.Response) string {
	var b strings.Builder
	var reqHeaders http.Header
	if res.Request.RawRequest != nil {
		reqHeaders = res.Request.RawRequest.Header
	}
	writeSection(&b, "REQUEST",
		res.Request.Method+" "+res.Request.URL,
		formatHeaders(reqHeaders),
		requestBody(res.Request.RawRequest),
	)
	b.WriteString("\n")
	writeSection(&b, "RESPONSE",
		fmt.Sprintf("%d %s", res.StatusCode(), finalURL(res)),
		formatHeaders(res.Header()),
		res.String(),
	)
	return b.String()
}
