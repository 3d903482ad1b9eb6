package serviceutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/require"
)

func TestAccessToken(t *testing.T) {
	echo := func(context.Context, connect.AnyRequest) (connect.AnyResponse, error) {
		return connect.NewResponse(&struct{}{}), nil
	}

	testCases := []struct {
		name     string
		expected string
		provided string
		code     connect.Code
	}{
		{name: "disabled", expected: "", provided: "", code: 0},
		{name: "matching", expected: "secret", provided: "secret", code: 0},
		{name: "missing", expected: "secret", provided: "", code: connect.CodeUnauthenticated},
		{name: "wrong", expected: "secret", provided: "other", code: connect.CodeUnauthenticated},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			call := ProvideAccessTokenInterceptor(tc.provided)(
				VerifyAccessTokenInterceptor(tc.expected)(echo),
			)
			_, err := call(context.Background(), connect.NewRequest(&struct{}{}))
			if tc.code == 0 {
				require.NoError(t, err)
				return
			}
			require.Equal(t, tc.code, connect.CodeOf(err))
		})
	}
}

func TestRouter(t *testing.T) {
	router := NewRouter()
	Mount(router, "/svc/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))

	server := httptest.NewServer(router)
	defer server.Close()

	testCases := []struct {
		path   string
		status int
		body   string
	}{
		{path: "/healthz", status: http.StatusOK, body: "ok"},
		{path: "/svc/Method", status: http.StatusOK, body: "/svc/Method"},
		{path: "/other", status: http.StatusNotFound},
	}
	for _, tc := range testCases {
		res, err := server.Client().Get(server.URL + tc.path)
		require.NoError(t, err)
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.NoError(t, err)
		require.Equal(t, tc.status, res.StatusCode, tc.path)
		if tc.body != "" {
			require.Equal(t, tc.body, string(body), tc.path)
		}
	}
}

func TestStartHttpServerStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- StartHttpServer(ctx, 0, NewRouter())
	}()
	cancel()
	require.NoError(t, <-done)
}
