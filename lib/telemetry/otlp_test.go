package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpointProtocol(t *testing.T) {
	testCases := []struct {
		name     string
		endpoint Endpoint
		expected exportProtocol
		url      string
	}{
		{name: "nothing set", expected: exportDisabled},
		{
			name:     "http only",
			endpoint: Endpoint{HttpEndpoint: "http://localhost:4318"},
			expected: exportHttp,
			url:      "http://localhost:4318",
		},
		{
			name: "grpc wins",
			endpoint: Endpoint{
				GrpcEndpoint: "http://localhost:4317",
				HttpEndpoint: "http://localhost:4318",
			},
			expected: exportGrpc,
			url:      "http://localhost:4317",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.endpoint.protocol())
			require.Equal(t, tc.url, tc.endpoint.url())
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	require.Equal(t, "AlwaysOnSampler", Config{}.sampler().Description())
	require.Equal(t, "AlwaysOnSampler", Config{SampleRatio: 1.5}.sampler().Description())
	require.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")

	require.Equal(t, 5*time.Second, Config{}.metricInterval())
	require.Equal(t, time.Minute, Config{MetricIntervalSeconds: 60}.metricInterval())
}

func TestSetupWithoutEndpoints(t *testing.T) {
	require.NoError(t, Setup(context.Background(), "courtwatch-test", Config{}))
	providersMu.Lock()
	require.Nil(t, tracerProvider)
	require.Nil(t, meterProvider)
	providersMu.Unlock()
	require.NoError(t, Shutdown(context.Background()))
}
