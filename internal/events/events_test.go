package events

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"courtwatch-backend/internal/scrape"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeFinished}))
	require.NoError(t, p.Close())
}

func TestNATSRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
	})
	if err != nil {
		t.Skipf("nats container unavailable: %v", err)
	}
	defer server.Terminate(ctx)

	endpoint, err := server.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	publisher, err := NewNATSPublisher(NATSConfig{URL: endpoint, Subject: "test.scrape"})
	require.NoError(t, err)
	defer publisher.Close()

	received := make(chan Event, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err = publisher.Subscribe(subCtx, func(e Event) { received <- e })
	require.NoError(t, err)
	require.NoError(t, publisher.nc.Flush())

	sent := Event{
		Type:   TypeFinished,
		CaseID: "24CR001234",
		State:  scrape.NoCaseFound(),
		At:     time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.Publish(ctx, sent))

	select {
	case got := <-received:
		require.Equal(t, sent.CaseID, got.CaseID)
		require.Equal(t, scrape.TagNoCaseFound, got.State.Tag)
		require.True(t, sent.At.Equal(got.At))
	case <-time.After(5 * time.Second):
		t.Fatalf("no event on %s", publisher.Subject(TypeFinished))
	}
}
