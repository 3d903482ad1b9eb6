package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestChanged(t *testing.T) {
	a := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	sameInstant := a.In(time.FixedZone("EST", -5*3600))
	b := a.Add(24 * time.Hour)

	testCases := []struct {
		name     string
		previous *time.Time
		next     *time.Time
		expected bool
	}{
		{"both absent", nil, nil, false},
		{"appeared", nil, &a, true},
		{"disappeared", &a, nil, true},
		{"same instant in another zone", &a, &sameInstant, false},
		{"moved", &a, &b, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Changed(tc.previous, tc.next))
		})
	}
}

func TestMessage(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	n := NewEmailNotifier(SmtpConfig{EmailAddress: "bot@courtwatch.test", Recipients: []string{"clerk@courtwatch.test"}}, loc)

	next := time.Date(2025, time.January, 15, 19, 30, 0, 0, time.UTC)
	mail := n.message(HearingChange{
		CaseID:     "24CR001234",
		Defendant:  "DOE, JOHN",
		Next:       &next,
		DetectedAt: time.Date(2025, time.January, 1, 14, 0, 0, 0, time.UTC),
	})
	require.Equal(t, "Hearing update for 24CR001234 (DOE, JOHN)", mail.Subject)
	require.Equal(t, "Courtwatch <bot@courtwatch.test>", mail.From)
	text := string(mail.Text)
	require.Contains(t, text, "Before: none scheduled")
	require.Contains(t, text, "Now:    Wednesday, January 15, 2025 at 2:30 PM EST")
}

func TestNoRecipientsSendsNothing(t *testing.T) {
	n := NewEmailNotifier(SmtpConfig{Server: "127.0.0.1", Port: 1}, nil)
	require.NoError(t, n.HearingChanged(context.Background(), HearingChange{CaseID: "24CR001234"}))
}

func TestSendThroughFakeSmtp(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "haravich/fake-smtp-server",
			ExposedPorts: []string{"1025/tcp", "1080/tcp"},
			WaitingFor:   wait.ForLog("smtp://0.0.0.0:1025"),
		},
	})
	if err != nil {
		t.Skipf("smtp container unavailable: %v", err)
	}
	defer server.Terminate(ctx)

	host, err := server.Host(ctx)
	require.NoError(t, err)
	smtpPort, err := server.MappedPort(ctx, "1025/tcp")
	require.NoError(t, err)
	webPort, err := server.MappedPort(ctx, "1080/tcp")
	require.NoError(t, err)

	n := NewEmailNotifier(SmtpConfig{
		Server:       host,
		Port:         smtpPort.Int(),
		EmailAddress: "bot@courtwatch.test",
		Password:     "default",
		Recipients:   []string{"clerk@courtwatch.test"},
	}, time.UTC)

	next := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	err = n.HearingChanged(ctx, HearingChange{CaseID: "24CR001234", Next: &next, DetectedAt: time.Now()})
	require.NoError(t, err)

	res, err := resty.New().R().Get(fmt.Sprintf("http://%s:%s/messages/1.plain", host, webPort.Port()))
	require.NoError(t, err)
	require.True(t, strings.Contains(res.String(), "24CR001234"))
}
