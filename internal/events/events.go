// Package events mirrors job lifecycle changes onto a message bus so other
// systems can follow scrapes without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"courtwatch-backend/internal/scrape"

	"github.com/nats-io/nats.go"
)

type Type string

const (
	TypeAdmitted Type = "admitted"
	TypeQueued   Type = "queued"
	TypeFinished Type = "finished"
)

type Event struct {
	Type   Type               `json:"type"`
	CaseID scrape.CaseID      `json:"case_id"`
	State  scrape.ScrapeState `json:"state"`
	At     time.Time          `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

type NATSConfig struct {
	URL string `json:"url"`
	// Subject events are published under, "<subject>.<type>".
	Subject string `json:"subject"`
}

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	url := config.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("courtwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	subject := config.Subject
	if subject == "" {
		subject = "courtwatch.scrape"
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Subject(t Type) string {
	return fmt.Sprintf("%s.%s", p.subject, t)
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(event.Type), data)
}

// Subscribe decodes every event of the publisher's subjects until ctx ends.
func (p *NATSPublisher) Subscribe(ctx context.Context, handler func(Event)) (*nats.Subscription, error) {
	sub, err := p.nc.Subscribe(p.subject+".*", func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err == nil {
			handler(event)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
