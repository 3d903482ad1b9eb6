// Package navigator abstracts the browsing sessions scrapes run in. A Context
// loads one document at a time and keeps a small session store that survives
// reloads of that document, but not the closing of the Context.
package navigator

import (
	"context"
	"errors"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrClosed          = errors.New("navigation context closed")
	ErrElementNotFound = errors.New("element not found")
)

// Session is storage scoped to one navigation context.
type Session interface {
	// Get returns ok == false when the key was never set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Context interface {
	ID() string
	// Document is a snapshot of the current document.
	Document(ctx context.Context) (*goquery.Document, error)
	// Generation increases every time a new document finishes loading.
	Generation() uint64

	// Click activates the first element matching selector.
	Click(ctx context.Context, selector string) error
	// ClickText activates the first element matching selector whose visible
	// text equals text, ignoring case and whitespace.
	ClickText(ctx context.Context, selector, text string) error
	Fill(ctx context.Context, selector, value string) error
	// Submit activates a submit control, or submits the form it belongs to.
	Submit(ctx context.Context, selector string) error

	Session() Session

	// Loads receives a value after each document load, loads that were not
	// received yet are coalesced into one.
	Loads() <-chan struct{}
	// Done is closed once the context is closed, by Close or by any other cause.
	Done() <-chan struct{}
	Close() error
}

type Driver interface {
	// Open creates a new context and returns once the first document at url loaded.
	Open(ctx context.Context, url string) (Context, error)
	Close() error
}

// Snapshot reads the current document together with the generation it
// belongs to. A load that lands while the document is read makes it read
// again, so the generation never names an older document than the one
// returned.
func Snapshot(ctx context.Context, nav Context) (*goquery.Document, uint64, error) {
	for {
		before := nav.Generation()
		doc, err := nav.Document(ctx)
		if err != nil {
			return nil, before, err
		}
		if nav.Generation() == before {
			return doc, before, nil
		}
		if ctx.Err() != nil {
			return nil, before, ctx.Err()
		}
	}
}
