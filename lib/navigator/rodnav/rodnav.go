// Package rodnav drives navigation contexts in Chrome through the DevTools
// protocol. Every context is its own incognito browser context holding one page.
package rodnav

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("courtwatch.lib.navigator.rodnav")

type Options struct {
	// ControlURL connects to an already running browser, when empty one is launched.
	ControlURL string
	// Bin is the browser binary to launch, empty lets rod find or download one.
	Bin      string
	Headless bool
	// NavigationTimeout bounds the wait for the first load of a context.
	NavigationTimeout time.Duration
}

type Driver struct {
	opts    Options
	browser *rod.Browser

	mu       sync.Mutex
	contexts map[string]*Context
	closed   bool
}

// NewDriver launches a browser under ctx, or connects to the one at
// opts.ControlURL.
func NewDriver(ctx context.Context, opts Options) (*Driver, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}

	controlURL := opts.ControlURL
	if controlURL == "" {
		launch := launcher.New().Context(ctx).Headless(opts.Headless)
		if opts.Bin != "" {
			launch = launch.Bin(opts.Bin)
		}
		url, err := launch.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	err := browser.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	// target destroyed events are only sent with discovery on
	err = proto.TargetSetDiscoverTargets{Discover: true}.Call(browser.Context(ctx))
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("discover targets: %w", err)
	}

	return &Driver{
		opts:     opts,
		browser:  browser,
		contexts: map[string]*Context{},
	}, nil
}

func (d *Driver) Open(ctx context.Context, url string) (navigator.Context, error) {
	ctx, span := tracer.Start(ctx, "Open")
	defer span.End()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, navigator.ErrClosed
	}
	d.mu.Unlock()

	incognito, err := d.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Context{
		id:        uuid.NewString(),
		incognito: incognito,
		page:      page.Context(lifetime),
		loads:     navigator.NewSignal(),
		closer:    navigator.NewCloser(),
		cancel:    cancel,
		onClose:   d.forget,
	}
	c.watch(lifetime, d.browser)

	d.mu.Lock()
	d.contexts[c.id] = c
	d.mu.Unlock()

	wait := c.page.Context(ctx).Timeout(d.opts.NavigationTimeout).WaitNavigation(proto.PageLifecycleEventNameLoad)
	err = c.page.Context(ctx).Timeout(d.opts.NavigationTimeout).Navigate(url)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	wait()
	return c, nil
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contexts, id)
}

// Close closes every open context in parallel and then disconnects.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	open := make([]*Context, 0, len(d.contexts))
	for _, c := range d.contexts {
		open = append(open, c)
	}
	d.mu.Unlock()

	var group errgroup.Group
	for _, c := range open {
		group.Go(c.Close)
	}
	err := group.Wait()
	return errors.Join(err, d.browser.Close())
}

type Context struct {
	id        string
	incognito *rod.Browser
	page      *rod.Page
	loads     navigator.Signal
	closer    *navigator.Closer
	cancel    context.CancelFunc
	onClose   func(id string)

	generation atomic.Uint64
}

// watch counts document loads and notices when the page goes away without
// Close being called, a crash or a user closing the tab.
func (c *Context) watch(lifetime context.Context, browser *rod.Browser) {
	go c.page.EachEvent(func(*proto.PageLoadEventFired) {
		c.generation.Add(1)
		c.loads.Notify()
	})()

	targetID := c.page.TargetID
	go browser.Context(lifetime).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		if e.TargetID != targetID {
			return false
		}
		c.Close()
		return true
	})()
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) Generation() uint64 {
	return c.generation.Load()
}

func (c *Context) Loads() <-chan struct{} {
	return c.loads.C()
}

func (c *Context) Done() <-chan struct{} {
	return c.closer.Done()
}

func (c *Context) Close() error {
	var err error
	c.closer.Close(func() {
		c.cancel()
		// disposing the browser context also closes its page
		err = c.incognito.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
	return err
}

func (c *Context) checkOpen() error {
	if c.closer.IsClosed() {
		return navigator.ErrClosed
	}
	return nil
}

func (c *Context) Document(ctx context.Context) (*goquery.Document, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}
	html, err := c.page.Context(ctx).HTML()
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func (c *Context) element(ctx context.Context, selector string) (*rod.Element, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}
	has, el, err := c.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("%w: %s", navigator.ErrElementNotFound, selector)
	}
	return el, nil
}

func (c *Context) Click(ctx context.Context, selector string) error {
	el, err := c.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (c *Context) ClickText(ctx context.Context, selector, text string) error {
	err := c.checkOpen()
	if err != nil {
		return err
	}
	elements, err := c.page.Context(ctx).Elements(selector)
	if err != nil {
		return err
	}
	target := textutil.NormalizeName(text)
	for _, el := range elements {
		visible, err := el.Text()
		if err != nil {
			continue
		}
		if textutil.NormalizeName(visible) == target {
			return el.Click(proto.InputMouseButtonLeft, 1)
		}
	}
	return fmt.Errorf("%w: %s with text %q", navigator.ErrElementNotFound, selector, text)
}

func (c *Context) Fill(ctx context.Context, selector, value string) error {
	el, err := c.element(ctx, selector)
	if err != nil {
		return err
	}
	err = el.SelectAllText()
	if err != nil {
		return err
	}
	return el.Input(value)
}

func (c *Context) Submit(ctx context.Context, selector string) error {
	el, err := c.element(ctx, selector)
	if err != nil {
		return err
	}
	tag, err := el.Eval(`() => this.tagName.toLowerCase()`)
	if err != nil {
		return err
	}
	if tag.Value.Str() == "form" {
		_, err = el.Eval(`() => this.requestSubmit ? this.requestSubmit() : this.submit()`)
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (c *Context) Session() navigator.Session {
	return storage{page: c.page}
}

// storage is the page's window.sessionStorage, it lives exactly as long as
// the browser context and survives reloads and same origin navigation.
type storage struct {
	page *rod.Page
}

func (s storage) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.page.Context(ctx).Eval(`(k) => window.sessionStorage.getItem(k)`, key)
	if err != nil {
		return "", false, err
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

func (s storage) Set(ctx context.Context, key, value string) error {
	_, err := s.page.Context(ctx).Eval(`(k, v) => window.sessionStorage.setItem(k, v)`, key, value)
	return err
}

func (s storage) Delete(ctx context.Context, key string) error {
	_, err := s.page.Context(ctx).Eval(`(k) => window.sessionStorage.removeItem(k)`, key)
	return err
}
