// Package httpnav drives navigation contexts over plain HTTP. It follows links
// and submits forms the way a browser without scripts would, which is enough
// for server rendered portals and for tests.
package httpnav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"courtwatch-backend/lib/navigator"
	"courtwatch-backend/lib/restyutil"
	"courtwatch-backend/lib/textutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("courtwatch.lib.navigator.httpnav")

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type Options struct {
	UserAgent string
	// RequestsPerSecond is shared by every context of the driver, 0 disables the limit.
	RequestsPerSecond float64
	Timeout           time.Duration
	// Output receives a dump of every exchange while debug logging is on.
	Output restyutil.InstrumentOutput
}

type Driver struct {
	opts    Options
	limiter *rate.Limiter

	mu       sync.Mutex
	contexts map[string]*Context
	closed   bool
}

func NewDriver(opts Options) *Driver {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Driver{
		opts:     opts,
		limiter:  limiter,
		contexts: map[string]*Context{},
	}
}

func (d *Driver) newClient() (*resty.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := resty.New()
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", d.opts.UserAgent)
	client.SetTimeout(d.opts.Timeout)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return d.limiter.Wait(req.Context())
	})
	restyutil.InstrumentClient(client, tracer, d.opts.Output)
	return client, nil
}

func (d *Driver) Open(ctx context.Context, rawURL string) (navigator.Context, error) {
	ctx, span := tracer.Start(ctx, "Open")
	defer span.End()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, navigator.ErrClosed
	}
	d.mu.Unlock()

	client, err := d.newClient()
	if err != nil {
		return nil, err
	}
	lifetime, cancel := context.WithCancel(context.Background())
	c := &Context{
		id:       uuid.NewString(),
		client:   client,
		session:  navigator.NewMemorySession(),
		loads:    navigator.NewSignal(),
		closer:   navigator.NewCloser(),
		lifetime: lifetime,
		cancel:   cancel,
		onClose:  d.forget,
	}

	d.mu.Lock()
	d.contexts[c.id] = c
	d.mu.Unlock()

	err = c.navigate(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open %s: %w", rawURL, err)
	}
	return c, nil
}

// OpenContexts is the number of contexts that were opened and not closed yet.
func (d *Driver) OpenContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contexts, id)
}

// Close closes every context that is still open.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	open := make([]*Context, 0, len(d.contexts))
	for _, c := range d.contexts {
		open = append(open, c)
	}
	d.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	return nil
}

type Context struct {
	id      string
	client  *resty.Client
	session *navigator.MemorySession
	loads   navigator.Signal
	closer  *navigator.Closer

	lifetime context.Context
	cancel   context.CancelFunc
	onClose  func(id string)

	mu         sync.Mutex
	doc        *goquery.Document
	location   *url.URL
	generation uint64
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// URL is the location of the current document after redirects.
func (c *Context) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location == nil {
		return ""
	}
	return c.location.String()
}

func (c *Context) Document(ctx context.Context) (*goquery.Document, error) {
	if c.closer.IsClosed() {
		return nil, navigator.ErrClosed
	}
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return nil, navigator.ErrClosed
	}
	// filled in values are part of the document, a copy keeps callers away from them
	rendered, err := c.doc.Html()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(rendered))
}

func (c *Context) Session() navigator.Session {
	return c.session
}

func (c *Context) Loads() <-chan struct{} {
	return c.loads.C()
}

func (c *Context) Done() <-chan struct{} {
	return c.closer.Done()
}

func (c *Context) Close() error {
	c.closer.Close(func() {
		c.cancel()
		c.session.Clear()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
	return nil
}

// Navigate loads url as if typed into the address bar.
func (c *Context) Navigate(ctx context.Context, rawURL string) error {
	return c.navigate(ctx, http.MethodGet, rawURL, nil)
}

func (c *Context) navigate(ctx context.Context, method, rawURL string, form url.Values) error {
	if c.closer.IsClosed() {
		return navigator.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	req := c.client.R().SetContext(ctx)
	if form != nil {
		if method == http.MethodGet {
			target, err := url.Parse(rawURL)
			if err != nil {
				return err
			}
			target.RawQuery = form.Encode()
			rawURL = target.String()
		} else {
			req.SetFormDataFromValues(form)
		}
	}
	res, err := req.Execute(method, rawURL)
	if err != nil {
		if c.closer.IsClosed() {
			return navigator.ErrClosed
		}
		return err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	location := res.RawResponse.Request.URL

	c.mu.Lock()
	if c.closer.IsClosed() {
		c.mu.Unlock()
		return navigator.ErrClosed
	}
	c.doc = doc
	c.location = location
	c.generation++
	c.mu.Unlock()

	c.loads.Notify()
	return nil
}

func (c *Context) find(selector string, match func(*goquery.Selection) bool) (*goquery.Selection, *url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return nil, nil, navigator.ErrClosed
	}
	found := c.doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return match == nil || match(s)
	}).First()
	if found.Length() == 0 {
		return nil, nil, fmt.Errorf("%w: %s", navigator.ErrElementNotFound, selector)
	}
	return found, c.location, nil
}

func (c *Context) Click(ctx context.Context, selector string) error {
	el, base, err := c.find(selector, nil)
	if err != nil {
		return err
	}
	return c.activate(ctx, el, base)
}

func (c *Context) ClickText(ctx context.Context, selector, text string) error {
	target := textutil.NormalizeName(text)
	el, base, err := c.find(selector, func(s *goquery.Selection) bool {
		return textutil.NormalizeName(s.Text()) == target
	})
	if err != nil {
		return err
	}
	return c.activate(ctx, el, base)
}

func (c *Context) Fill(_ context.Context, selector, value string) error {
	el, _, err := c.find(selector, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if goquery.NodeName(el) == "textarea" {
		el.SetText(value)
		return nil
	}
	el.SetAttr("value", value)
	return nil
}

func (c *Context) Submit(ctx context.Context, selector string) error {
	el, base, err := c.find(selector, nil)
	if err != nil {
		return err
	}
	if goquery.NodeName(el) == "form" {
		return c.submit(ctx, el, nil, base)
	}
	form := el.Closest("form")
	if form.Length() == 0 {
		return fmt.Errorf("%w: form enclosing %s", navigator.ErrElementNotFound, selector)
	}
	return c.submit(ctx, form, el, base)
}

// activate does what a click on el does without scripts: follow a link or
// submit the enclosing form.
func (c *Context) activate(ctx context.Context, el *goquery.Selection, base *url.URL) error {
	if href, ok := el.Attr("href"); ok && goquery.NodeName(el) == "a" {
		target, err := resolve(base, href)
		if err != nil {
			return err
		}
		return c.navigate(ctx, http.MethodGet, target, nil)
	}
	if isSubmitter(el) {
		form := el.Closest("form")
		if form.Length() > 0 {
			return c.submit(ctx, form, el, base)
		}
	}
	return fmt.Errorf("element <%s> does nothing without scripts", goquery.NodeName(el))
}

func isSubmitter(el *goquery.Selection) bool {
	kind := strings.ToLower(el.AttrOr("type", ""))
	switch goquery.NodeName(el) {
	case "button":
		return kind == "" || kind == "submit"
	case "input":
		return kind == "submit" || kind == "image"
	}
	return false
}

func (c *Context) submit(ctx context.Context, form, submitter *goquery.Selection, base *url.URL) error {
	c.mu.Lock()
	values := formValues(form, submitter)
	action := form.AttrOr("action", "")
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))
	c.mu.Unlock()

	if method != http.MethodPost {
		method = http.MethodGet
	}
	target, err := resolve(base, action)
	if err != nil {
		return err
	}
	return c.navigate(ctx, method, target, values)
}

// formValues serializes the successful controls of a form.
func formValues(form, submitter *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea, button").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(s) {
		case "select":
			option := s.Find("option[selected]").First()
			if option.Length() == 0 {
				option = s.Find("option").First()
			}
			if option.Length() > 0 {
				values.Add(name, option.AttrOr("value", strings.TrimSpace(option.Text())))
			}
		case "textarea":
			values.Add(name, s.Text())
		default:
			kind := strings.ToLower(s.AttrOr("type", "text"))
			if goquery.NodeName(s) == "button" {
				kind = strings.ToLower(s.AttrOr("type", "submit"))
			}
			switch kind {
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); checked {
					values.Add(name, s.AttrOr("value", "on"))
				}
			case "submit", "image", "button", "reset":
				if submitter != nil && len(submitter.Nodes) > 0 && len(s.Nodes) > 0 && submitter.Nodes[0] == s.Nodes[0] {
					values.Add(name, s.AttrOr("value", ""))
				}
			default:
				values.Add(name, s.AttrOr("value", ""))
			}
		}
	})
	return values
}

func resolve(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if base == nil {
		return parsed.String(), nil
	}
	return base.ResolveReference(parsed).String(), nil
}
