// Package fetch retrieves and parses syndication feeds.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gustycube/cyberstreams/internal/feeds"
	"github.com/gustycube/cyberstreams/internal/httpclient"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/gustycube/cyberstreams/internal/rate"
	"github.com/gustycube/cyberstreams/internal/robots"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Kind classifies why a fetch failed.
type Kind string

const (
	KindNetwork Kind = "network"
	KindStatus  Kind = "status"
	KindParse   Kind = "parse"
	KindTimeout Kind = "timeout"
	KindRobots  Kind = "robots"
)

// FetchError reports a failed fetch of one feed.
type FetchError struct {
	FeedID     string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (HTTP %d)", e.FeedID, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.FeedID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

const defaultMaxBody = 5 << 20

type Options struct {
	Timeout       time.Duration
	UserAgent     string
	RespectRobots bool
	// PerHostRate is requests per second per feed host; zero disables pacing.
	PerHostRate  float64
	MaxBodyBytes int64
	Client       *http.Client
}

// Fetcher downloads feeds with a per-call timeout, per-host pacing and an
// optional robots.txt gate.
type Fetcher struct {
	client  *httpclient.ResilientClient
	robots  *robots.Cache
	pacer   *rate.PerHost
	ua      string
	timeout time.Duration
	maxBody int64
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	hc := opts.Client
	if hc == nil {
		hc = httpclient.Default(opts.Timeout, false)
	}
	f := &Fetcher{
		client:  httpclient.NewResilientClient(hc),
		ua:      opts.UserAgent,
		timeout: opts.Timeout,
		maxBody: opts.MaxBodyBytes,
	}
	if opts.RespectRobots {
		f.robots = robots.NewCache(hc, opts.UserAgent)
	}
	if opts.PerHostRate > 0 {
		f.pacer = rate.New(opts.PerHostRate, 2)
	}
	return f
}

// Fetch downloads and parses one feed. Any failure is returned as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, d feeds.Descriptor) ([]*gofeed.Item, error) {
	ctx, span := telemetry.Tracer("fetch").Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("feed.id", d.ID), attribute.String("feed.url", d.URL))

	items, err := f.fetch(ctx, d)
	if err != nil {
		var fe *FetchError
		kind := string(KindNetwork)
		if errors.As(err, &fe) {
			kind = string(fe.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		metrics.FeedFetchesTotal.WithLabelValues(d.ID, kind).Inc()
		return nil, err
	}
	span.SetAttributes(attribute.Int("feed.items", len(items)))
	metrics.FeedFetchesTotal.WithLabelValues(d.ID, "ok").Inc()
	return items, nil
}

func (f *Fetcher) fetch(ctx context.Context, d feeds.Descriptor) ([]*gofeed.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	fail := func(kind Kind, status int, err error) error {
		if (kind == KindNetwork || kind == KindParse) && (ctx.Err() != nil || isTimeout(err)) {
			kind = KindTimeout
			if err == nil {
				err = ctx.Err()
			}
		}
		return &FetchError{FeedID: d.ID, Kind: kind, StatusCode: status, Err: err}
	}

	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fail(KindNetwork, 0, err)
	}
	if f.robots != nil && !f.robots.Allowed(ctx, target) {
		metrics.RobotsBlocks.Inc()
		return nil, fail(KindRobots, 0, errors.New("disallowed by robots.txt"))
	}
	if f.pacer != nil {
		if err := f.pacer.Wait(ctx, target.Host); err != nil {
			return nil, fail(KindTimeout, 0, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fail(KindNetwork, 0, err)
	}
	if f.ua != "" {
		req.Header.Set("User-Agent", f.ua)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	resp, err := f.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fail(KindStatus, httpErr.StatusCode, err)
		}
		return nil, fail(KindNetwork, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(KindStatus, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fail(KindParse, 0, err)
	}
	return feed.Items, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
