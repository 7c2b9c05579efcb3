// Package ingest runs feed ingestion cycles: fetch every enabled feed,
// normalize the items, index them and keep the most recent in memory.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gustycube/cyberstreams/internal/cache"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/feeds"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/gustycube/cyberstreams/internal/normalize"
	"github.com/gustycube/cyberstreams/internal/predict"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/otel/attribute"
)

const lockResource = "ingest-cycle"

type Fetcher interface {
	Fetch(ctx context.Context, d feeds.Descriptor) ([]*gofeed.Item, error)
}

type Classifier interface {
	Predict(ctx context.Context, d types.Document) (*predict.Prediction, error)
}

type Options struct {
	Feeds   []feeds.Descriptor
	Fetcher Fetcher
	// Store may be nil, in which case documents are only kept in memory.
	Store      docstore.Store
	Classifier Classifier
	// Locker, when set, keeps replicas from running cycles at the same time.
	Locker      cache.Locker
	LockTTL     time.Duration
	MemoryLimit int
	Workers     int
	SpoolDir    string
	// OnNew receives documents not seen before by this engine.
	OnNew func(ctx context.Context, docs []types.Document)
	// OnFeed is called from fetch workers as each feed finishes.
	OnFeed func(d feeds.Descriptor, documents int, err error)
	Now    func() time.Time
	Log    *logging.Logger
}

type Result struct {
	DocumentsIndexed int           `json:"documentsIndexed"`
	FeedsProcessed   int           `json:"feedsProcessed"`
	FailureCount     int           `json:"failureCount"`
	IndexFailed      bool          `json:"indexFailed,omitempty"`
	Skipped          bool          `json:"skipped,omitempty"`
	Duration         time.Duration `json:"duration"`
}

type Engine struct {
	opts    Options
	log     *logging.Logger
	ring    *Ring
	indexer *Indexer

	cycleMu      sync.Mutex
	bootstrapped bool

	lastMu   sync.RWMutex
	last     Result
	lastAt   time.Time
	lastDocs []types.Document
}

func New(opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("ingest: fetcher is required")
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Engine{
		opts:    opts,
		log:     opts.Log,
		ring:    NewRing(opts.MemoryLimit),
		indexer: NewIndexer(opts.Store, opts.SpoolDir, opts.Log),
	}, nil
}

type readyWaiter interface {
	WaitReady(ctx context.Context, maxWait time.Duration) error
}

// Bootstrap prepares the document store once per engine, then runs a cycle.
// Setup failures are logged; the cycle still runs.
func (e *Engine) Bootstrap(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	if !e.bootstrapped && e.opts.Store != nil {
		e.setup(ctx)
	}
	e.bootstrapped = true
	res, err := e.cycle(ctx)
	e.cycleMu.Unlock()
	if err == nil {
		e.log.Infow("worker bootstrap complete", "indexed", res.DocumentsIndexed, "feeds", res.FeedsProcessed, "failures", res.FailureCount)
	}
	return res, err
}

func (e *Engine) setup(ctx context.Context) {
	if w, ok := e.opts.Store.(readyWaiter); ok {
		if err := w.WaitReady(ctx, 30*time.Second); err != nil {
			e.log.Warnw("document store not ready", "err", err)
			return
		}
	}
	if err := e.opts.Store.EnsureResources(ctx); err != nil {
		e.log.Warnw("ensuring document store resources failed", "err", err)
		return
	}
	e.log.Debugw("document store resources ensured")
}

// RunOnce runs one cycle. Concurrent callers are serialized.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.cycle(ctx)
}

// RunContinuous bootstraps and then runs a cycle every interval until ctx
// is cancelled.
func (e *Engine) RunContinuous(ctx context.Context, interval time.Duration) error {
	return NewScheduler(e, interval, e.log).Run(ctx)
}

// Documents returns the in-memory recent documents, newest first.
func (e *Engine) Documents() []types.Document { return e.ring.Snapshot() }

// LastResult reports the most recent completed cycle.
func (e *Engine) LastResult() (Result, time.Time, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last, e.lastAt, !e.lastAt.IsZero()
}

// LastDocuments returns every document produced by the most recent cycle.
func (e *Engine) LastDocuments() []types.Document {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.lastDocs
}

func (e *Engine) cycle(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ctx, span := telemetry.Tracer("ingest").Start(ctx, "ingest.cycle")
	defer span.End()
	start := e.opts.Now()

	if e.opts.Locker != nil {
		release, ok, err := e.opts.Locker.Acquire(ctx, lockResource, e.opts.LockTTL)
		switch {
		case err != nil:
			e.log.Warnw("ingest lock unavailable, running unlocked", "err", err)
		case !ok:
			e.log.Infow("ingest cycle already running elsewhere, skipping")
			return Result{Skipped: true}, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					e.log.Warnw("release ingest lock", "err", err)
				}
			}()
		}
	}

	e.indexer.Replay(ctx)

	active := feeds.Enabled(e.opts.Feeds)
	docs, failures := e.fetchAll(ctx, active)

	res := Result{
		DocumentsIndexed: len(docs),
		FeedsProcessed:   len(active),
		FailureCount:     failures,
	}
	if err := e.indexer.Index(ctx, docs); err != nil {
		res.IndexFailed = true
		span.RecordError(err)
	}

	fresh := e.ring.Add(docs)
	if e.opts.OnNew != nil && len(fresh) > 0 {
		e.opts.OnNew(ctx, fresh)
	}

	res.Duration = e.opts.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("ingest.documents", res.DocumentsIndexed),
		attribute.Int("ingest.feeds", res.FeedsProcessed),
		attribute.Int("ingest.failures", res.FailureCount),
	)
	metrics.DocumentsTotal.Add(float64(len(docs)))
	metrics.CycleDuration.Observe(res.Duration.Seconds())

	e.lastMu.Lock()
	e.last, e.lastAt, e.lastDocs = res, e.opts.Now(), docs
	e.lastMu.Unlock()

	e.log.Infow("ingestion cycle complete",
		"indexed", res.DocumentsIndexed,
		"feeds", res.FeedsProcessed,
		"failures", res.FailureCount,
		"new", len(fresh),
		"duration", res.Duration)
	return res, nil
}

type feedTask struct {
	pos  int
	feed feeds.Descriptor
}

type feedOutcome struct {
	docs []types.Document
	err  error
}

// fetchAll processes feeds on a bounded worker pool. Output keeps the feed
// order so cycles over unchanged feeds are reproducible.
func (e *Engine) fetchAll(ctx context.Context, active []feeds.Descriptor) ([]types.Document, int) {
	if len(active) == 0 {
		return nil, 0
	}
	workers := e.opts.Workers
	if workers > len(active) {
		workers = len(active)
	}

	outcomes := make([]feedOutcome, len(active))
	tasks := make(chan feedTask)
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for t := range tasks {
				outcomes[t.pos] = e.processFeed(ctx, t.feed)
			}
			done <- struct{}{}
		}()
	}
	for i, d := range active {
		tasks <- feedTask{pos: i, feed: d}
	}
	close(tasks)
	for i := 0; i < workers; i++ {
		<-done
	}

	var docs []types.Document
	failures := 0
	for _, o := range outcomes {
		if o.err != nil {
			failures++
			continue
		}
		docs = append(docs, o.docs...)
	}
	return docs, failures
}

func (e *Engine) processFeed(ctx context.Context, d feeds.Descriptor) feedOutcome {
	items, err := e.opts.Fetcher.Fetch(ctx, d)
	if err != nil {
		e.log.Errorw("feed ingestion failed", "feed", d.ID, "err", err)
		e.feedDone(d, 0, err)
		return feedOutcome{err: err}
	}
	docs := normalize.Documents(items, d, e.opts.Now())
	e.classify(ctx, docs)
	e.log.Debugw("feed processed", "feed", d.ID, "documents", len(docs))
	e.feedDone(d, len(docs), nil)
	return feedOutcome{docs: docs}
}

func (e *Engine) feedDone(d feeds.Descriptor, n int, err error) {
	if e.opts.OnFeed != nil {
		e.opts.OnFeed(d, n, err)
	}
}

// classify annotates docs with model output. Failures leave a document
// untouched.
func (e *Engine) classify(ctx context.Context, docs []types.Document) {
	if e.opts.Classifier == nil {
		return
	}
	failed := 0
	for i := range docs {
		p, err := e.opts.Classifier.Predict(ctx, docs[i])
		if err != nil {
			failed++
			continue
		}
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["ml_severity"] = p.Severity
		docs[i].Metadata["ml_confidence"] = p.Confidence
	}
	if failed > 0 {
		e.log.Warnw("classification failed for some documents", "failed", failed, "total", len(docs))
	}
}
