package offlinegw

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"offlinegw/internal/cachestore"
)

// Options carries the collaborators of a Gateway. Store and Fetcher are
// required; the rest fall back to logging implementations.
type Options struct {
	Store      cachestore.Store
	Fetcher    Fetcher
	Logger     *zap.Logger
	Notifier   Notifier
	Windows    WindowOpener
	Reconciler Reconciler
}

// Gateway intercepts requests and answers them from the cache, the network, or
// both, depending on how the selector classifies them.
type Gateway struct {
	cfg       Config
	selector  *Selector
	lifecycle *Lifecycle
	exec      *executor
	fetcher   Fetcher
	store     cachestore.Store
	events    *Dispatcher
	inbox     *Inbox

	log     *zap.Logger
	metrics *metrics
	stats   *statsCollector
	bg      *lifetime
}

func New(cfg Config, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := newMetrics()
	bg := &lifetime{}

	g := &Gateway{
		cfg:      cfg,
		selector: NewSelector(cfg),
		fetcher:  opts.Fetcher,
		store:    opts.Store,
		log:      log,
		metrics:  m,
		stats:    newStatsCollector(),
		bg:       bg,
	}
	g.exec = &executor{
		store:      opts.Store,
		fetcher:    opts.Fetcher,
		staticGen:  cfg.StaticGeneration(),
		dynamicGen: cfg.DynamicGeneration(),
		log:        log.Named("strategy"),
		warnLog:    newRateLimitedLogger(log.Named("strategy"), time.Minute),
		metrics:    m,
		bg:         bg,
	}
	g.lifecycle = &Lifecycle{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		origin:      cfg.Server.Origin,
		manifest:    append([]string(nil), cfg.Cache.Manifest...),
		staticGen:   cfg.StaticGeneration(),
		dynamicGen:  cfg.DynamicGeneration(),
		concurrency: cfg.Lifecycle.InstallConcurrency,
		log:         log.Named("lifecycle"),
		metrics:     m,
	}
	if g.lifecycle.concurrency <= 0 {
		g.lifecycle.concurrency = 1
	}
	if len(cfg.Cache.Sitemaps) > 0 {
		d := &sitemapDiscoverer{
			fetcher:  opts.Fetcher,
			origin:   cfg.Server.Origin,
			sitemaps: cfg.Cache.Sitemaps,
			log:      log.Named("sitemap"),
		}
		g.lifecycle.precache = d.Discover
	}

	reconciler := opts.Reconciler
	if reconciler == nil {
		reconciler = &revalidator{
			store:       opts.Store,
			fetcher:     opts.Fetcher,
			generation:  cfg.DynamicGeneration(),
			concurrency: g.lifecycle.concurrency,
			log:         log.Named("sync"),
		}
	}
	g.inbox = NewInbox(log.Named("notify"))
	notifier, windows := opts.Notifier, opts.Windows
	if notifier == nil {
		notifier = g.inbox
	}
	if windows == nil {
		windows = g.inbox
	}
	g.events = &Dispatcher{
		gateway:    g,
		notifier:   notifier,
		windows:    windows,
		reconciler: reconciler,
		syncTags:   cfg.Sync.Tags,
		notifyCfg:  cfg.Notifications,
		log:        log.Named("events"),
		metrics:    m,
	}
	return g
}

func (g *Gateway) Lifecycle() *Lifecycle { return g.lifecycle }

func (g *Gateway) Selector() *Selector { return g.selector }

func (g *Gateway) Events() *Dispatcher { return g.events }

// Inbox is the built-in notification sink. It only sees events when Options
// left Notifier or Windows unset.
func (g *Gateway) Inbox() *Inbox { return g.inbox }

// Fetch answers one intercepted request. Until the lifecycle is active, and
// for every request the selector skips, the request goes to the network
// untouched and the store is never consulted.
func (g *Gateway) Fetch(ctx context.Context, req *http.Request) (Outcome, error) {
	if ctx != req.Context() {
		req = req.WithContext(ctx)
	}

	class := ClassSkip
	if g.lifecycle.Ready() {
		class = g.selector.Classify(req.Method, req.URL)
	}

	var (
		out Outcome
		err error
	)
	switch class.Strategy() {
	case StrategyCacheFirst:
		out, err = g.exec.cacheFirst(ctx, req)
	case StrategyNetworkFirst:
		out, err = g.exec.networkFirst(ctx, req)
	default:
		var resp *http.Response
		resp, err = g.fetcher.Do(req)
		out = Outcome{Response: resp, Source: SourcePassthrough}
	}

	if err != nil {
		g.metrics.requests.WithLabelValues(string(class), "error").Inc()
		return Outcome{}, err
	}
	g.metrics.requests.WithLabelValues(string(class), string(out.Source)).Inc()
	if out.Source != SourcePassthrough && out.Response.ContentLength >= 0 {
		g.metrics.responseBytes.Observe(float64(out.Response.ContentLength))
		g.stats.Observe(out.Source, int(out.Response.ContentLength))
	}
	return out, nil
}

// RoundTrip lets the gateway sit inside an http.Client. The Fetcher given to
// New must not route back through the same gateway.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := g.Fetch(req.Context(), req)
	if err != nil {
		return nil, err
	}
	return out.Response, nil
}

// Settle waits for background cache writes started so far.
func (g *Gateway) Settle(ctx context.Context) error {
	return g.bg.settle(ctx)
}

// Close stops accepting background writes and waits for pending ones.
func (g *Gateway) Close(ctx context.Context) error {
	return g.bg.close(ctx)
}

// MetricsHandler exposes the gateway's Prometheus registry.
func (g *Gateway) MetricsHandler() http.Handler {
	return g.metrics.handler()
}
