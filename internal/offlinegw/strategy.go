package offlinegw

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pquerna/cachecontrol/cacheobject"
	"go.uber.org/zap"

	"offlinegw/internal/cachestore"
)

// Source says where a response came from.
type Source string

const (
	SourceHit         Source = "hit"
	SourceMiss        Source = "miss"
	SourceNetwork     Source = "network"
	SourceStale       Source = "stale"
	SourceSPAFallback Source = "spa-fallback"
	SourcePassthrough Source = "passthrough"
)

const sourceCount = 6

var allSources = [sourceCount]Source{
	SourceHit, SourceMiss, SourceNetwork, SourceStale, SourceSPAFallback, SourcePassthrough,
}

func (s Source) index() int {
	for i, v := range allSources {
		if v == s {
			return i
		}
	}
	return -1
}

// Outcome is a response plus the path that produced it.
type Outcome struct {
	Response *http.Response
	Source   Source
}

// Fetcher performs the actual network round trip.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// executor runs the cache-first and network-first strategies against one
// store. Cache writes are detached onto bg and never delay a response.
type executor struct {
	store      cachestore.Store
	fetcher    Fetcher
	staticGen  string
	dynamicGen string

	log     *zap.Logger
	warnLog *rateLimitedLogger
	metrics *metrics
	bg      *lifetime
}

// cacheFirst serves a stored snapshot without touching the network. On a miss
// it fetches, stores a successful response in the static generation and
// returns the live one. Fetch errors propagate.
func (e *executor) cacheFirst(ctx context.Context, req *http.Request) (Outcome, error) {
	id := cachestore.NewIdentity(req.Method, req.URL)
	if ent, ok := e.match(ctx, id); ok {
		return Outcome{Response: ent.Response(req), Source: SourceHit}, nil
	}

	resp, err := e.fetcher.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	e.maybeStore(ctx, e.staticGen, id, resp)
	return Outcome{Response: resp, Source: SourceMiss}, nil
}

// networkFirst fetches first and keeps the dynamic generation warm. When the
// network fails it falls back to any stored copy, then, for page loads, to the
// cached root document.
func (e *executor) networkFirst(ctx context.Context, req *http.Request) (Outcome, error) {
	id := cachestore.NewIdentity(req.Method, req.URL)

	resp, fetchErr := e.fetcher.Do(req)
	if fetchErr == nil {
		e.maybeStore(ctx, e.dynamicGen, id, resp)
		return Outcome{Response: resp, Source: SourceNetwork}, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; there is nobody to serve a fallback to.
		return Outcome{}, fetchErr
	}

	if ent, ok := e.match(ctx, id); ok {
		e.log.Debug("network failed, serving stale copy",
			zap.String("url", id.URL), zap.Error(fetchErr))
		return Outcome{Response: ent.Response(req), Source: SourceStale}, nil
	}

	if isDocumentRequest(req) {
		root := cachestore.NewIdentity(http.MethodGet, rootURL(req.URL))
		if ent, ok := e.match(ctx, root); ok {
			e.log.Debug("network failed, serving app shell",
				zap.String("url", id.URL), zap.Error(fetchErr))
			return Outcome{Response: ent.Response(req), Source: SourceSPAFallback}, nil
		}
	}
	return Outcome{}, fetchErr
}

// match treats store failures as misses.
func (e *executor) match(ctx context.Context, id cachestore.Identity) (cachestore.Entry, bool) {
	ent, ok, err := e.store.Match(ctx, id)
	if err != nil {
		e.metrics.storeErrors.WithLabelValues("match").Inc()
		e.warnLog.Warn("cache read failed, treating as miss",
			zap.String("url", id.URL), zap.Error(err))
		return cachestore.Entry{}, false
	}
	return ent, ok
}

// maybeStore snapshots a cacheable response and writes it in the background.
// resp keeps a byte-identical body for the caller.
func (e *executor) maybeStore(ctx context.Context, gen string, id cachestore.Identity, resp *http.Response) {
	if !id.Cacheable() || !cacheableResponse(resp) {
		return
	}
	ent, err := cachestore.SnapshotResponse(resp)
	if err != nil {
		e.log.Debug("snapshot failed", zap.String("url", id.URL), zap.Error(err))
		return
	}
	ent.URL = id.URL

	detached := context.WithoutCancel(ctx)
	e.bg.extend(func() {
		e.put(detached, gen, id, ent)
	})
}

func (e *executor) put(ctx context.Context, gen string, id cachestore.Identity, ent cachestore.Entry) {
	g, err := e.store.Open(ctx, gen)
	if err == nil {
		err = g.Put(ctx, id, ent)
	}
	if err != nil {
		e.metrics.storeErrors.WithLabelValues("put").Inc()
		e.warnLog.Warn("cache write failed, skipping",
			zap.String("generation", gen), zap.String("url", id.URL), zap.Error(err))
	}
}

// cacheableResponse accepts 2xx responses that do not forbid storage.
func cacheableResponse(resp *http.Response) bool {
	if resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	cc := resp.Header.Get("Cache-Control")
	if cc == "" {
		return true
	}
	dir, err := cacheobject.ParseResponseCacheControl(cc)
	if err != nil {
		return true
	}
	return !dir.NoStore
}

// isDocumentRequest reports whether req is a full page load. Fetch metadata
// wins when present; otherwise an Accept header asking for HTML counts.
func isDocumentRequest(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func rootURL(u *url.URL) *url.URL {
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
}
