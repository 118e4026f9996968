package offlinegw

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"offlinegw/internal/cachestore"
)

const testOrigin = "https://app.example"

var (
	errOffline      = errors.New("network unreachable")
	errDeleteFailed = errors.New("delete failed")
)

type route struct {
	status int
	body   string
	header http.Header
}

// fakeFetcher answers from a route table keyed by absolute URL and counts
// every call. Unknown URLs get a 404.
type fakeFetcher struct {
	mu      sync.Mutex
	routes  map[string]route
	calls   map[string]int
	total   int
	offline bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]route{}, calls: map[string]int{}}
}

func (f *fakeFetcher) set(url string, status int, body string, kv ...string) {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	f.mu.Lock()
	f.routes[url] = route{status: status, body: body, header: h}
	f.mu.Unlock()
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeFetcher) resetCalls() {
	f.mu.Lock()
	f.calls = map[string]int{}
	f.total = 0
	f.mu.Unlock()
}

func (f *fakeFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	u := req.URL.String()
	f.calls[u]++
	f.total++
	offline := f.offline
	r, ok := f.routes[u]
	f.mu.Unlock()

	if offline {
		return nil, errOffline
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if !ok {
		r = route{status: http.StatusNotFound, body: "not found"}
	}
	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode:    r.status,
		Status:        http.StatusText(r.status),
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		Request:       req,
	}, nil
}

// spyStore counts every call that reaches the wrapped store. Deleting the
// generation named failDelete fails.
type spyStore struct {
	cachestore.Store
	mu         sync.Mutex
	calls      int
	failDelete string
}

func (s *spyStore) touch() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *spyStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *spyStore) Open(ctx context.Context, name string) (cachestore.Generation, error) {
	s.touch()
	return s.Store.Open(ctx, name)
}

func (s *spyStore) Match(ctx context.Context, id cachestore.Identity) (cachestore.Entry, bool, error) {
	s.touch()
	return s.Store.Match(ctx, id)
}

func (s *spyStore) Delete(ctx context.Context, name string) (bool, error) {
	s.touch()
	if s.failDelete != "" && name == s.failDelete {
		return false, errDeleteFailed
	}
	return s.Store.Delete(ctx, name)
}

func (s *spyStore) Generations(ctx context.Context) ([]string, error) {
	s.touch()
	return s.Store.Generations(ctx)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = testOrigin
	cfg.Storage.Backend = "memory"
	require.NoError(t, cfg.compile())
	return cfg
}

// manifestRoutes serves every default manifest path.
func manifestRoutes(f *fakeFetcher) {
	f.set(testOrigin+"/", 200, "<html>shell</html>", "Content-Type", "text/html")
	f.set(testOrigin+"/manifest.json", 200, `{"name":"app"}`, "Content-Type", "application/json")
	f.set(testOrigin+"/favicon.ico", 200, "ICO", "Content-Type", "image/x-icon")
}

func newTestGateway(t *testing.T, cfg Config, f Fetcher, store cachestore.Store) *Gateway {
	t.Helper()
	if store == nil {
		store = cachestore.NewMemoryStore(8 << 20)
	}
	gw := New(cfg, Options{Store: store, Fetcher: f, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
	})
	return gw
}

func activate(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, gw.Lifecycle().Install(ctx))
	require.NoError(t, gw.Lifecycle().Activate(ctx))
	require.True(t, gw.Lifecycle().Ready())
}

func settle(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Settle(ctx))
}

func get(t *testing.T, url string, kv ...string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(kv); i += 2 {
		req.Header.Set(kv[i], kv[i+1])
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
