package cachestore

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func testEntry(body string, status int) Entry {
	return Entry{
		URL:    "http://app.test/",
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

// storeContract runs the behaviour every backend must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put then match returns identical snapshot", func(t *testing.T) {
		s := newStore(t)
		g, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)

		id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/main.js"))
		want := testEntry("console.log(1)", http.StatusOK)
		require.NoError(t, g.Put(ctx, id, want))

		got, ok, err := g.Match(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.Body, got.Body)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Header, got.Header)
	})

	t.Run("second put wins", func(t *testing.T) {
		s := newStore(t)
		g, err := s.Open(ctx, "dynamic-v1")
		require.NoError(t, err)

		id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/api/candidates"))
		require.NoError(t, g.Put(ctx, id, testEntry("first", http.StatusOK)))
		require.NoError(t, g.Put(ctx, id, testEntry("second", http.StatusOK)))

		got, ok, err := g.Match(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "second", string(got.Body))

		keys, err := g.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Identity{id}, keys)
	})

	t.Run("non-GET identities are rejected", func(t *testing.T) {
		s := newStore(t)
		g, err := s.Open(ctx, "dynamic-v1")
		require.NoError(t, err)

		id := NewIdentity(http.MethodPost, mustURL(t, "http://app.test/api/candidates"))
		err = g.Put(ctx, id, testEntry("x", http.StatusOK))
		assert.True(t, errors.Is(err, ErrNotCacheable))

		_, ok, err := s.Match(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("match across generations", func(t *testing.T) {
		s := newStore(t)
		static, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)
		_, err = s.Open(ctx, "dynamic-v1")
		require.NoError(t, err)

		id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/"))
		require.NoError(t, static.Put(ctx, id, testEntry("<html>", http.StatusOK)))

		got, ok, err := s.Match(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "<html>", string(got.Body))

		miss := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/nope"))
		_, ok, err = s.Match(ctx, miss)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete drops the whole generation", func(t *testing.T) {
		s := newStore(t)
		old, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)
		_, err = s.Open(ctx, "static-v2")
		require.NoError(t, err)

		id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/logo.png"))
		require.NoError(t, old.Put(ctx, id, testEntry("png", http.StatusOK)))

		existed, err := s.Delete(ctx, "static-v1")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = s.Delete(ctx, "static-v1")
		require.NoError(t, err)
		assert.False(t, existed)

		names, err := s.Generations(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"static-v2"}, names)

		_, ok, err := s.Match(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s := NewMemoryStore(8 * 1024 * 1024)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// noise returns bytes compression cannot shrink much.
func noise(n, seed int) []byte {
	b := make([]byte, n)
	x := uint32(seed*2654435761 + 1)
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}

func TestMemoryStoreQuota(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(64 * 1024)
	defer s.Close()
	g, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	small := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/small.js"))
	require.NoError(t, g.Put(ctx, small, Entry{Status: http.StatusOK, Body: noise(40*1024, 1)}))

	big := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/big.js"))
	err = g.Put(ctx, big, Entry{Status: http.StatusOK, Body: noise(40*1024, 2)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, errors.CodeRateLimit, errors.GetCode(err))

	got, ok, err := g.Match(ctx, small)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, noise(40*1024, 1), got.Body)
	_, ok, err = g.Match(ctx, big)
	require.NoError(t, err)
	assert.False(t, ok)

	// Replacing an entry only counts the difference.
	require.NoError(t, g.Put(ctx, small, Entry{Status: http.StatusOK, Body: noise(50*1024, 3)}))

	// Deleting the generation frees its share.
	_, err = s.Delete(ctx, "static-v1")
	require.NoError(t, err)
	assert.Zero(t, s.TotalSize())
}

func TestMemoryStoreKeepsLargeEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(64 << 20)
	defer s.Close()
	g, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)

	id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/static/js/main.js"))
	body := noise(200*1024, 4)
	require.NoError(t, g.Put(ctx, id, Entry{Status: http.StatusOK, Body: body}))

	for range 2 {
		got, ok, err := s.Match(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, body, got.Body)
	}
}

func TestMemoryStoreNeverEvicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8 * 1024 * 1024)
	defer s.Close()

	static, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	dynamic, err := s.Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	shell := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/"))
	require.NoError(t, static.Put(ctx, shell, testEntry("<html>shell</html>", http.StatusOK)))

	// Fill the dynamic generation until the quota pushes back.
	var stored int
	for i := range 4000 {
		id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/api/items/"+strconv.Itoa(i)))
		err := dynamic.Put(ctx, id, Entry{Status: http.StatusOK, Body: noise(6*1024, i)})
		if err != nil {
			require.True(t, errors.Is(err, ErrQuotaExceeded))
			break
		}
		stored++
	}
	require.Greater(t, stored, 0)

	got, ok, err := static.Match(ctx, shell)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>shell</html>", string(got.Body))

	first := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/api/items/0"))
	_, ok, err = dynamic.Match(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := dynamic.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, stored)
}

func TestMemoryStoreStaleHandleAfterDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8 * 1024 * 1024)
	defer s.Close()

	old, err := s.Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/api/items"))
	require.NoError(t, old.Put(ctx, id, testEntry("before", http.StatusOK)))
	_, _, err = old.Match(ctx, id) // warm the hot tier
	require.NoError(t, err)

	existed, err := s.Delete(ctx, "dynamic-v1")
	require.NoError(t, err)
	require.True(t, existed)

	err = old.Put(ctx, id, testEntry("late", http.StatusOK))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))

	fresh, err := s.Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	_, ok, err := fresh.Match(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Match(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// The old handle cannot write into the reopened generation either.
	require.Error(t, old.Put(ctx, id, testEntry("late", http.StatusOK)))
	keys, err := fresh.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreConcurrentPutAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8 * 1024 * 1024)
	defer s.Close()

	for round := range 50 {
		g, err := s.Open(ctx, "dynamic-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/api/"+strconv.Itoa(round)+"/"+strconv.Itoa(i)))
				_ = g.Put(ctx, id, testEntry("x", http.StatusOK))
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Delete(ctx, "dynamic-v1")
		}()
		wg.Wait()

		// Whatever landed before the delete went with it.
		fresh, err := s.Open(ctx, "dynamic-v1")
		require.NoError(t, err)
		keys, err := fresh.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys, "round %d", round)
		_, err = s.Delete(ctx, "dynamic-v1")
		require.NoError(t, err)
	}
	assert.Zero(t, s.TotalSize())
}

func TestLevelDBStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, err := OpenLevelDB(t.TempDir(), 0, 1<<20)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestLevelDBStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenLevelDB(dir, 0, 0)
	require.NoError(t, err)
	g, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/app.css"))
	require.NoError(t, g.Put(ctx, id, testEntry(strings.Repeat("body{}", 100), http.StatusOK)))
	size := s.TotalSize()
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(dir, 0, 0)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, names)
	assert.Equal(t, size, s.TotalSize())

	got, ok, err := s.Match(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("body{}", 100), string(got.Body))
}

func TestLevelDBStoreQuota(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelDB(t.TempDir(), 64, 0)
	require.NoError(t, err)
	defer s.Close()

	g, err := s.Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	body := make([]byte, 512)
	for i := range body {
		body[i] = byte((i*7919 + i/3) % 251)
	}
	id := NewIdentity(http.MethodGet, mustURL(t, "http://app.test/api/big"))
	err = g.Put(ctx, id, Entry{Status: http.StatusOK, Body: body})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, errors.CodeRateLimit, errors.GetCode(err))

	_, ok, err := g.Match(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("OFFLINEGW_REDIS_ADDR")
	if addr == "" {
		t.Skip("OFFLINEGW_REDIS_ADDR not set")
	}
	storeContract(t, func(t *testing.T) Store {
		s, err := OpenRedis(RedisOptions{Addr: addr, Namespace: "offlinegw-test-" + t.Name()})
		require.NoError(t, err)
		t.Cleanup(func() {
			names, _ := s.Generations(context.Background())
			for _, n := range names {
				_, _ = s.Delete(context.Background(), n)
			}
			_ = s.Close()
		})
		return s
	})
}
