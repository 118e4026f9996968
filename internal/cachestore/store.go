// Package cachestore holds request/response snapshots partitioned into named
// generations. A generation is superseded wholesale when a new version ships;
// entries inside it never expire on their own.
package cachestore

import (
	"context"
	"sort"

	"github.com/jmgilman/go/errors"
)

// Store is the set of generations visible to the gateway.
type Store interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)
	// Match looks the identity up in every generation and returns the first hit.
	Match(ctx context.Context, id Identity) (Entry, bool, error)
	// Delete drops a whole generation. It reports whether one existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Generations lists the names of all known generations.
	Generations(ctx context.Context) ([]string, error)
	Close() error
}

// Generation is a handle on one named partition.
type Generation interface {
	Name() string
	Match(ctx context.Context, id Identity) (Entry, bool, error)
	// Put stores ent under id. Last write wins.
	Put(ctx context.Context, id Identity, ent Entry) error
	Keys(ctx context.Context) ([]Identity, error)
}

var (
	// ErrNotCacheable is returned by Put for identities other than GET.
	ErrNotCacheable = errors.New(errors.CodeInvalidInput, "only GET identities are cacheable")
	// ErrQuotaExceeded is returned by Put when the backend is full.
	ErrQuotaExceeded = errors.New(errors.CodeRateLimit, "cache storage quota exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New(errors.CodeUnavailable, "cache store closed")
)

// matchAll walks the named generations in order and returns the first hit.
// An error from one generation does not hide a hit in another; the first error
// is returned only when nothing matched.
func matchAll(names []string, id Identity, match func(name string) (Entry, bool, error)) (Entry, bool, error) {
	if !id.Cacheable() {
		return Entry{}, false, nil
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var firstErr error
	for _, name := range sorted {
		ent, ok, err := match(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, firstErr
}
