package cachestore

import (
	"context"
	"strconv"
	"sync"

	"github.com/coocood/freecache"
	"github.com/jmgilman/go/errors"
)

const (
	minHotSize = 512 * 1024
	maxHotSize = 32 * 1024 * 1024
)

// MemoryStore keeps every generation in process memory. Entries are held in
// encoded form and are only dropped together with their generation; a write
// that would push the total past maxBytes fails with ErrQuotaExceeded.
//
// Recently read entries are also kept decompressed in a freecache arena. That
// tier may evict at will; a miss there falls through to the generation map.
type MemoryStore struct {
	maxBytes int64
	hot      *freecache.Cache

	mu     sync.RWMutex
	gens   map[string]*memGen
	epoch  uint64
	total  int64
	closed bool
}

type memGen struct {
	epoch   uint64
	entries map[string][]byte
}

// NewMemoryStore returns a store bounded to maxBytes of encoded entries.
// maxBytes <= 0 means unbounded.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	hot := maxBytes / 8
	if hot < minHotSize {
		hot = minHotSize
	}
	if hot > maxHotSize {
		hot = maxHotSize
	}
	return &MemoryStore{
		maxBytes: maxBytes,
		hot:      freecache.NewCache(int(hot)),
		gens:     map[string]*memGen{},
	}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	gen, ok := s.gens[name]
	if !ok {
		s.epoch++
		gen = &memGen{epoch: s.epoch, entries: map[string][]byte{}}
		s.gens[name] = gen
	}
	return &memoryGeneration{store: s, name: name, gen: gen}, nil
}

func (s *MemoryStore) Match(_ context.Context, id Identity) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrClosed
	}
	names := make([]string, 0, len(s.gens))
	for n := range s.gens {
		names = append(names, n)
	}
	return matchAll(names, id, func(name string) (Entry, bool, error) {
		return s.getLocked(name, s.gens[name], id)
	})
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	gen, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	for _, b := range gen.entries {
		s.total -= int64(len(b))
	}
	delete(s.gens, name)
	// Hot keys carry the epoch, so the ones left behind are unreachable.
	return true, nil
}

func (s *MemoryStore) Generations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.gens))
	for n := range s.gens {
		out = append(out, n)
	}
	return out, nil
}

// TotalSize reports the encoded size of every stored entry.
func (s *MemoryStore) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.gens = map[string]*memGen{}
		s.total = 0
		s.hot.Clear()
	}
	return nil
}

// getLocked needs s.mu held, read or write.
func (s *MemoryStore) getLocked(name string, gen *memGen, id Identity) (Entry, bool, error) {
	if gen == nil || !id.Cacheable() {
		return Entry{}, false, nil
	}
	key := id.Key()
	b, ok := gen.entries[key]
	if !ok {
		return Entry{}, false, nil
	}

	hk := hotKey(name, gen.epoch, key)
	if raw, err := s.hot.Get(hk); err == nil {
		if ent, err := unmarshalEntry(raw); err == nil {
			return ent, true, nil
		}
	}
	raw, err := decodePayload(b)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "memory store decode")
	}
	ent, err := unmarshalEntry(raw)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "memory store decode")
	}
	// Too large for the hot tier is fine; the next read decodes again.
	_ = s.hot.Set(hk, raw, 0)
	return ent, true, nil
}

type memoryGeneration struct {
	store *MemoryStore
	name  string
	gen   *memGen
}

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(_ context.Context, id Identity) (Entry, bool, error) {
	s := g.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrClosed
	}
	if s.gens[g.name] != g.gen {
		return Entry{}, false, nil
	}
	return s.getLocked(g.name, g.gen, id)
}

func (g *memoryGeneration) Put(_ context.Context, id Identity, ent Entry) error {
	if !id.Cacheable() {
		return ErrNotCacheable
	}
	b, err := encodeEntry(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode entry")
	}

	s := g.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.gens[g.name] != g.gen {
		// The generation was deleted after this handle was opened.
		return errors.Newf(errors.CodeNotFound, "generation %q no longer exists", g.name)
	}

	key := id.Key()
	old := int64(len(g.gen.entries[key]))
	size := int64(len(b))
	if s.maxBytes > 0 && s.total-old+size > s.maxBytes {
		return ErrQuotaExceeded
	}
	g.gen.entries[key] = b
	s.total += size - old
	s.hot.Del(hotKey(g.name, g.gen.epoch, key))
	return nil
}

func (g *memoryGeneration) Keys(_ context.Context) ([]Identity, error) {
	s := g.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.gens[g.name] != g.gen {
		return nil, nil
	}
	out := make([]Identity, 0, len(g.gen.entries))
	for k := range g.gen.entries {
		if id, ok := ParseKey(k); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func hotKey(name string, epoch uint64, key string) []byte {
	return []byte(name + "\x00" + strconv.FormatUint(epoch, 10) + "\x00" + key)
}

func entryKey(name string, id Identity) []byte {
	return []byte(name + "\x00" + id.Key())
}
