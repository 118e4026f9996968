package cachestore

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	g:<generation>                 generation marker
//	e:<generation>\x00<identity>   encoded Entry
//	m:<generation>\x00<identity>   diskMeta
const (
	genKeyPrefix   = "g:"
	entryKeyPrefix = "e:"
	metaKeyPrefix  = "m:"
)

type diskMeta struct {
	Size     int64 `cbor:"1,keyasint"`
	StoredAt int64 `cbor:"2,keyasint"`
}

type diskOp struct {
	putGen  string
	putKey  string
	putEnt  *Entry
	delGen  string
	replyCh chan error
}

// LevelDBStore persists generations in a LevelDB database. Writes go through a
// single writer goroutine, so concurrent puts to one identity land in the order
// the writer receives them. Reads are served from a RAM LRU when possible.
type LevelDBStore struct {
	maxBytes int64

	db  *leveldb.DB
	ram *ramCache

	mu        sync.Mutex
	gens      map[string]struct{}
	index     map[string]diskMeta // keyed by "<generation>\x00<identity>"
	totalSize int64

	closeOnce sync.Once
	ops       chan diskOp
	done      chan struct{}
}

// OpenLevelDB opens (or creates) the database at path. maxBytes bounds the
// stored payload size (0 means unbounded); ramBytes sizes the hot tier.
func OpenLevelDB(path string, maxBytes, ramBytes int64) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open leveldb %s", path)
	}
	s := &LevelDBStore{
		maxBytes: maxBytes,
		db:       db,
		ram:      newRAMCache(ramBytes),
		gens:     map[string]struct{}{},
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *LevelDBStore) loadIndex() error {
	gens := map[string]struct{}{}
	it := s.db.NewIterator(util.BytesPrefix([]byte(genKeyPrefix)), nil)
	for it.Next() {
		gens[string(bytes.TrimPrefix(it.Key(), []byte(genKeyPrefix)))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "scan generations")
	}

	idx := map[string]diskMeta{}
	var total int64
	it = s.db.NewIterator(util.BytesPrefix([]byte(metaKeyPrefix)), nil)
	for it.Next() {
		var meta diskMeta
		if err := decMode.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(metaKeyPrefix)))] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "scan entry index")
	}

	s.mu.Lock()
	s.gens = gens
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// TotalSize reports the stored payload size in bytes.
func (s *LevelDBStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelDBStore) Open(_ context.Context, name string) (Generation, error) {
	s.mu.Lock()
	_, exists := s.gens[name]
	s.mu.Unlock()
	if !exists {
		if err := s.db.Put([]byte(genKeyPrefix+name), nil, nil); err != nil {
			return nil, s.wrapErr(err, "create generation")
		}
		s.mu.Lock()
		s.gens[name] = struct{}{}
		s.mu.Unlock()
	}
	return &levelGeneration{store: s, name: name}, nil
}

func (s *LevelDBStore) Match(_ context.Context, id Identity) (Entry, bool, error) {
	names, _ := s.Generations(context.Background())
	return matchAll(names, id, func(name string) (Entry, bool, error) {
		return s.get(name, id)
	})
}

func (s *LevelDBStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, existed := s.gens[name]
	s.mu.Unlock()
	if !existed {
		return false, nil
	}
	if err := s.submit(diskOp{delGen: name}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDBStore) Generations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for n := range s.gens {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.ops)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *LevelDBStore) get(name string, id Identity) (Entry, bool, error) {
	if !id.Cacheable() {
		return Entry{}, false, nil
	}
	key := string(entryKey(name, id))
	if ent, ok := s.ram.Get(key); ok {
		return ent, true, nil
	}
	b, err := s.db.Get([]byte(entryKeyPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, s.wrapErr(err, "get entry")
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "decode entry")
	}
	s.mu.Lock()
	_, live := s.gens[name]
	s.mu.Unlock()
	if live {
		s.ram.Put(key, ent, int64(len(b)))
	}
	return ent, true, nil
}

// submit hands op to the writer and waits for it to be applied.
func (s *LevelDBStore) submit(op diskOp) (err error) {
	defer func() {
		// Sending on the closed ops channel after Close.
		if recover() != nil {
			err = ErrClosed
		}
	}()
	op.replyCh = make(chan error, 1)
	s.ops <- op
	return <-op.replyCh
}

func (s *LevelDBStore) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range s.ops {
		var err error
		switch {
		case op.delGen != "":
			err = s.applyDeleteGeneration(op.delGen)
		case op.putEnt != nil:
			err = s.applyPut(op.putGen, op.putKey, *op.putEnt)
		}
		op.replyCh <- err
	}
}

func (s *LevelDBStore) applyPut(gen, idKey string, ent Entry) error {
	s.mu.Lock()
	_, live := s.gens[gen]
	s.mu.Unlock()
	if !live {
		return errors.Newf(errors.CodeNotFound, "generation %q no longer exists", gen)
	}

	b, err := encodeEntry(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode entry")
	}
	size := int64(len(b))
	key := gen + "\x00" + idKey

	s.mu.Lock()
	old := s.index[key]
	if s.maxBytes > 0 && s.totalSize-old.Size+size > s.maxBytes {
		s.mu.Unlock()
		return ErrQuotaExceeded
	}
	s.mu.Unlock()

	meta := diskMeta{Size: size, StoredAt: ent.StoredAt}
	mb, err := encMode.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode meta")
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(entryKeyPrefix+key), b)
	batch.Put([]byte(metaKeyPrefix+key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return s.wrapErr(err, "write entry")
	}

	s.mu.Lock()
	s.totalSize += size - old.Size
	s.index[key] = meta
	s.mu.Unlock()
	s.ram.Put(key, ent, size)
	return nil
}

func (s *LevelDBStore) applyDeleteGeneration(gen string) error {
	prefix := gen + "\x00"
	batch := new(leveldb.Batch)
	batch.Delete([]byte(genKeyPrefix + gen))
	for _, p := range []string{entryKeyPrefix, metaKeyPrefix} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p+prefix)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return s.wrapErr(err, "scan generation")
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return s.wrapErr(err, "delete generation")
	}

	s.mu.Lock()
	delete(s.gens, gen)
	for k, meta := range s.index {
		if strings.HasPrefix(k, prefix) {
			s.totalSize -= meta.Size
			delete(s.index, k)
		}
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(prefix)
	return nil
}

func (s *LevelDBStore) wrapErr(err error, msg string) error {
	if err == leveldb.ErrClosed {
		return ErrClosed
	}
	return errors.Wrap(err, errors.CodeDatabase, msg)
}

type levelGeneration struct {
	store *LevelDBStore
	name  string
}

func (g *levelGeneration) Name() string { return g.name }

func (g *levelGeneration) Match(_ context.Context, id Identity) (Entry, bool, error) {
	return g.store.get(g.name, id)
}

func (g *levelGeneration) Put(_ context.Context, id Identity, ent Entry) error {
	if !id.Cacheable() {
		return ErrNotCacheable
	}
	clone := ent
	return g.store.submit(diskOp{putGen: g.name, putKey: id.Key(), putEnt: &clone})
}

func (g *levelGeneration) Keys(_ context.Context) ([]Identity, error) {
	prefix := g.name + "\x00"
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	var out []Identity
	for k := range g.store.index {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if id, ok := ParseKey(k[len(prefix):]); ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
