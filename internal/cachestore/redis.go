package cachestore

import (
	"context"

	"github.com/jmgilman/go/errors"
	"gopkg.in/redis.v4"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// RedisStore keeps one hash per generation ("<ns>:gen:<name>", field = identity
// key) and the set of generation names under "<ns>:generations".
type RedisStore struct {
	client *redis.Client
	ns     string
}

func OpenRedis(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "redis address is required")
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "offlinegw"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, errors.CodeNetwork, "connect to redis at %s", opts.Addr)
	}
	return &RedisStore{client: client, ns: ns}, nil
}

func (s *RedisStore) setKey() string             { return s.ns + ":generations" }
func (s *RedisStore) hashKey(name string) string { return s.ns + ":gen:" + name }

func (s *RedisStore) Open(_ context.Context, name string) (Generation, error) {
	if err := s.client.SAdd(s.setKey(), name).Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "register generation")
	}
	return &redisGeneration{store: s, name: name}, nil
}

func (s *RedisStore) Match(ctx context.Context, id Identity) (Entry, bool, error) {
	names, err := s.Generations(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	return matchAll(names, id, func(name string) (Entry, bool, error) {
		return s.get(name, id)
	})
}

func (s *RedisStore) Delete(_ context.Context, name string) (bool, error) {
	existed, err := s.client.SIsMember(s.setKey(), name).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "check generation")
	}
	if err := s.client.Del(s.hashKey(name)).Err(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "delete generation entries")
	}
	if err := s.client.SRem(s.setKey(), name).Err(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "unregister generation")
	}
	return existed, nil
}

func (s *RedisStore) Generations(_ context.Context) ([]string, error) {
	names, err := s.client.SMembers(s.setKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list generations")
	}
	return names, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(name string, id Identity) (Entry, bool, error) {
	if !id.Cacheable() {
		return Entry{}, false, nil
	}
	b, err := s.client.HGet(s.hashKey(name), id.Key()).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "redis get")
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "decode entry")
	}
	return ent, true, nil
}

type redisGeneration struct {
	store *RedisStore
	name  string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Match(_ context.Context, id Identity) (Entry, bool, error) {
	return g.store.get(g.name, id)
}

func (g *redisGeneration) Put(_ context.Context, id Identity, ent Entry) error {
	if !id.Cacheable() {
		return ErrNotCacheable
	}
	b, err := encodeEntry(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode entry")
	}
	if err := g.store.client.HSet(g.store.hashKey(g.name), id.Key(), string(b)).Err(); err != nil {
		if isOOM(err) {
			return ErrQuotaExceeded
		}
		return errors.Wrap(err, errors.CodeDatabase, "redis put")
	}
	return nil
}

func (g *redisGeneration) Keys(_ context.Context) ([]Identity, error) {
	keys, err := g.store.client.HKeys(g.store.hashKey(g.name)).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list entries")
	}
	out := make([]Identity, 0, len(keys))
	for _, k := range keys {
		if id, ok := ParseKey(k); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// isOOM matches the error redis returns when maxmemory is reached.
func isOOM(err error) bool {
	msg := err.Error()
	return len(msg) >= 3 && msg[:3] == "OOM"
}
