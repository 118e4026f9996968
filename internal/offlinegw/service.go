package offlinegw

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"offlinegw/internal/cachestore"
)

const defaultMemoryStoreSize = 64 << 20

// Service owns a Gateway together with the store and HTTP client it runs on,
// and drives its lifecycle in the background.
type Service struct {
	cfg        Config
	log        *zap.Logger
	httpClient *http.Client
	store      cachestore.Store
	gw         *Gateway

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.fetchTimeoutDur
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		// Redirects are returned to the caller as-is.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: client,
		store:      store,
		stopCh:     make(chan struct{}),
	}
	s.gw = New(cfg, Options{Store: store, Fetcher: client, Logger: log})
	return s, nil
}

func openStore(cfg Config) (cachestore.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		size := cfg.ramBytes
		if size <= 0 {
			size = defaultMemoryStoreSize
		}
		return cachestore.NewMemoryStore(size), nil
	case "redis":
		r := cfg.Storage.Redis
		return cachestore.OpenRedis(cachestore.RedisOptions{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			Namespace: r.Namespace,
		})
	case "", "leveldb":
		return cachestore.OpenLevelDB(cfg.Storage.Path, cfg.diskBytes, cfg.ramBytes)
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown storage backend %q", cfg.Storage.Backend)
	}
}

func (s *Service) Gateway() *Gateway { return s.gw }

// Start installs and activates the gateway in the background. A failed install
// is retried every lifecycle.installRetry until it succeeds or Close is called.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		}
		cancel()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLifecycle(ctx)
	}()

	if every := s.cfg.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(ctx, every)
		}()
	}
}

func (s *Service) runLifecycle(ctx context.Context) {
	events := s.gw.Events()
	for {
		err := events.Dispatch(ctx, Event{Kind: EventInstall}).Wait(ctx)
		if err == nil {
			break
		}
		if s.cfg.installRetryDur <= 0 || ctx.Err() != nil {
			return
		}
		s.log.Info("install retry scheduled", zap.Duration("in", s.cfg.installRetryDur))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.installRetryDur):
		}
	}
	if err := events.Dispatch(ctx, Event{Kind: EventActivate}).Wait(ctx); err != nil {
		s.log.Error("activate failed", zap.Error(err))
	}
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logStats(ctx)
		}
	}
}

func (s *Service) logStats(ctx context.Context) {
	ss := s.gw.stats.Snapshot()
	fields := []zap.Field{
		zap.String("state", s.gw.Lifecycle().State().String()),
		zap.Uint64("responses", ss.TotalResponses),
		zap.String("respMin", formatBytes(ss.MinRespBytes)),
		zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
		zap.String("respMax", formatBytes(ss.MaxRespBytes)),
	}
	if names, err := s.store.Generations(ctx); err == nil {
		entries := 0
		for _, name := range names {
			gen, err := s.store.Open(ctx, name)
			if err != nil {
				continue
			}
			if ids, err := gen.Keys(ctx); err == nil {
				entries += len(ids)
			}
		}
		fields = append(fields, zap.Int("generations", len(names)), zap.Int("entries", entries))
	}
	if sized, ok := s.store.(interface{ TotalSize() int64 }); ok {
		fields = append(fields, zap.String("storeUsage", formatBytes(uint64(sized.TotalSize()))))
	}
	for src, n := range ss.BySource {
		if n > 0 {
			fields = append(fields, zap.Uint64(string(src), n))
		}
	}
	s.log.Info("cache stats", fields...)
}

// Handler is the proxy facing clients.
func (s *Service) Handler() http.Handler { return s.gw }

// AdminHandler serves lifecycle state, event injection and metrics.
func (s *Service) AdminHandler() http.Handler { return newAdminRouter(s.gw, s.store) }

// Close stops background loops, waits for pending cache writes and closes the
// store. Later calls return the first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.gw.Close(ctx)
		if err := s.store.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
