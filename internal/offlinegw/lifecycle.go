package offlinegw

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offlinegw/internal/cachestore"
)

// State is a lifecycle phase.
type State int

const (
	StateFailed State = iota - 1
	StateNew
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateFailed:
		return "failed"
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lifecycle provisions the static generation on install and garbage-collects
// superseded generations on activate. It only moves forward through
// new → installing → installed → activating → active; a failed install may be
// retried.
type Lifecycle struct {
	store       cachestore.Store
	fetcher     Fetcher
	origin      string
	manifest    []string
	staticGen   string
	dynamicGen  string
	concurrency int

	// precache lists extra paths fetched best-effort after the manifest.
	precache func(ctx context.Context) ([]string, error)

	log     *zap.Logger
	metrics *metrics

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	claimed     bool
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Ready reports whether requests may be answered through a strategy.
func (l *Lifecycle) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateActive && l.claimed
}

// SkipWaiting reports whether a successful install asked to activate at once.
func (l *Lifecycle) SkipWaiting() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.skipWaiting
}

func (l *Lifecycle) transition(to State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range from {
		if l.state == f {
			l.setLocked(to)
			return nil
		}
	}
	return errors.Newf(errors.CodeConflict, "cannot move lifecycle from %s to %s", l.state, to)
}

func (l *Lifecycle) set(to State) {
	l.mu.Lock()
	l.setLocked(to)
	l.mu.Unlock()
}

func (l *Lifecycle) setLocked(to State) {
	l.state = to
	if l.metrics != nil {
		l.metrics.lifecycleState.Set(float64(to))
	}
}

// Install fetches every manifest entry into the static generation. Any failed
// fetch or store aborts the whole install and leaves the lifecycle failed.
func (l *Lifecycle) Install(ctx context.Context) error {
	if err := l.transition(StateInstalling, StateNew, StateFailed); err != nil {
		return err
	}
	l.log.Info("installing", zap.String("generation", l.staticGen), zap.Int("manifest", len(l.manifest)))

	if err := l.populateManifest(ctx); err != nil {
		l.set(StateFailed)
		l.log.Error("install aborted", zap.Error(err))
		return errors.Wrap(err, errors.CodeUnavailable, "install aborted")
	}
	l.precacheExtra(ctx)

	l.mu.Lock()
	l.setLocked(StateInstalled)
	l.skipWaiting = true
	l.mu.Unlock()
	l.log.Info("installed", zap.String("generation", l.staticGen))
	return nil
}

func (l *Lifecycle) populateManifest(ctx context.Context) error {
	gen, err := l.store.Open(ctx, l.staticGen)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "open %s", l.staticGen)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(l.concurrency)
	for _, p := range l.manifest {
		eg.Go(func() error {
			if err := l.fetchInto(egCtx, gen, p); err != nil {
				return errors.Wrapf(err, errors.CodeNetwork, "precache %s", p)
			}
			return nil
		})
	}
	return eg.Wait()
}

// precacheExtra stores discovered paths that are not in the manifest. Nothing
// here can fail the install.
func (l *Lifecycle) precacheExtra(ctx context.Context) {
	if l.precache == nil {
		return
	}
	paths, err := l.precache(ctx)
	if err != nil {
		l.log.Warn("precache discovery failed", zap.Error(err))
	}
	if len(paths) == 0 {
		return
	}
	gen, err := l.store.Open(ctx, l.staticGen)
	if err != nil {
		l.log.Warn("precache skipped", zap.Error(err))
		return
	}

	inManifest := make(map[string]struct{}, len(l.manifest))
	for _, p := range l.manifest {
		inManifest[p] = struct{}{}
	}
	var (
		eg     errgroup.Group
		mu     sync.Mutex
		stored int
	)
	eg.SetLimit(l.concurrency)
	for _, p := range paths {
		if _, ok := inManifest[p]; ok {
			continue
		}
		eg.Go(func() error {
			if err := l.fetchInto(ctx, gen, p); err != nil {
				l.log.Debug("precache entry skipped", zap.String("path", p), zap.Error(err))
				return nil
			}
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	l.log.Info("precache done", zap.Int("discovered", len(paths)), zap.Int("stored", stored))
}

func (l *Lifecycle) fetchInto(ctx context.Context, gen cachestore.Generation, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.origin+p, nil)
	if err != nil {
		return err
	}
	resp, err := l.fetcher.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return errors.Newf(errors.CodeNetwork, "unexpected status %d", resp.StatusCode)
	}
	ent, err := cachestore.SnapshotResponse(resp)
	if err != nil {
		return err
	}
	id := cachestore.NewIdentity(http.MethodGet, req.URL)
	ent.URL = id.URL
	return gen.Put(ctx, id, ent)
}

// Activate deletes every generation other than the current static and dynamic
// ones, then claims clients. Deletion failures are logged and skipped.
func (l *Lifecycle) Activate(ctx context.Context) error {
	if err := l.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	names, err := l.store.Generations(ctx)
	if err != nil {
		l.log.Warn("listing generations failed, skipping cleanup", zap.Error(err))
	}
	for _, name := range names {
		if name == l.staticGen || name == l.dynamicGen {
			continue
		}
		if _, err := l.store.Delete(ctx, name); err != nil {
			l.log.Warn("deleting stale generation failed", zap.String("generation", name), zap.Error(err))
			continue
		}
		if l.metrics != nil {
			l.metrics.purged.Inc()
		}
		l.log.Info("deleted stale generation", zap.String("generation", name))
	}

	if _, err := l.store.Open(ctx, l.dynamicGen); err != nil {
		// The first dynamic write opens it again.
		l.log.Warn("opening dynamic generation failed", zap.String("generation", l.dynamicGen), zap.Error(err))
	}

	l.mu.Lock()
	l.claimed = true
	l.setLocked(StateActive)
	l.mu.Unlock()
	l.log.Info("active", zap.String("static", l.staticGen), zap.String("dynamic", l.dynamicGen))
	return nil
}
