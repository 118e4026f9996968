package offlinegw

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offlinegw/internal/cachestore"
)

// revalidator refreshes every entry of one generation from the network. An
// entry is replaced only when the fresh copy is cacheable and its body differs;
// unreachable or failing URLs keep their old copy.
type revalidator struct {
	store       cachestore.Store
	fetcher     Fetcher
	generation  string
	concurrency int
	log         *zap.Logger
}

func (r *revalidator) Reconcile(ctx context.Context) error {
	gen, err := r.store.Open(ctx, r.generation)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "open %s", r.generation)
	}
	ids, err := gen.Keys(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "list %s", r.generation)
	}

	var updated, failed atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(r.concurrency, 1))
	for _, id := range ids {
		eg.Go(func() error {
			changed, err := r.revalidateOne(egCtx, gen, id)
			switch {
			case err != nil:
				failed.Add(1)
				r.log.Debug("revalidate skipped", zap.String("url", id.URL), zap.Error(err))
			case changed:
				updated.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	r.log.Info("revalidated",
		zap.String("generation", r.generation),
		zap.Int("entries", len(ids)),
		zap.Int64("updated", updated.Load()),
		zap.Int64("failed", failed.Load()))
	return ctx.Err()
}

func (r *revalidator) revalidateOne(ctx context.Context, gen cachestore.Generation, id cachestore.Identity) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, id.Method, id.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := r.fetcher.Do(req)
	if err != nil {
		return false, err
	}
	if !cacheableResponse(resp) {
		_ = resp.Body.Close()
		return false, errors.Newf(errors.CodeNetwork, "not cacheable (status %d)", resp.StatusCode)
	}
	fresh, err := cachestore.SnapshotResponse(resp)
	if err != nil {
		return false, err
	}
	fresh.URL = id.URL

	cur, ok, err := gen.Match(ctx, id)
	if err == nil && ok && cur.Hash32 == fresh.Hash32 && cur.Status == fresh.Status {
		return false, nil
	}
	if err := gen.Put(ctx, id, fresh); err != nil {
		return false, err
	}
	return true, nil
}
