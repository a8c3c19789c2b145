package workitem

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"orderline/internal/cache"
	"orderline/internal/domain"
	"orderline/internal/obs"
	"orderline/internal/repo"
)

// Repository fronts the SQL store with a cache-aside layer for item reads and
// status aggregates. Writes always go to the store; the engine invalidates
// after its transaction commits.
type Repository struct {
	Store        repo.Repo
	Cache        cache.Cache
	ItemTTL      time.Duration
	AggregateTTL time.Duration
	Log          *logrus.Entry
}

func New(store repo.Repo, c cache.Cache, itemTTL, aggregateTTL time.Duration, log *logrus.Entry) *Repository {
	if log == nil {
		log = obs.Nop()
	}
	return &Repository{
		Store:        store,
		Cache:        c,
		ItemTTL:      itemTTL,
		AggregateTTL: aggregateTTL,
		Log:          log.WithField("component", "workitem"),
	}
}

// Get returns a committed item visible through f. Cached entries are checked
// against f so a shared cache never widens an actor's view.
func (r *Repository) Get(ctx context.Context, id string, f repo.BranchFilter) (domain.WorkItem, error) {
	key := cache.ItemKey(id)
	var w domain.WorkItem
	if r.lookup(ctx, key, &w) {
		if !f.Allows(w.BranchID) {
			return domain.WorkItem{}, repo.ErrNotFound
		}
		return w, nil
	}
	w, err := r.Store.GetWorkItem(ctx, id, f)
	if err != nil {
		return domain.WorkItem{}, err
	}
	r.store(ctx, key, w, r.ItemTTL)
	return w, nil
}

// GetForUpdate reads and locks the row inside tx. It never consults the cache.
func (r *Repository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string, f repo.BranchFilter) (domain.WorkItem, error) {
	return r.Store.GetWorkItemForUpdate(ctx, tx, id, f)
}

func (r *Repository) Insert(ctx context.Context, tx *sqlx.Tx, w domain.WorkItem) error {
	return r.Store.InsertWorkItem(ctx, tx, w)
}

func (r *Repository) Update(ctx context.Context, tx *sqlx.Tx, w domain.WorkItem) error {
	return r.Store.UpdateWorkItem(ctx, tx, w)
}

// List always reads the store; pages are not cached.
func (r *Repository) List(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	return r.Store.ListWorkItems(ctx, f)
}

// StatusCounts returns active item counts per branch and status for the branches f admits.
func (r *Repository) StatusCounts(ctx context.Context, f repo.BranchFilter) ([]domain.StatusCount, error) {
	if f.All {
		return r.counts(ctx, cache.GlobalStatsKey(), "")
	}
	var out []domain.StatusCount
	for _, b := range f.Branches {
		counts, err := r.counts(ctx, cache.BranchStatsKey(b), b)
		if err != nil {
			return nil, err
		}
		out = append(out, counts...)
	}
	return out, nil
}

func (r *Repository) counts(ctx context.Context, key, branchID string) ([]domain.StatusCount, error) {
	var counts []domain.StatusCount
	if r.lookup(ctx, key, &counts) {
		return counts, nil
	}
	counts, err := r.Store.CountByStatus(ctx, branchID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, counts, r.AggregateTTL)
	return counts, nil
}

// Invalidate drops cached items.
func (r *Repository) Invalidate(ctx context.Context, ids ...string) {
	if r.Cache == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.ItemKey(id)
	}
	if err := r.Cache.Delete(ctx, keys...); err != nil {
		r.Log.WithError(err).WithField("keys", keys).Warn("cache invalidation failed")
	}
}

// InvalidateAggregate drops every cached aggregate under the given prefixes.
func (r *Repository) InvalidateAggregate(ctx context.Context, prefixes ...string) {
	if r.Cache == nil {
		return
	}
	for _, p := range prefixes {
		if err := r.Cache.DeletePrefix(ctx, p); err != nil {
			r.Log.WithError(err).WithField("prefix", p).Warn("aggregate invalidation failed")
		}
	}
}

// InvalidateItem drops the item and the aggregates it contributes to.
func (r *Repository) InvalidateItem(ctx context.Context, w domain.WorkItem) {
	r.Invalidate(ctx, w.ID)
	r.InvalidateAggregate(ctx, cache.BranchStatsPrefix(w.BranchID), cache.GlobalStatsPrefix)
}

func (r *Repository) lookup(ctx context.Context, key string, dst any) bool {
	if r.Cache == nil {
		return false
	}
	space := cache.Keyspace(key)
	err := cache.GetJSON(ctx, r.Cache, key, dst)
	switch {
	case err == nil:
		obs.Metrics().CacheRequests.WithLabelValues(space, "hit").Inc()
		return true
	case errors.Is(err, cache.ErrMiss):
		obs.Metrics().CacheRequests.WithLabelValues(space, "miss").Inc()
	default:
		obs.Metrics().CacheRequests.WithLabelValues(space, "error").Inc()
		r.Log.WithError(err).WithField("key", key).Warn("cache read failed, using store")
	}
	return false
}

func (r *Repository) store(ctx context.Context, key string, v any, ttl time.Duration) {
	if r.Cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.Cache, key, v, ttl); err != nil {
		r.Log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}
