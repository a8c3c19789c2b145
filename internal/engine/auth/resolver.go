package auth

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"orderline/internal/cache"
	"orderline/internal/obs"
)

// Store reads the access relations of an actor.
type Store interface {
	ActorPermissions(ctx context.Context, actorID string) ([]string, error)
	ActorBranches(ctx context.Context, actorID string) ([]string, error)
}

type cachedScope struct {
	Permissions []string `json:"permissions"`
	Branches    []string `json:"branches"`
}

// Resolver computes actor scopes from the store, caching them per actor.
type Resolver struct {
	Store Store
	Cache cache.Cache
	TTL   time.Duration
	Log   *logrus.Entry
}

func NewResolver(store Store, c cache.Cache, ttl time.Duration, log *logrus.Entry) *Resolver {
	if log == nil {
		log = obs.Nop()
	}
	return &Resolver{Store: store, Cache: c, TTL: ttl, Log: log.WithField("component", "scope")}
}

// Resolve returns the actor scope. Unknown actors get an empty scope.
func (r *Resolver) Resolve(ctx context.Context, actorID string) (*Scope, error) {
	key := cache.ScopeKey(actorID)
	if r.Cache != nil {
		var cached cachedScope
		err := cache.GetJSON(ctx, r.Cache, key, &cached)
		switch {
		case err == nil:
			obs.Metrics().CacheRequests.WithLabelValues("scope", "hit").Inc()
			return newScope(actorID, cached.Permissions, cached.Branches), nil
		case errors.Is(err, cache.ErrMiss):
			obs.Metrics().CacheRequests.WithLabelValues("scope", "miss").Inc()
		default:
			obs.Metrics().CacheRequests.WithLabelValues("scope", "error").Inc()
			r.Log.WithError(err).WithField("actor_id", actorID).Warn("scope cache read failed")
		}
	}
	perms, err := r.Store.ActorPermissions(ctx, actorID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve permissions of %s", actorID)
	}
	branches, err := r.Store.ActorBranches(ctx, actorID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve branches of %s", actorID)
	}
	if r.Cache != nil {
		if err := cache.SetJSON(ctx, r.Cache, key, cachedScope{Permissions: perms, Branches: branches}, r.TTL); err != nil {
			r.Log.WithError(err).WithField("actor_id", actorID).Warn("scope cache write failed")
		}
	}
	return newScope(actorID, perms, branches), nil
}

// ResolvePermissions returns the union of permissions across the actor's roles, sorted.
func (r *Resolver) ResolvePermissions(ctx context.Context, actorID string) ([]string, error) {
	scope, err := r.Resolve(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return scope.PermissionList(), nil
}

// ResolveBranches returns the branches linked to the actor, sorted.
func (r *Resolver) ResolveBranches(ctx context.Context, actorID string) ([]string, error) {
	scope, err := r.Resolve(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return scope.BranchList(), nil
}

// Invalidate drops cached scopes. It must be called after the change that affects them commits.
func (r *Resolver) Invalidate(ctx context.Context, actorIDs ...string) {
	if r.Cache == nil || len(actorIDs) == 0 {
		return
	}
	keys := make([]string, len(actorIDs))
	for i, id := range actorIDs {
		keys[i] = cache.ScopeKey(id)
	}
	if err := r.Cache.Delete(ctx, keys...); err != nil {
		r.Log.WithError(err).WithField("actors", actorIDs).Warn("scope cache invalidation failed")
	}
}
