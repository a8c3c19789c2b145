package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a best-effort key/value store. Callers treat every error other than
// ErrMiss as an outage and fall back to the system of record.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// GetJSON decodes a cached value into dst.
func GetJSON(ctx context.Context, c Cache, key string, dst any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrapf(err, "decode cached %s", key)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode cached %s", key)
	}
	return c.Set(ctx, key, raw, ttl)
}

func ItemKey(id string) string {
	return "workitem:" + id
}

func ScopeKey(actorID string) string {
	return "scope:actor:" + actorID
}

// BranchStatsPrefix covers every aggregate of one branch.
func BranchStatsPrefix(branchID string) string {
	return "stats:branch:" + branchID + ":"
}

func BranchStatsKey(branchID string) string {
	return BranchStatsPrefix(branchID) + "status"
}

const GlobalStatsPrefix = "stats:global:"

func GlobalStatsKey() string {
	return GlobalStatsPrefix + "status"
}

// Keyspace returns the metric label for a key.
func Keyspace(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
