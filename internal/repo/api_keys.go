package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"

	"orderline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, q sqlx.ExtContext, key domain.APIKey) error {
	if key.ID == "" {
		return domain.Invalid("id", "required")
	}
	if key.ActorID == "" {
		return domain.Invalid("actor_id", "required")
	}
	if key.KeyHash == "" {
		return domain.Invalid("key_hash", "required")
	}
	return exec(ctx, q, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var row struct {
		ID        string         `db:"id"`
		ActorID   string         `db:"actor_id"`
		Name      sql.NullString `db:"name"`
		KeyHash   string         `db:"key_hash"`
		CreatedAt string         `db:"created_at"`
	}
	err := sqlx.GetContext(ctx, r.DB, &row, r.rebind(`SELECT id, actor_id, name, key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`), hash)
	if err != nil {
		return domain.APIKey{}, errors.Wrap(mapError(err), "api key")
	}
	return domain.APIKey{ID: row.ID, ActorID: row.ActorID, Name: row.Name.String, KeyHash: row.KeyHash, CreatedAt: row.CreatedAt}, nil
}
