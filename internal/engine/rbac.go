package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"orderline/internal/domain"
	"orderline/internal/ids"
	"orderline/internal/repo"
)

// Role sets seeded by SeedDefaults.
var defaultRoles = []domain.Role{
	{ID: "admin", Description: "full access in every branch", Permissions: []string{domain.Wildcard}},
	{ID: "manager", Description: "runs the lifecycle of branch items", Permissions: []string{
		domain.PermItemCreate, domain.PermItemRead, domain.PermItemUpdate, domain.PermItemDelete,
		domain.PermItemComment, domain.PermHistoryRead, domain.PermStatsRead,
	}},
	{ID: "clerk", Description: "creates and works branch items", Permissions: []string{
		domain.PermItemCreate, domain.PermItemRead, domain.PermItemUpdate, domain.PermItemComment, domain.PermHistoryRead,
	}},
	{ID: "viewer", Description: "read-only", Permissions: []string{
		domain.PermItemRead, domain.PermHistoryRead, domain.PermStatsRead,
	}},
}

func DefaultRoles() []domain.Role {
	return defaultRoles
}

// SeedDefaults installs the default roles and makes adminID an admin. It is an
// operator action and bypasses the permission gate.
func (e Engine) SeedDefaults(ctx context.Context, adminID string) error {
	if err := requireActor(adminID); err != nil {
		return err
	}
	now := repo.FormatTime(e.now())
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, role := range defaultRoles {
			if err := e.Repo.InsertRole(ctx, tx, role.ID, role.Description); err != nil {
				return fmt.Errorf("seed role %s: %w", role.ID, err)
			}
			for _, p := range role.Permissions {
				if err := e.Repo.InsertPermission(ctx, tx, p, ""); err != nil {
					return fmt.Errorf("seed permission %s: %w", p, err)
				}
				if err := e.Repo.AddRolePermission(ctx, tx, role.ID, p); err != nil {
					return err
				}
			}
		}
		if err := e.Repo.EnsureActor(ctx, tx, adminID, "", now); err != nil {
			return err
		}
		return e.Repo.AssignRole(ctx, tx, adminID, "admin")
	})
	if err != nil {
		return err
	}
	e.Scopes.Invalidate(ctx, adminID)
	return nil
}

// EnsureActor registers an actor if unknown. Authentication calls it for every verified principal.
func (e Engine) EnsureActor(ctx context.Context, actorID, name string) error {
	if err := requireActor(actorID); err != nil {
		return err
	}
	_, err := e.Repo.GetActor(ctx, actorID)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return e.Repo.EnsureActor(ctx, e.DB, actorID, name, repo.FormatTime(e.now()))
}

// admin authorizes callerID for rbac.manage and runs fn in a transaction.
func (e Engine) admin(ctx context.Context, op, callerID string, fn func(tx *sqlx.Tx) error) (err error) {
	ctx, done := e.track(ctx, op, callerID)
	defer func() { done(err) }()
	if _, err := e.Gate.Authorize(ctx, callerID, domain.PermRBACManage, ""); err != nil {
		return err
	}
	if err := e.inTx(ctx, fn); err != nil {
		return err
	}
	e.Log.WithField("op", op).WithField("actor_id", callerID).Info("access changed")
	return nil
}

func (e Engine) EnsureBranch(ctx context.Context, callerID, branchID, name string) error {
	return e.admin(ctx, "rbac.branch", callerID, func(tx *sqlx.Tx) error {
		return e.Repo.EnsureBranch(ctx, tx, branchID, name, repo.FormatTime(e.now()))
	})
}

func (e Engine) AssignRole(ctx context.Context, callerID, actorID, roleID string) error {
	err := e.admin(ctx, "rbac.assign_role", callerID, func(tx *sqlx.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, "", repo.FormatTime(e.now())); err != nil {
			return err
		}
		return e.Repo.AssignRole(ctx, tx, actorID, roleID)
	})
	if err == nil {
		e.Scopes.Invalidate(ctx, actorID)
	}
	return err
}

func (e Engine) RevokeRole(ctx context.Context, callerID, actorID, roleID string) error {
	err := e.admin(ctx, "rbac.revoke_role", callerID, func(tx *sqlx.Tx) error {
		return e.Repo.RevokeRole(ctx, tx, actorID, roleID)
	})
	if err == nil {
		e.Scopes.Invalidate(ctx, actorID)
	}
	return err
}

func (e Engine) AssignBranch(ctx context.Context, callerID, actorID, branchID string) error {
	err := e.admin(ctx, "rbac.assign_branch", callerID, func(tx *sqlx.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, "", repo.FormatTime(e.now())); err != nil {
			return err
		}
		return e.Repo.AssignBranch(ctx, tx, actorID, branchID)
	})
	if err == nil {
		e.Scopes.Invalidate(ctx, actorID)
	}
	return err
}

func (e Engine) RevokeBranch(ctx context.Context, callerID, actorID, branchID string) error {
	err := e.admin(ctx, "rbac.revoke_branch", callerID, func(tx *sqlx.Tx) error {
		return e.Repo.RevokeBranch(ctx, tx, actorID, branchID)
	})
	if err == nil {
		e.Scopes.Invalidate(ctx, actorID)
	}
	return err
}

// GrantPermission adds a permission to a role, creating both if needed, and
// invalidates every holder of the role.
func (e Engine) GrantPermission(ctx context.Context, callerID, roleID, permission string) error {
	var holders []string
	err := e.admin(ctx, "rbac.grant", callerID, func(tx *sqlx.Tx) error {
		if roleID == "" || permission == "" {
			return domain.Invalid("role", "role and permission required")
		}
		if err := e.Repo.InsertRole(ctx, tx, roleID, ""); err != nil {
			return err
		}
		if err := e.Repo.InsertPermission(ctx, tx, permission, ""); err != nil {
			return err
		}
		if err := e.Repo.AddRolePermission(ctx, tx, roleID, permission); err != nil {
			return err
		}
		var err error
		holders, err = e.Repo.ActorsWithRole(ctx, tx, roleID)
		return err
	})
	if err == nil {
		e.Scopes.Invalidate(ctx, holders...)
	}
	return err
}

// RevokePermission removes a permission from a role and invalidates its holders.
func (e Engine) RevokePermission(ctx context.Context, callerID, roleID, permission string) error {
	var holders []string
	err := e.admin(ctx, "rbac.revoke", callerID, func(tx *sqlx.Tx) error {
		if err := e.Repo.RemoveRolePermission(ctx, tx, roleID, permission); err != nil {
			return err
		}
		var err error
		holders, err = e.Repo.ActorsWithRole(ctx, tx, roleID)
		return err
	})
	if err == nil {
		e.Scopes.Invalidate(ctx, holders...)
	}
	return err
}

func (e Engine) Roles(ctx context.Context, callerID string) ([]domain.Role, error) {
	if _, err := e.Gate.Authorize(ctx, callerID, domain.PermRBACManage, ""); err != nil {
		return nil, err
	}
	return e.Repo.ListRoles(ctx)
}

// CreateAPIKey issues a key for actorID. The plaintext is returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, callerID, actorID, name string) (string, domain.APIKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	secret := "ol_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        ids.Random(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: repo.FormatTime(e.now()),
	}
	err := e.admin(ctx, "rbac.api_key", callerID, func(tx *sqlx.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, "", key.CreatedAt); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}
