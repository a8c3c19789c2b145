package repo

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"

	"orderline/internal/domain"
)

func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...any) error {
	_, err := q.ExecContext(ctx, q.Rebind(query), args...)
	return mapError(err)
}

func (r Repo) EnsureActor(ctx context.Context, q sqlx.ExtContext, actorID, name, now string) error {
	if actorID == "" {
		return domain.Invalid("actor_id", "required")
	}
	return exec(ctx, q, `INSERT INTO actors(id, name, created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`, actorID, nullable(name), now)
}

func (r Repo) EnsureBranch(ctx context.Context, q sqlx.ExtContext, branchID, name, now string) error {
	if branchID == "" {
		return domain.Invalid("branch_id", "required")
	}
	if name == "" {
		name = branchID
	}
	return exec(ctx, q, `INSERT INTO branches(id, name, created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`, branchID, name, now)
}

func (r Repo) InsertRole(ctx context.Context, q sqlx.ExtContext, id, desc string) error {
	return exec(ctx, q, `INSERT INTO roles(id, description) VALUES (?,?) ON CONFLICT DO NOTHING`, id, nullable(desc))
}

func (r Repo) InsertPermission(ctx context.Context, q sqlx.ExtContext, id, desc string) error {
	return exec(ctx, q, `INSERT INTO permissions(id, description) VALUES (?,?) ON CONFLICT DO NOTHING`, id, nullable(desc))
}

func (r Repo) AddRolePermission(ctx context.Context, q sqlx.ExtContext, roleID, permID string) error {
	return exec(ctx, q, `INSERT INTO role_permissions(role_id, permission_id) VALUES (?,?) ON CONFLICT DO NOTHING`, roleID, permID)
}

func (r Repo) RemoveRolePermission(ctx context.Context, q sqlx.ExtContext, roleID, permID string) error {
	return exec(ctx, q, `DELETE FROM role_permissions WHERE role_id=? AND permission_id=?`, roleID, permID)
}

func (r Repo) AssignRole(ctx context.Context, q sqlx.ExtContext, actorID, roleID string) error {
	return exec(ctx, q, `INSERT INTO actor_roles(actor_id, role_id) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, roleID)
}

func (r Repo) RevokeRole(ctx context.Context, q sqlx.ExtContext, actorID, roleID string) error {
	return exec(ctx, q, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
}

func (r Repo) AssignBranch(ctx context.Context, q sqlx.ExtContext, actorID, branchID string) error {
	return exec(ctx, q, `INSERT INTO actor_branches(actor_id, branch_id) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, branchID)
}

func (r Repo) RevokeBranch(ctx context.Context, q sqlx.ExtContext, actorID, branchID string) error {
	return exec(ctx, q, `DELETE FROM actor_branches WHERE actor_id=? AND branch_id=?`, actorID, branchID)
}

// ActorPermissions returns the distinct permissions granted through the actor's roles.
func (r Repo) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	var perms []string
	err := sqlx.SelectContext(ctx, r.DB, &perms, r.rebind(`
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=?
ORDER BY rp.permission_id`), actorID)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "actor permissions")
	}
	return perms, nil
}

// ActorBranches returns the branches the actor is linked to.
func (r Repo) ActorBranches(ctx context.Context, actorID string) ([]string, error) {
	var branches []string
	err := sqlx.SelectContext(ctx, r.DB, &branches, r.rebind(`SELECT branch_id FROM actor_branches WHERE actor_id=? ORDER BY branch_id`), actorID)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "actor branches")
	}
	return branches, nil
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	var roles []string
	err := sqlx.SelectContext(ctx, r.DB, &roles, r.rebind(`SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`), actorID)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "actor roles")
	}
	return roles, nil
}

// ActorsWithRole lists holders of a role, used to invalidate cached scopes after a role changes.
func (r Repo) ActorsWithRole(ctx context.Context, q sqlx.QueryerContext, roleID string) ([]string, error) {
	var actors []string
	err := sqlx.SelectContext(ctx, q, &actors, r.rebind(`SELECT actor_id FROM actor_roles WHERE role_id=? ORDER BY actor_id`), roleID)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "actors with role")
	}
	return actors, nil
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var row struct {
		ID        string         `db:"id"`
		Name      sql.NullString `db:"name"`
		CreatedAt string         `db:"created_at"`
	}
	if err := sqlx.GetContext(ctx, r.DB, &row, r.rebind(`SELECT id,name,created_at FROM actors WHERE id=?`), id); err != nil {
		return domain.Actor{}, mapError(err)
	}
	return domain.Actor{ID: row.ID, Name: row.Name.String, CreatedAt: row.CreatedAt}, nil
}

func (r Repo) GetBranch(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Branch, error) {
	var b domain.Branch
	if err := sqlx.GetContext(ctx, q, &b, r.rebind(`SELECT id,name,created_at FROM branches WHERE id=?`), id); err != nil {
		return b, mapError(err)
	}
	return b, nil
}

func (r Repo) ListBranches(ctx context.Context, f BranchFilter) ([]domain.Branch, error) {
	pred, args := f.predicate("id")
	var out []domain.Branch
	if err := sqlx.SelectContext(ctx, r.DB, &out, r.rebind(`SELECT id,name,created_at FROM branches WHERE `+pred+` ORDER BY id`), args...); err != nil {
		return nil, errors.Wrap(mapError(err), "list branches")
	}
	return out, nil
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var rows []struct {
		ID          string         `db:"id"`
		Description sql.NullString `db:"description"`
	}
	if err := sqlx.SelectContext(ctx, r.DB, &rows, `SELECT id,description FROM roles ORDER BY id`); err != nil {
		return nil, errors.Wrap(mapError(err), "list roles")
	}
	roles := make([]domain.Role, 0, len(rows))
	for _, row := range rows {
		var perms []string
		if err := sqlx.SelectContext(ctx, r.DB, &perms, r.rebind(`SELECT permission_id FROM role_permissions WHERE role_id=? ORDER BY permission_id`), row.ID); err != nil {
			return nil, errors.Wrap(mapError(err), "role permissions")
		}
		roles = append(roles, domain.Role{ID: row.ID, Description: row.Description.String, Permissions: perms})
	}
	return roles, nil
}
