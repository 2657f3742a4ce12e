package repo

import (
	"context"
)

// EnsureActor inserts the actor row if missing.
func (r Repo) EnsureActor(ctx context.Context, actorID, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, actorID, now)
	return err
}

// UpsertRole replaces a role's permission set with the given list.
func (r Repo) UpsertRole(ctx context.Context, roleID, description string, permissions []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id,description) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET description=excluded.description`, roleID, nullable(description)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return err
	}
	for _, p := range permissions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO role_permissions(role_id,permission_id) VALUES (?,?)`, roleID, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) AssignRole(ctx context.Context, actorID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actor_roles(actor_id,role_id) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, roleID)
	return err
}

