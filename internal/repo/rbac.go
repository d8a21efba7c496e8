package repo

import (
	"context"
)

func (r Repo) EnsureActor(ctx context.Context, q Querier, actorID string, now string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, q Querier, id, desc string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

// ReplaceRolePermissions makes the stored permission set of roleID equal perms.
func (r Repo) ReplaceRolePermissions(ctx context.Context, q Querier, roleID string, perms []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, p); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, q Querier, actorID, roleID string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, q Querier, actorID, roleID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) AllowVerifierRole(ctx context.Context, q Querier, code, roleID string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO verifier_authorities(code, role_id) VALUES (?,?)`, code, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, q Querier, actorID string) ([]string, error) {
	return r.queryStrings(ctx, q, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
}

// ActorPermissions returns the union of permissions granted through the actor's roles.
func (r Repo) ActorPermissions(ctx context.Context, q Querier, actorID string) ([]string, error) {
	return r.queryStrings(ctx, q, `SELECT DISTINCT rp.permission_id FROM role_permissions rp
JOIN actor_roles ar ON ar.role_id = rp.role_id
WHERE ar.actor_id=? ORDER BY rp.permission_id`, actorID)
}

// VerifierRoles returns the roles allowed to record verdicts for code.
func (r Repo) VerifierRoles(ctx context.Context, q Querier, code string) ([]string, error) {
	return r.queryStrings(ctx, q, `SELECT role_id FROM verifier_authorities WHERE code=? ORDER BY role_id`, code)
}

func (r Repo) queryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
