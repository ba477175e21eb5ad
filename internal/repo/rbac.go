package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, facilityID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(facility_id, actor_id, role_id) VALUES (?,?,?)`, facilityID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, facilityID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE facility_id=? AND actor_id=? AND role_id=?`, facilityID, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, facilityID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE facility_id=? AND actor_id=?`, facilityID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (r Repo) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id=?`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// ActorHasPermission checks the role tables for a facility-scoped grant.
func (r Repo) ActorHasPermission(ctx context.Context, facilityID, actorID, permission string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*)
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id = ar.role_id
WHERE ar.facility_id=? AND ar.actor_id=? AND rp.permission_id=?`, facilityID, actorID, permission).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
