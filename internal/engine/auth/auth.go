package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, facilityID, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.facility_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		facilityID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, facilityID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE facility_id=? AND actor_id=?`, facilityID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, facilityID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.facility_id=? AND ar.actor_id=?`, facilityID, actorID)
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
