package app

import (
	"context"
	"fmt"
	"time"

	"mealline/internal/config"
	"mealline/internal/domain"
	"mealline/internal/repo"
)

// EnsureFacility seeds the facility row, the RBAC catalog and the bootstrap
// admin actor from config. Safe to call on every startup; existing rows are
// left untouched.
func EnsureFacility(ctx context.Context, cfg *config.Config, actorID string, r repo.Repo) error {
	if cfg == nil {
		return fmt.Errorf("config required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.EnsureFacility(ctx, tx, domain.Facility{
		ID:        cfg.Facility.ID,
		Name:      cfg.Facility.Name,
		Timezone:  cfg.Facility.Timezone,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("ensure facility: %w", err)
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, roleID, err)
			}
		}
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if _, ok := cfg.RBAC.Roles["admin"]; ok {
		if err := r.AssignRole(ctx, tx, cfg.Facility.ID, actorID, "admin"); err != nil {
			return fmt.Errorf("assign admin role: %w", err)
		}
	}
	return tx.Commit()
}
