package engine

import (
	"context"
	"fmt"
	"time"

	"mealline/internal/events"
)

// Identity describes an actor's effective access at the facility.
type Identity struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

func (e Engine) facilityID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Facility.ID
}

// WhoAmI resolves the stored roles and permissions for an actor.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (Identity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, e.facilityID(), actorID)
	if err != nil {
		return Identity{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, e.facilityID(), actorID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns a configured role to an actor at the facility.
func (e Engine) GrantRole(ctx context.Context, grantedBy, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor_id and role_id are required")
	}
	if e.Config != nil && len(e.Config.RBAC.Roles) > 0 {
		if _, ok := e.Config.RBAC.Roles[roleID]; !ok {
			return fmt.Errorf("unknown role %q", roleID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, e.facilityID(), actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", e.facilityID(), "rbac", actorID, grantedBy, events.EventPayload{
		"role_id": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment.
func (e Engine) RevokeRole(ctx context.Context, revokedBy, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, e.facilityID(), actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", e.facilityID(), "rbac", actorID, revokedBy, events.EventPayload{
		"role_id": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
