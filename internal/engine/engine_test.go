package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mealline/internal/app"
	"mealline/internal/config"
	"mealline/internal/db"
	"mealline/internal/domain"
	"mealline/internal/engine"
	"mealline/internal/migrate"
	"mealline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("sunrise-manor")
	ctx := context.Background()
	if err := app.EnsureFacility(ctx, cfg, "tester", repo.Repo{DB: conn}); err != nil {
		t.Fatalf("seed facility: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func createOrder(t *testing.T, env testEnv) domain.MealOrder {
	t.Helper()
	o, warning, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		ResidentID:   "resident-1",
		MealType:     "lunch",
		Items:        []domain.OrderItem{{Name: "soup", Portion: "small"}},
		ScheduledFor: "2026-03-02T12:00:00Z",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if warning != "" {
		t.Fatalf("unexpected warning: %s", warning)
	}
	return o
}

func strPtr(s string) *string { return &s }

func TestCreateOrderStartsAtVersionOne(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if o.Version != 1 {
		t.Fatalf("version = %d, want 1", o.Version)
	}
	if o.Status != "pending" {
		t.Fatalf("status = %s, want pending", o.Status)
	}
	snaps, err := env.Engine.OrderHistory(env.Ctx, o.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ChangeType != "create" || snaps[0].Version != 1 {
		t.Fatalf("want one create snapshot at version 1, got %+v", snaps)
	}
}

func TestVersionIncrementsOnEveryUpdate(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	notes := []string{"low salt", "no dairy", "soft food", "small portions", "extra sauce"}
	for i, n := range notes {
		v := o.Version
		updated, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
			ID:           o.ID,
			DietaryNotes: strPtr(n),
			Version:      &v,
			ActorID:      "tester",
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if updated.Version != v+1 {
			t.Fatalf("update %d: version = %d, want %d", i, updated.Version, v+1)
		}
		o = updated
	}
	if o.Version != int64(1+len(notes)) {
		t.Fatalf("final version = %d, want %d", o.Version, 1+len(notes))
	}
}

func TestEmptyDietaryNotesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	stored, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get after create: %v", err)
	}
	if stored.DietaryNotes != "" {
		t.Fatalf("notes after create = %q, want empty", stored.DietaryNotes)
	}

	v := stored.Version
	if _, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("low salt"), Version: &v, ActorID: "tester",
	}); err != nil {
		t.Fatalf("set notes: %v", err)
	}

	// Clearing the notes back to empty must write, not fail or go NULL.
	v++
	cleared, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr(""), Version: &v, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("clear notes: %v", err)
	}
	if cleared.DietaryNotes != "" || cleared.Version != 3 {
		t.Fatalf("cleared = %+v", cleared)
	}
}

func TestStaleVersionConflictLeavesOrderUntouched(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	v1 := o.Version
	if _, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("first writer"), Version: &v1, ActorID: "alice",
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Second writer still holds version 1.
	_, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("second writer"), Version: &v1, ActorID: "bob",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want ConflictError, got %v", err)
	}
	if conflict.Current.Version != 2 {
		t.Fatalf("conflict current version = %d, want 2", conflict.Current.Version)
	}
	if conflict.Current.DietaryNotes != "first writer" {
		t.Fatalf("conflict current notes = %q", conflict.Current.DietaryNotes)
	}
	if conflict.Submitted.Version != 1 || conflict.Submitted.DietaryNotes != "second writer" {
		t.Fatalf("conflict submitted = %+v", conflict.Submitted)
	}

	// The losing write must not have changed anything.
	fresh, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Version != 2 || fresh.DietaryNotes != "first writer" {
		t.Fatalf("order mutated by losing write: %+v", fresh)
	}
}

func TestConflictOnAnyWrongVersion(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	for _, wrong := range []int64{0, 2, 99} {
		v := wrong
		_, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
			ID: o.ID, DietaryNotes: strPtr("x"), Version: &v, ActorID: "tester",
		})
		var conflict engine.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("version %d: want ConflictError, got %v", wrong, err)
		}
	}
}

func TestUnversionedUpdateWins(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	updated, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("trusted path"), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("unversioned update: %v", err)
	}
	if updated.Version != 2 || updated.DietaryNotes != "trusted path" {
		t.Fatalf("unversioned update result: %+v", updated)
	}
}

func TestSnapshotSequencePerDocument(t *testing.T) {
	env := newTestEnv(t)
	a := createOrder(t, env)
	b := createOrder(t, env)

	for i := 0; i < 3; i++ {
		v := a.Version
		var err error
		a, _, err = env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
			ID: a.ID, DietaryNotes: strPtr("note"), Version: &v, ActorID: "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
		a, _, err = env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
			ID: a.ID, DietaryNotes: strPtr("other"), ActorID: "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	snapsA, err := env.Engine.OrderHistory(env.Ctx, a.ID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 1 create + 6 updates, versions contiguous and newest first.
	if len(snapsA) != 7 {
		t.Fatalf("order A snapshots = %d, want 7", len(snapsA))
	}
	for i, s := range snapsA {
		want := int64(len(snapsA) - i)
		if s.Version != want {
			t.Fatalf("snapshot %d version = %d, want %d", i, s.Version, want)
		}
	}

	snapsB, err := env.Engine.OrderHistory(env.Ctx, b.ID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapsB) != 1 || snapsB[0].Version != 1 {
		t.Fatalf("order B snapshots = %+v, want only create at version 1", snapsB)
	}
}

func TestSnapshotHoldsPreMutationState(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	v := o.Version
	if _, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("changed"), Version: &v, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	snaps, err := env.Engine.OrderHistory(env.Ctx, o.ID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	var pre domain.MealOrder
	if err := json.Unmarshal([]byte(snaps[0].SnapshotJSON), &pre); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if pre.DietaryNotes != "" || pre.Version != 1 {
		t.Fatalf("snapshot should hold pre-update state, got %+v", pre)
	}
	var fields []string
	if err := json.Unmarshal([]byte(snaps[0].ChangedFieldsJSON), &fields); err != nil {
		t.Fatal(err)
	}
	if len(fields) != 1 || fields[0] != "dietary_notes" {
		t.Fatalf("changed fields = %v", fields)
	}
}

func TestResolveConflictTargetsLatestVersion(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	v1 := o.Version
	if _, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("alice's edit"), Version: &v1, ActorID: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("bob's edit"), Version: &v1, ActorID: "bob",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want conflict, got %v", err)
	}

	resolved, _, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveOptions{
		ID:           o.ID,
		DietaryNotes: strPtr("alice's edit; bob's edit"),
		ResolvedBy:   "bob",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Version != 3 {
		t.Fatalf("resolved version = %d, want 3", resolved.Version)
	}
	if resolved.DietaryNotes != "alice's edit; bob's edit" {
		t.Fatalf("resolved notes = %q", resolved.DietaryNotes)
	}

	snaps, err := env.Engine.OrderHistory(env.Ctx, o.ID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !snaps[0].Resolution {
		t.Fatalf("latest snapshot should be marked as resolution")
	}
	var pre domain.MealOrder
	if err := json.Unmarshal([]byte(snaps[0].SnapshotJSON), &pre); err != nil {
		t.Fatal(err)
	}
	if pre.DietaryNotes != "alice's edit" {
		t.Fatalf("resolution snapshot should hold pre-resolve state, got %q", pre.DietaryNotes)
	}
}

func TestResolveRequiresMergedData(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	_, _, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveOptions{ID: o.ID, ResolvedBy: "tester"})
	if !errors.Is(err, engine.ErrNoMergedData) {
		t.Fatalf("want ErrNoMergedData, got %v", err)
	}
}

func TestResolveMissingOrder(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveOptions{
		ID: "nope", DietaryNotes: strPtr("x"), ResolvedBy: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	for _, status := range []string{"confirmed", "preparing", "prepared", "completed"} {
		var err error
		o, _, err = env.Engine.SetOrderStatus(env.Ctx, o.ID, status, "kitchen-1", false)
		if err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
		if o.Status != status {
			t.Fatalf("status = %s, want %s", o.Status, status)
		}
	}
	// completed is final
	if _, _, err := env.Engine.SetOrderStatus(env.Ctx, o.ID, "pending", "kitchen-1", false); err == nil {
		t.Fatalf("expected transition error from completed")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if _, _, err := env.Engine.SetOrderStatus(env.Ctx, o.ID, "prepared", "kitchen-1", false); err == nil {
		t.Fatalf("expected pending -> prepared to fail")
	}
	// force bypasses the transition table
	if _, _, err := env.Engine.SetOrderStatus(env.Ctx, o.ID, "prepared", "kitchen-1", true); err != nil {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestGetOrderServesCachedReads(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if _, err := env.Engine.GetOrder(env.Ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	cached, ok := env.Engine.Cache.Get(o.ID)
	if !ok || cached.ID != o.ID {
		t.Fatalf("order not cached after read")
	}
	v := o.Version
	if _, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("fresh"), Version: &v, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DietaryNotes != "fresh" {
		t.Fatalf("cache served stale order after write: %+v", got)
	}
}

func TestConflictEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	wrong := int64(42)
	_, _, err := env.Engine.UpdateOrder(env.Ctx, engine.OrderUpdateOptions{
		ID: o.ID, DietaryNotes: strPtr("x"), Version: &wrong, ActorID: "tester",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "sunrise-manor", "order.conflict", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("conflict events = %d, want 1", len(events))
	}
}

func TestWhoAmIReflectsGrants(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "tester", "nurse-7", "caregiver"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "nurse-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "caregiver" {
		t.Fatalf("roles = %v", who.Roles)
	}
	hasCreate := false
	for _, p := range who.Permissions {
		if p == "order.create" {
			hasCreate = true
		}
	}
	if !hasCreate {
		t.Fatalf("caregiver should carry order.create, got %v", who.Permissions)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "tester", "nurse-7", "caregiver"); err != nil {
		t.Fatal(err)
	}
	who, err = env.Engine.WhoAmI(env.Ctx, "nurse-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(who.Roles) != 0 {
		t.Fatalf("roles after revoke = %v", who.Roles)
	}
}
