package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mealline/internal/app"
	"mealline/internal/archive"
	"mealline/internal/config"
	"mealline/internal/db"
	"mealline/internal/domain"
	"mealline/internal/engine"
	"mealline/internal/migrate"
	"mealline/internal/repo"
)

type sweepEnv struct {
	Engine  engine.Engine
	Sweeper *archive.Sweeper
	Ctx     context.Context
	Now     *time.Time
}

func newSweepEnv(t *testing.T) sweepEnv {
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
	now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return now }
	return sweepEnv{
		Engine:  eng,
		Sweeper: archive.New(eng, nil),
		Ctx:     ctx,
		Now:     &now,
	}
}

func (env sweepEnv) createOrder(t *testing.T, resident string) domain.MealOrder {
	t.Helper()
	o, _, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		ResidentID:   resident,
		MealType:     "dinner",
		ScheduledFor: "2026-01-01T18:00:00Z",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func (env sweepEnv) complete(t *testing.T, id string) {
	t.Helper()
	for _, status := range []string{"confirmed", "preparing", "prepared", "completed"} {
		if _, _, err := env.Engine.SetOrderStatus(env.Ctx, id, status, "kitchen", false); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}
}

func TestSweepArchivesExpiredTerminalOrders(t *testing.T) {
	env := newSweepEnv(t)
	old := env.createOrder(t, "resident-old")
	env.complete(t, old.ID)
	pending := env.createOrder(t, "resident-pending")

	*env.Now = env.Now.AddDate(0, 0, 2)
	recent := env.createOrder(t, "resident-recent")
	env.complete(t, recent.ID)

	// 91 days after the first order, 89 after the second.
	*env.Now = time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC).AddDate(0, 0, 91)

	res, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.OrdersArchived != 1 {
		t.Fatalf("orders archived = %d, want 1", res.OrdersArchived)
	}
	if res.Failed != 0 {
		t.Fatalf("failed = %d", res.Failed)
	}

	if _, err := env.Engine.Repo.GetOrder(env.Ctx, old.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expired order should be deleted, got %v", err)
	}
	rec, err := env.Engine.Repo.LatestArchivedRecord(env.Ctx, engine.OrderCollection, old.ID)
	if err != nil {
		t.Fatalf("archived record: %v", err)
	}
	if rec.DocumentID != old.ID || rec.PayloadJSON == "" {
		t.Fatalf("archived record = %+v", rec)
	}

	// Non-terminal orders are never archived, whatever their age.
	if _, err := env.Engine.Repo.GetOrder(env.Ctx, pending.ID); err != nil {
		t.Fatalf("pending order should survive: %v", err)
	}
	// Orders inside the retention window stay.
	if _, err := env.Engine.Repo.GetOrder(env.Ctx, recent.ID); err != nil {
		t.Fatalf("recent order should survive: %v", err)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newSweepEnv(t)
	o := env.createOrder(t, "resident-1")
	env.complete(t, o.ID)
	*env.Now = env.Now.AddDate(0, 0, 120)

	first, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.OrdersArchived != 1 {
		t.Fatalf("first run archived %d orders", first.OrdersArchived)
	}
	second, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.OrdersArchived != 0 {
		t.Fatalf("second run archived %d orders, want 0", second.OrdersArchived)
	}

	recs, err := env.Engine.Repo.ListArchivedRecords(env.Ctx, engine.OrderCollection, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("archived records = %d, want 1", len(recs))
	}
}

func TestSweepKeepsHistoryReadable(t *testing.T) {
	env := newSweepEnv(t)
	o := env.createOrder(t, "resident-1")
	env.complete(t, o.ID)
	*env.Now = env.Now.AddDate(0, 0, 120)
	if _, err := env.Sweeper.Run(env.Ctx); err != nil {
		t.Fatal(err)
	}
	snaps, err := env.Engine.OrderHistory(env.Ctx, o.ID, 100, 0)
	if err != nil {
		t.Fatalf("history after archive: %v", err)
	}
	// create + four status changes, all inside snapshot retention
	if len(snaps) != 5 {
		t.Fatalf("snapshots = %d, want 5", len(snaps))
	}
}

func TestSweepDetectsSnapshotGaps(t *testing.T) {
	env := newSweepEnv(t)
	o := env.createOrder(t, "resident-1")

	// Bump the version behind the recorder's back.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	o.UpdatedAt = env.Now.UTC().Format(time.RFC3339)
	ok, err := env.Engine.Repo.UpdateOrderCAS(env.Ctx, tx, o, nil)
	if err != nil || !ok {
		t.Fatalf("raw update: ok=%v err=%v", ok, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.GapsDetected != 1 {
		t.Fatalf("gaps detected = %d, want 1", res.GapsDetected)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "sunrise-manor", "snapshot.gap.detected", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("gap events = %d, want 1", len(events))
	}
}

func TestSweepStateReturnsToIdle(t *testing.T) {
	env := newSweepEnv(t)
	if env.Sweeper.State() != archive.StateIdle {
		t.Fatalf("initial state = %s", env.Sweeper.State())
	}
	if _, err := env.Sweeper.Run(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if env.Sweeper.State() != archive.StateIdle {
		t.Fatalf("state after run = %s", env.Sweeper.State())
	}
}
