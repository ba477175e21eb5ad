package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealline/internal/domain"
	"mealline/internal/engine"
	"mealline/internal/events"
)

const (
	StateIdle      = "idle"
	StateScanning  = "scanning"
	StateArchiving = "archiving"

	snapshotCollection = "order_snapshots"
	eventCollection    = "events"

	defaultScanBatch  = 500
	defaultTickPeriod = time.Minute
	sweepActor        = "system:archive"
)

var ErrSweepRunning = errors.New("sweep already running")

// Result summarizes one sweep pass.
type Result struct {
	OrdersArchived    int `json:"orders_archived"`
	SnapshotsArchived int `json:"snapshots_archived"`
	EventsArchived    int `json:"events_archived"`
	Skipped           int `json:"skipped"`
	Failed            int `json:"failed"`
	GapsDetected      int `json:"gaps_detected"`
}

// Sweeper moves expired rows into archived_records. A pass goes
// idle -> scanning -> archiving -> idle; only one pass runs at a time and a
// re-run over the same candidates is a no-op.
type Sweeper struct {
	Engine engine.Engine
	Logger *log.Logger

	mu        sync.Mutex
	state     string
	lastSweep time.Time
}

func New(e engine.Engine, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{Engine: e, Logger: logger, state: StateIdle}
}

func (s *Sweeper) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sweeper) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Sweeper) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = StateScanning
	return true
}

// Start runs the scheduler until stop is closed. The sweep fires once per day
// when the local hour matches the configured archive hour.
func (s *Sweeper) Start(stop <-chan struct{}) {
	cfg := s.Engine.Config
	if cfg == nil || !cfg.Archive.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(defaultTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := s.now()
				if now.Hour() != cfg.Archive.Hour {
					continue
				}
				s.mu.Lock()
				ranToday := s.lastSweep.Year() == now.Year() && s.lastSweep.YearDay() == now.YearDay()
				s.mu.Unlock()
				if ranToday {
					continue
				}
				if _, err := s.Run(context.Background()); err != nil && !errors.Is(err, ErrSweepRunning) {
					s.Logger.Printf("archive: scheduled sweep failed: %v", err)
				}
			}
		}
	}()
}

func (s *Sweeper) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now()
	}
	return time.Now()
}

// Run executes one full sweep pass. Safe to call from the CLI and the admin
// endpoint; returns ErrSweepRunning if a pass is already in flight.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	if !s.tryBegin() {
		return Result{}, ErrSweepRunning
	}
	defer s.setState(StateIdle)

	cfg := s.Engine.Config
	if cfg == nil {
		return Result{}, errors.New("config not loaded")
	}
	now := s.now().UTC()
	s.mu.Lock()
	s.lastSweep = now
	s.mu.Unlock()

	var res Result
	orderCutoff := now.AddDate(0, 0, -cfg.OrdersRetentionDays()).Format(time.RFC3339)
	snapCutoff := now.AddDate(0, 0, -cfg.SnapshotsRetentionDays()).Format(time.RFC3339)
	eventCutoff := now.AddDate(0, 0, -cfg.EventsRetentionDays()).Format(time.RFC3339)

	orders, err := s.Engine.Repo.ListTerminalOrdersBefore(ctx, orderCutoff, defaultScanBatch)
	if err != nil {
		return res, fmt.Errorf("scan orders: %w", err)
	}
	snaps, err := s.Engine.Repo.ListSnapshotsBefore(ctx, snapCutoff, defaultScanBatch)
	if err != nil {
		return res, fmt.Errorf("scan snapshots: %w", err)
	}
	evts, err := s.Engine.Repo.ListEventsBefore(ctx, eventCutoff, defaultScanBatch)
	if err != nil {
		return res, fmt.Errorf("scan events: %w", err)
	}

	s.setState(StateArchiving)

	for _, o := range orders {
		archived, err := s.archiveOrder(ctx, o, now, cfg.OrdersRetentionDays())
		s.tally(&res, archived, err, &res.OrdersArchived)
	}
	for _, snap := range snaps {
		archived, err := s.archiveSnapshot(ctx, snap, now, cfg.SnapshotsRetentionDays())
		s.tally(&res, archived, err, &res.SnapshotsArchived)
	}
	for _, evt := range evts {
		archived, err := s.archiveEvent(ctx, evt, now, cfg.EventsRetentionDays())
		s.tally(&res, archived, err, &res.EventsArchived)
	}

	gaps, err := s.detectSnapshotGaps(ctx)
	if err != nil {
		s.Logger.Printf("archive: snapshot gap check failed: %v", err)
	}
	res.GapsDetected = gaps

	s.Logger.Printf("archive: sweep done orders=%d snapshots=%d events=%d skipped=%d failed=%d gaps=%d",
		res.OrdersArchived, res.SnapshotsArchived, res.EventsArchived, res.Skipped, res.Failed, res.GapsDetected)
	return res, nil
}

func (s *Sweeper) tally(res *Result, archived bool, err error, counter *int) {
	switch {
	case err != nil:
		res.Failed++
		s.Logger.Printf("archive: %v", err)
	case archived:
		*counter++
	default:
		res.Skipped++
	}
}

func (s *Sweeper) archiveOrder(ctx context.Context, o domain.MealOrder, now time.Time, retentionDays int) (bool, error) {
	exists, err := s.Engine.Repo.ArchivedRecordExists(ctx, engine.OrderCollection, o.ID, o.Version)
	if err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if exists {
		return false, nil
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	rec := domain.ArchivedRecord{
		ID:                uuid.New().String(),
		CollectionName:    engine.OrderCollection,
		DocumentID:        o.ID,
		Version:           o.Version,
		PayloadJSON:       string(payload),
		OriginalCreatedAt: o.CreatedAt,
		ArchivedAt:        now.Format(time.RFC3339),
		RetentionDays:     retentionDays,
	}
	if err := s.Engine.Repo.InsertArchivedRecordTx(ctx, tx, rec); err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if err := s.Engine.Repo.DeleteOrderTx(ctx, tx, o.ID); err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if err := s.Engine.Events.Append(ctx, tx, "order.archived", o.FacilityID, "order", o.ID, sweepActor, events.EventPayload{
		"version": o.Version,
	}); err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	s.Engine.Cache.Invalidate(o.ID)
	return true, nil
}

func (s *Sweeper) archiveSnapshot(ctx context.Context, snap domain.OrderSnapshot, now time.Time, retentionDays int) (bool, error) {
	exists, err := s.Engine.Repo.ArchivedRecordExists(ctx, snapshotCollection, snap.DocumentID, snap.Version)
	if err != nil {
		return false, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if exists {
		return false, nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	rec := domain.ArchivedRecord{
		ID:                uuid.New().String(),
		CollectionName:    snapshotCollection,
		DocumentID:        snap.DocumentID,
		Version:           snap.Version,
		PayloadJSON:       string(payload),
		OriginalCreatedAt: snap.CreatedAt,
		ArchivedAt:        now.Format(time.RFC3339),
		RetentionDays:     retentionDays,
	}
	if err := s.Engine.Repo.InsertArchivedRecordTx(ctx, tx, rec); err != nil {
		return false, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if err := s.Engine.Repo.DeleteSnapshotTx(ctx, tx, snap.ID); err != nil {
		return false, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	return true, nil
}

func (s *Sweeper) archiveEvent(ctx context.Context, evt domain.Event, now time.Time, retentionDays int) (bool, error) {
	docID := strconv.FormatInt(evt.ID, 10)
	exists, err := s.Engine.Repo.ArchivedRecordExists(ctx, eventCollection, docID, 1)
	if err != nil {
		return false, fmt.Errorf("event %d: %w", evt.ID, err)
	}
	if exists {
		return false, nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return false, fmt.Errorf("event %d: %w", evt.ID, err)
	}
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	rec := domain.ArchivedRecord{
		ID:                uuid.New().String(),
		CollectionName:    eventCollection,
		DocumentID:        docID,
		Version:           1,
		PayloadJSON:       string(payload),
		OriginalCreatedAt: evt.TS,
		ArchivedAt:        now.Format(time.RFC3339),
		RetentionDays:     retentionDays,
	}
	if err := s.Engine.Repo.InsertArchivedRecordTx(ctx, tx, rec); err != nil {
		return false, fmt.Errorf("event %d: %w", evt.ID, err)
	}
	if err := s.Engine.Repo.DeleteEventTx(ctx, tx, evt.ID); err != nil {
		return false, fmt.Errorf("event %d: %w", evt.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("event %d: %w", evt.ID, err)
	}
	return true, nil
}

// detectSnapshotGaps flags orders whose version outran their snapshot trail.
// Nothing is backfilled; a fabricated snapshot would be worse than a gap.
func (s *Sweeper) detectSnapshotGaps(ctx context.Context) (int, error) {
	gaps, err := s.Engine.Repo.OrdersWithSnapshotGap(ctx, engine.OrderCollection)
	if err != nil {
		return 0, err
	}
	facilityID := ""
	if s.Engine.Config != nil {
		facilityID = s.Engine.Config.Facility.ID
	}
	for _, g := range gaps {
		_ = s.Engine.Events.Append(ctx, nil, "snapshot.gap.detected", facilityID, "order", g.DocumentID, sweepActor, events.EventPayload{
			"version":        g.Version,
			"snapshot_count": g.SnapshotCount,
		})
	}
	return len(gaps), nil
}
