package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mealline/internal/cache"
	"mealline/internal/config"
	"mealline/internal/domain"
	"mealline/internal/engine/auth"
	"mealline/internal/events"
	"mealline/internal/repo"
)

const OrderCollection = "meal_orders"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Cache  *cache.OrderCache
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	size, ttl := 1024, 30*time.Second
	if cfg != nil {
		if cfg.Cache.Size > 0 {
			size = cfg.Cache.Size
		}
		if cfg.Cache.TTLSeconds > 0 {
			ttl = time.Duration(cfg.Cache.TTLSeconds) * time.Second
		}
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Cache:  cache.New(size, ttl),
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ConflictError carries both sides of a failed version check so the caller
// can show the user what the server has and what they tried to write.
type ConflictError struct {
	Current   domain.MealOrder
	Submitted domain.MealOrder
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("order %s version conflict: stored version %d, submitted version %d",
		e.Current.ID, e.Current.Version, e.Submitted.Version)
}

var ErrNoMergedData = errors.New("merged data required")

// trackedFields are the fields compared when building a snapshot diff.
var trackedFields = []string{"meal_type", "items", "dietary_notes", "status", "scheduled_for"}

type OrderCreateOptions struct {
	ID           string
	ResidentID   string
	MealType     string
	Items        []domain.OrderItem
	DietaryNotes string
	ScheduledFor string
	ActorID      string
}

func validMealType(v string) bool {
	switch v {
	case "breakfast", "lunch", "dinner", "snack":
		return true
	}
	return false
}

// CreateOrder inserts a new order at version 1 and records its create snapshot.
// The returned warning is non-empty when the snapshot write failed; the order
// itself is committed either way.
func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.MealOrder, string, error) {
	if e.Config == nil {
		return domain.MealOrder{}, "", errors.New("config not loaded")
	}
	if opts.ResidentID == "" {
		return domain.MealOrder{}, "", errors.New("resident is required")
	}
	if !validMealType(opts.MealType) {
		return domain.MealOrder{}, "", fmt.Errorf("invalid meal type %q", opts.MealType)
	}
	if opts.ScheduledFor == "" {
		return domain.MealOrder{}, "", errors.New("scheduled-for is required")
	}
	if _, err := time.Parse(time.RFC3339, opts.ScheduledFor); err != nil {
		return domain.MealOrder{}, "", fmt.Errorf("scheduled-for: %w", err)
	}
	itemsJSON, err := marshalItems(opts.Items)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.MealOrder{
		ID:           id,
		FacilityID:   e.Config.Facility.ID,
		ResidentID:   opts.ResidentID,
		MealType:     opts.MealType,
		ItemsJSON:    itemsJSON,
		DietaryNotes: opts.DietaryNotes,
		Status:       "pending",
		ScheduledFor: opts.ScheduledFor,
		Version:      1,
		CreatedBy:    optionalString(opts.ActorID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
		return domain.MealOrder{}, "", fmt.Errorf("insert order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "order.created", o.FacilityID, "order", o.ID, opts.ActorID, events.EventPayload{
		"resident_id": o.ResidentID,
		"meal_type":   o.MealType,
		"status":      o.Status,
	}); err != nil {
		return domain.MealOrder{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.MealOrder{}, "", err
	}
	warning := e.recordSnapshot(ctx, o, "create", trackedFields, opts.ActorID, false)
	return o, warning, nil
}

type OrderUpdateOptions struct {
	ID           string
	MealType     *string
	Items        *[]domain.OrderItem
	DietaryNotes *string
	Status       *string
	ScheduledFor *string

	// Version is the version the caller believes it is editing. Nil skips the
	// check entirely, which is the trusted-caller path; Force marks that skip
	// as intentional so it is not flagged in the audit trail.
	Version *int64
	Force   bool

	ActorID string
}

// UpdateOrder applies a partial update behind the version check. The compare
// and the increment execute as one UPDATE statement, so two writers racing on
// the same version can never both win.
func (e Engine) UpdateOrder(ctx context.Context, opts OrderUpdateOptions) (domain.MealOrder, string, error) {
	current, err := e.Repo.GetOrder(ctx, opts.ID)
	if err != nil {
		return domain.MealOrder{}, "", err
	}

	updated, changedFields, err := applyPatch(current, opts)
	if err != nil {
		return domain.MealOrder{}, "", err
	}

	if opts.Version != nil && *opts.Version != current.Version {
		submitted := updated
		submitted.Version = *opts.Version
		e.noteConflict(ctx, current, *opts.Version, opts.ActorID)
		return domain.MealOrder{}, "", ConflictError{Current: current, Submitted: submitted}
	}

	updated.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateOrderCAS(ctx, tx, updated, opts.Version)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	if !ok {
		tx.Rollback()
		fresh, err := e.Repo.GetOrder(ctx, opts.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.MealOrder{}, "", repo.ErrNotFound
		}
		if err != nil {
			return domain.MealOrder{}, "", err
		}
		if opts.Version == nil {
			return domain.MealOrder{}, "", fmt.Errorf("order %s update did not apply", opts.ID)
		}
		submitted := updated
		submitted.Version = *opts.Version
		e.noteConflict(ctx, fresh, *opts.Version, opts.ActorID)
		return domain.MealOrder{}, "", ConflictError{Current: fresh, Submitted: submitted}
	}
	if opts.Version == nil && !opts.Force {
		if err := e.Events.Append(ctx, tx, "order.update.unversioned", current.FacilityID, "order", current.ID, opts.ActorID, events.EventPayload{}); err != nil {
			return domain.MealOrder{}, "", err
		}
	}
	if err := e.Events.Append(ctx, tx, "order.updated", current.FacilityID, "order", current.ID, opts.ActorID, events.EventPayload{
		"changed_fields": changedFields,
		"from_version":   current.Version,
	}); err != nil {
		return domain.MealOrder{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.MealOrder{}, "", err
	}
	e.Cache.Invalidate(current.ID)

	result, err := e.Repo.GetOrder(ctx, opts.ID)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	warning := e.recordSnapshot(ctx, current, "update", changedFields, opts.ActorID, false)
	return result, warning, nil
}

type ResolveOptions struct {
	ID           string
	MealType     *string
	Items        *[]domain.OrderItem
	DietaryNotes *string
	Status       *string
	ScheduledFor *string
	ResolvedBy   string
}

// ResolveConflict writes a merged document against the latest stored version.
// If yet another writer lands between the read and the write the caller gets a
// fresh conflict and must merge again.
func (e Engine) ResolveConflict(ctx context.Context, opts ResolveOptions) (domain.MealOrder, string, error) {
	if opts.MealType == nil && opts.Items == nil && opts.DietaryNotes == nil && opts.Status == nil && opts.ScheduledFor == nil {
		return domain.MealOrder{}, "", ErrNoMergedData
	}
	current, err := e.Repo.GetOrder(ctx, opts.ID)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	merged, changedFields, err := applyPatch(current, OrderUpdateOptions{
		ID:           opts.ID,
		MealType:     opts.MealType,
		Items:        opts.Items,
		DietaryNotes: opts.DietaryNotes,
		Status:       opts.Status,
		ScheduledFor: opts.ScheduledFor,
	})
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	merged.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	defer tx.Rollback()

	expected := current.Version
	ok, err := e.Repo.UpdateOrderCAS(ctx, tx, merged, &expected)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	if !ok {
		tx.Rollback()
		fresh, err := e.Repo.GetOrder(ctx, opts.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.MealOrder{}, "", repo.ErrNotFound
		}
		if err != nil {
			return domain.MealOrder{}, "", err
		}
		submitted := merged
		e.noteConflict(ctx, fresh, expected, opts.ResolvedBy)
		return domain.MealOrder{}, "", ConflictError{Current: fresh, Submitted: submitted}
	}
	if err := e.Events.Append(ctx, tx, "order.conflict.resolved", current.FacilityID, "order", current.ID, opts.ResolvedBy, events.EventPayload{
		"changed_fields": changedFields,
		"from_version":   current.Version,
	}); err != nil {
		return domain.MealOrder{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.MealOrder{}, "", err
	}
	e.Cache.Invalidate(current.ID)

	result, err := e.Repo.GetOrder(ctx, opts.ID)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	warning := e.recordSnapshot(ctx, current, "update", changedFields, opts.ResolvedBy, true)
	return result, warning, nil
}

func ensureOrderTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "pending":
		if newStatus == "confirmed" || newStatus == "cancelled" {
			return nil
		}
	case "confirmed":
		if newStatus == "preparing" || newStatus == "cancelled" {
			return nil
		}
	case "preparing":
		if newStatus == "prepared" || newStatus == "cancelled" {
			return nil
		}
	case "prepared":
		if newStatus == "completed" {
			return nil
		}
	}
	return fmt.Errorf("invalid order status transition %s -> %s", oldStatus, newStatus)
}

// SetOrderStatus moves an order through the kitchen workflow. Status writes are
// unversioned: the kitchen display is the only writer on this path and always
// works from the live board.
func (e Engine) SetOrderStatus(ctx context.Context, id, status, actorID string, force bool) (domain.MealOrder, string, error) {
	current, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	if err := ensureOrderTransition(current.Status, status, force); err != nil {
		return domain.MealOrder{}, "", err
	}
	updated := current
	updated.Status = status
	updated.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateOrderCAS(ctx, tx, updated, nil)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	if !ok {
		return domain.MealOrder{}, "", repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "order.status.updated", current.FacilityID, "order", current.ID, actorID, events.EventPayload{
		"from": current.Status,
		"to":   status,
	}); err != nil {
		return domain.MealOrder{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.MealOrder{}, "", err
	}
	e.Cache.Invalidate(id)

	result, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return domain.MealOrder{}, "", err
	}
	warning := e.recordSnapshot(ctx, current, "update", []string{"status"}, actorID, false)
	return result, warning, nil
}

// GetOrder serves reads through the cache.
func (e Engine) GetOrder(ctx context.Context, id string) (domain.MealOrder, error) {
	if o, ok := e.Cache.Get(id); ok {
		return o, nil
	}
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	e.Cache.Set(o)
	return o, nil
}

// OrderHistory lists snapshots for an order, newest first.
func (e Engine) OrderHistory(ctx context.Context, id string, limit int, cursorVersion int64) ([]domain.OrderSnapshot, error) {
	if _, err := e.Repo.GetOrder(ctx, id); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		// archived orders keep their history readable
		count, cerr := e.Repo.CountSnapshots(ctx, OrderCollection, id)
		if cerr != nil {
			return nil, cerr
		}
		if count == 0 {
			return nil, repo.ErrNotFound
		}
	}
	return e.Repo.ListSnapshots(ctx, repo.SnapshotFilters{
		CollectionName: OrderCollection,
		DocumentID:     id,
		Limit:          limit,
		CursorVersion:  cursorVersion,
	})
}

// IsTerminal reports whether a status blocks non-privileged writes.
func IsTerminal(status string) bool {
	return status == "prepared" || status == "completed"
}

func (e Engine) noteConflict(ctx context.Context, current domain.MealOrder, submittedVersion int64, actorID string) {
	_ = e.Events.Append(ctx, nil, "order.conflict", current.FacilityID, "order", current.ID, actorID, events.EventPayload{
		"stored_version":    current.Version,
		"submitted_version": submittedVersion,
	})
}

// recordSnapshot writes the pre-mutation state outside the primary transaction.
// A failed snapshot never fails the operation; it comes back as a warning.
func (e Engine) recordSnapshot(ctx context.Context, pre domain.MealOrder, changeType string, changedFields []string, actorID string, resolution bool) string {
	payload, err := json.Marshal(pre)
	if err != nil {
		return fmt.Sprintf("snapshot not recorded: %v", err)
	}
	fieldsJSON, err := json.Marshal(changedFields)
	if err != nil {
		return fmt.Sprintf("snapshot not recorded: %v", err)
	}
	s := domain.OrderSnapshot{
		ID:                uuid.New().String(),
		CollectionName:    OrderCollection,
		DocumentID:        pre.ID,
		SnapshotJSON:      string(payload),
		ChangeType:        changeType,
		ChangedFieldsJSON: string(fieldsJSON),
		ChangedBy:         optionalString(actorID),
		Resolution:        resolution,
		CreatedAt:         e.now().UTC().Format(time.RFC3339),
	}
	if _, err := e.Repo.InsertSnapshot(ctx, nil, s); err != nil {
		_ = e.Events.Append(ctx, nil, "snapshot.write.failed", pre.FacilityID, "order", pre.ID, actorID, events.EventPayload{
			"error": err.Error(),
		})
		return fmt.Sprintf("snapshot not recorded: %v", err)
	}
	return ""
}

func applyPatch(current domain.MealOrder, opts OrderUpdateOptions) (domain.MealOrder, []string, error) {
	updated := current
	var changed []string
	if opts.MealType != nil && *opts.MealType != current.MealType {
		if !validMealType(*opts.MealType) {
			return updated, nil, fmt.Errorf("invalid meal type %q", *opts.MealType)
		}
		updated.MealType = *opts.MealType
		changed = append(changed, "meal_type")
	}
	if opts.Items != nil {
		itemsJSON, err := marshalItems(*opts.Items)
		if err != nil {
			return updated, nil, err
		}
		if itemsJSON != current.ItemsJSON {
			updated.ItemsJSON = itemsJSON
			changed = append(changed, "items")
		}
	}
	if opts.DietaryNotes != nil && *opts.DietaryNotes != current.DietaryNotes {
		updated.DietaryNotes = *opts.DietaryNotes
		changed = append(changed, "dietary_notes")
	}
	if opts.Status != nil && *opts.Status != current.Status {
		updated.Status = *opts.Status
		changed = append(changed, "status")
	}
	if opts.ScheduledFor != nil && *opts.ScheduledFor != current.ScheduledFor {
		if _, err := time.Parse(time.RFC3339, *opts.ScheduledFor); err != nil {
			return updated, nil, fmt.Errorf("scheduled-for: %w", err)
		}
		updated.ScheduledFor = *opts.ScheduledFor
		changed = append(changed, "scheduled_for")
	}
	return updated, changed, nil
}

func marshalItems(items []domain.OrderItem) (string, error) {
	if items == nil {
		items = []domain.OrderItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
