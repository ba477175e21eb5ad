package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mealline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const orderColumns = `id,facility_id,resident_id,meal_type,items_json,dietary_notes,status,scheduled_for,version,created_by,created_at,updated_at`

func scanOrderRow(scan func(dest ...any) error) (domain.MealOrder, error) {
	var o domain.MealOrder
	var notes sql.NullString
	var createdBy sql.NullString
	err := scan(&o.ID, &o.FacilityID, &o.ResidentID, &o.MealType, &o.ItemsJSON, &notes, &o.Status, &o.ScheduledFor, &o.Version, &createdBy, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if notes.Valid {
		o.DietaryNotes = notes.String
	}
	if createdBy.Valid {
		o.CreatedBy = &createdBy.String
	}
	return o, nil
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.MealOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meal_orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.FacilityID, o.ResidentID, o.MealType, o.ItemsJSON, o.DietaryNotes, o.Status, o.ScheduledFor,
		o.Version, nullableStringPtr(o.CreatedBy), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.MealOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM meal_orders WHERE id=?`, id)
	return scanOrderRow(row.Scan)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.MealOrder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM meal_orders WHERE id=?`, id)
	return scanOrderRow(row.Scan)
}

type OrderFilters struct {
	FacilityID      string
	ResidentID      string
	Status          string
	MealType        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.MealOrder, error) {
	var clauses []string
	var args []any
	if f.FacilityID != "" {
		clauses = append(clauses, "facility_id=?")
		args = append(args, f.FacilityID)
	}
	if f.ResidentID != "" {
		clauses = append(clauses, "resident_id=?")
		args = append(args, f.ResidentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.MealType != "" {
		clauses = append(clauses, "meal_type=?")
		args = append(args, f.MealType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM meal_orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MealOrder
	for rows.Next() {
		o, err := scanOrderRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOrderCAS writes an order with a version bump in one statement. When
// expectedVersion is set the UPDATE only lands if the stored version still
// matches; 0 rows affected means the caller must re-read to classify the miss.
func (r Repo) UpdateOrderCAS(ctx context.Context, tx *sql.Tx, o domain.MealOrder, expectedVersion *int64) (bool, error) {
	query := `UPDATE meal_orders SET meal_type=?, items_json=?, dietary_notes=?, status=?, scheduled_for=?, updated_at=?, version=version+1 WHERE id=?`
	args := []any{o.MealType, o.ItemsJSON, o.DietaryNotes, o.Status, o.ScheduledFor, o.UpdatedAt, o.ID}
	if expectedVersion != nil {
		query += ` AND version=?`
		args = append(args, *expectedVersion)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) DeleteOrderTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM meal_orders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) EnsureFacility(ctx context.Context, tx *sql.Tx, f domain.Facility) error {
	if f.Timezone == "" {
		f.Timezone = "UTC"
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO facilities(id,name,timezone,created_at) VALUES (?,?,?,?)`,
		f.ID, f.Name, f.Timezone, f.CreatedAt)
	return err
}

func (r Repo) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	var f domain.Facility
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,timezone,created_at FROM facilities WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &f.Timezone, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, facilityID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, facilityID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, facilityID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if facilityID != "" {
		clauses = append(clauses, "facility_id=?")
		args = append(args, facilityID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FacilityID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, facilityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if facilityID != "" {
		clauses = append(clauses, "facility_id=?")
		args = append(args, facilityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FacilityID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a facility.
func (r Repo) LatestEventID(ctx context.Context, facilityID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE facility_id=?`, facilityID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
