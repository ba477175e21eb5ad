package repo

import (
	"context"
	"database/sql"

	"mealline/internal/domain"
)

const archiveColumns = `id,collection_name,document_id,version,payload_json,original_created_at,archived_at,retention_days`

func (r Repo) InsertArchivedRecordTx(ctx context.Context, tx *sql.Tx, rec domain.ArchivedRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO archived_records(`+archiveColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.CollectionName, rec.DocumentID, rec.Version, rec.PayloadJSON,
		rec.OriginalCreatedAt, rec.ArchivedAt, rec.RetentionDays)
	return err
}

// ArchivedRecordExists reports whether this exact document version was already
// moved to the archive, which makes the sweep safe to re-run.
func (r Repo) ArchivedRecordExists(ctx context.Context, collection, documentID string, version int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_records WHERE collection_name=? AND document_id=? AND version=?`,
		collection, documentID, version).Scan(&n)
	return n > 0, err
}

// LatestArchivedRecord returns the most recently archived entry for a document.
func (r Repo) LatestArchivedRecord(ctx context.Context, collection, documentID string) (domain.ArchivedRecord, error) {
	var rec domain.ArchivedRecord
	err := r.DB.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archived_records WHERE collection_name=? AND document_id=? ORDER BY archived_at DESC, version DESC LIMIT 1`,
		collection, documentID).
		Scan(&rec.ID, &rec.CollectionName, &rec.DocumentID, &rec.Version, &rec.PayloadJSON,
			&rec.OriginalCreatedAt, &rec.ArchivedAt, &rec.RetentionDays)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) ListArchivedRecords(ctx context.Context, collection, documentID string) ([]domain.ArchivedRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+archiveColumns+` FROM archived_records WHERE collection_name=? AND document_id=? ORDER BY version DESC`,
		collection, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArchivedRecord
	for rows.Next() {
		var rec domain.ArchivedRecord
		if err := rows.Scan(&rec.ID, &rec.CollectionName, &rec.DocumentID, &rec.Version, &rec.PayloadJSON,
			&rec.OriginalCreatedAt, &rec.ArchivedAt, &rec.RetentionDays); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListTerminalOrdersBefore returns orders in a terminal status created before
// the cutoff, oldest first. Non-terminal orders are never candidates.
func (r Repo) ListTerminalOrdersBefore(ctx context.Context, cutoff string, limit int) ([]domain.MealOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM meal_orders WHERE status IN ('prepared','completed','cancelled') AND created_at < ? ORDER BY created_at ASC, id ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
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

// ListEventsBefore returns audit events older than the cutoff, oldest first.
func (r Repo) ListEventsBefore(ctx context.Context, cutoff string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(facility_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ts < ? ORDER BY ts ASC, id ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
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
	return res, rows.Err()
}

func (r Repo) DeleteEventTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	return err
}
