package repo

import (
	"context"
	"database/sql"
	"strings"

	"mealline/internal/domain"
)

const snapshotColumns = `id,collection_name,document_id,version,snapshot_json,change_type,changed_fields_json,changed_by,resolution,created_at`

func scanSnapshotRow(scan func(dest ...any) error) (domain.OrderSnapshot, error) {
	var s domain.OrderSnapshot
	var changedBy sql.NullString
	var resolution int
	err := scan(&s.ID, &s.CollectionName, &s.DocumentID, &s.Version, &s.SnapshotJSON, &s.ChangeType, &s.ChangedFieldsJSON, &changedBy, &resolution, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if changedBy.Valid {
		s.ChangedBy = &changedBy.String
	}
	s.Resolution = resolution != 0
	return s, nil
}

// InsertSnapshot appends a snapshot row; the per-document version is assigned
// inside the INSERT so concurrent writers cannot observe the same sequence slot.
// Returns the assigned version.
func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s domain.OrderSnapshot) (int64, error) {
	resolution := 0
	if s.Resolution {
		resolution = 1
	}
	query := `INSERT INTO order_snapshots(` + snapshotColumns + `)
SELECT ?,?,?,COALESCE(MAX(version),0)+1,?,?,?,?,?,? FROM order_snapshots WHERE collection_name=? AND document_id=?`
	args := []any{s.ID, s.CollectionName, s.DocumentID, s.SnapshotJSON, s.ChangeType, s.ChangedFieldsJSON,
		nullableStringPtr(s.ChangedBy), resolution, s.CreatedAt, s.CollectionName, s.DocumentID}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	var version int64
	row := r.DB.QueryRowContext(ctx, `SELECT version FROM order_snapshots WHERE id=?`, s.ID)
	if tx != nil {
		row = tx.QueryRowContext(ctx, `SELECT version FROM order_snapshots WHERE id=?`, s.ID)
	}
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

type SnapshotFilters struct {
	CollectionName string
	DocumentID     string
	ChangeType     string
	Resolution     *bool
	Limit          int
	CursorVersion  int64
}

func (r Repo) ListSnapshots(ctx context.Context, f SnapshotFilters) ([]domain.OrderSnapshot, error) {
	clauses := []string{"collection_name=?", "document_id=?"}
	args := []any{f.CollectionName, f.DocumentID}
	if f.ChangeType != "" {
		clauses = append(clauses, "change_type=?")
		args = append(args, f.ChangeType)
	}
	if f.Resolution != nil {
		clauses = append(clauses, "resolution=?")
		if *f.Resolution {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if f.CursorVersion > 0 {
		clauses = append(clauses, "version<?")
		args = append(args, f.CursorVersion)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + snapshotColumns + ` FROM order_snapshots ` + where + ` ORDER BY version DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderSnapshot
	for rows.Next() {
		s, err := scanSnapshotRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetSnapshot(ctx context.Context, collection, documentID string, version int64) (domain.OrderSnapshot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM order_snapshots WHERE collection_name=? AND document_id=? AND version=?`,
		collection, documentID, version)
	return scanSnapshotRow(row.Scan)
}

func (r Repo) CountSnapshots(ctx context.Context, collection, documentID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_snapshots WHERE collection_name=? AND document_id=?`,
		collection, documentID).Scan(&n)
	return n, err
}

func (r Repo) DeleteSnapshotTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM order_snapshots WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SnapshotGap reports a document whose version outran its snapshot trail.
type SnapshotGap struct {
	DocumentID    string
	Version       int64
	SnapshotCount int64
}

// OrdersWithSnapshotGap lists orders with fewer snapshots than their version.
func (r Repo) OrdersWithSnapshotGap(ctx context.Context, collection string) ([]SnapshotGap, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT o.id, o.version, COUNT(s.id)
FROM meal_orders o
LEFT JOIN order_snapshots s ON s.collection_name=? AND s.document_id=o.id
GROUP BY o.id, o.version
HAVING COUNT(s.id) < o.version`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SnapshotGap
	for rows.Next() {
		var g SnapshotGap
		if err := rows.Scan(&g.DocumentID, &g.Version, &g.SnapshotCount); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// ListSnapshotsBefore returns snapshots created before the cutoff, oldest first.
func (r Repo) ListSnapshotsBefore(ctx context.Context, cutoff string, limit int) ([]domain.OrderSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM order_snapshots WHERE created_at < ? ORDER BY created_at ASC, id ASC`
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
	var res []domain.OrderSnapshot
	for rows.Next() {
		s, err := scanSnapshotRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
