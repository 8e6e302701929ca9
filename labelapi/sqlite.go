package labelapi

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const labelSchema = `
CREATE TABLE IF NOT EXISTS labels (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    color TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_labels_user ON labels(user_id, created_at);
`

// SQLiteRepository stores labels in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and creates the labels table.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, labelSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create labels table: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// List returns the user's labels, oldest first.
func (r *SQLiteRepository) List(ctx context.Context, userID string) ([]Label, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, color, created_at FROM labels WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	out := []Label{}
	for rows.Next() {
		var (
			l       Label
			created int64
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Color, &created); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		l.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	return out, nil
}

// Create inserts label.
func (r *SQLiteRepository) Create(ctx context.Context, label Label) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO labels (id, user_id, name, color, created_at) VALUES (?, ?, ?, ?, ?)`,
		label.ID, label.UserID, label.Name, label.Color, label.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create label: %w", err)
	}
	return nil
}

// Delete removes the label with id owned by userID.
func (r *SQLiteRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM labels WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete label: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete label: %w", err)
	}
	if n == 0 {
		return ErrLabelNotFound
	}
	return nil
}
