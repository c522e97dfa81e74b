package store

import (
	"context"
	"database/sql"
	"time"
)

// PutTempFile stages a file for upload, replacing any earlier stage for the
// same message id.
func (db *DB) PutTempFile(ctx context.Context, f *TempFile) error {
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO temp_files (id, name, size, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			content = excluded.content,
			created_at = excluded.created_at`,
		f.ID, f.Name, f.Size, f.Content, created.UnixMilli())
	return err
}

// GetTempFile returns the staged file for a message id, or nil if absent.
func (db *DB) GetTempFile(ctx context.Context, id string) (*TempFile, error) {
	var (
		f       TempFile
		created int64
	)
	err := db.QueryRowContext(ctx, `SELECT id, name, size, content, created_at FROM temp_files WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Size, &f.Content, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(created)
	return &f, nil
}

// DeleteTempFile removes a staged file. Deleting an absent id is a no-op.
func (db *DB) DeleteTempFile(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM temp_files WHERE id = ?`, id)
	return err
}

// ListTempFileIDs returns the ids of all staged files, oldest first.
func (db *DB) ListTempFileIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM temp_files ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
