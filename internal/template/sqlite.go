package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pii-engine/internal/logger"
	"pii-engine/internal/mapping"
)

// sqliteStore keeps templates in two tables: one row per template and one
// row per mapping entry, ordered by position.
type sqliteStore struct {
	db    *sql.DB
	locks Locks
}

// OpenSQLite opens a SQLite database at path with WAL mode enabled and
// creates the schema if needed.
func OpenSQLite(ctx context.Context, path string, log *logger.Logger) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %q: %w", path, err)
	}
	// One connection keeps PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	log.Infof("store_open", "sqlite template store opened at %s", path)
	return &sqliteStore{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS templates_name ON templates(name, updated_at);

CREATE TABLE IF NOT EXISTS template_entries (
	template_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	original TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	substitute TEXT NOT NULL,
	action TEXT NOT NULL,
	PRIMARY KEY(template_id, position),
	FOREIGN KEY(template_id) REFERENCES templates(id) ON DELETE CASCADE
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) Load(ctx context.Context, ref Ref) (Template, error) {
	var row *sql.Row
	switch {
	case ref.ID != "":
		row = s.db.QueryRowContext(ctx, `SELECT id, name, version, created_at, updated_at FROM templates WHERE id = ?`, ref.ID)
	case ref.Name != "":
		row = s.db.QueryRowContext(ctx, `
SELECT id, name, version, created_at, updated_at FROM templates
WHERE name = ? ORDER BY updated_at DESC, id DESC LIMIT 1`, ref.Name)
	default:
		return Template{}, notFound(ref)
	}
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, notFound(ref)
	}
	if err != nil {
		return Template{}, fmt.Errorf("load template %s: %w", ref, err)
	}
	if t.Entries, err = loadEntries(ctx, s.db, t.ID); err != nil {
		return Template{}, fmt.Errorf("load template %s entries: %w", ref, err)
	}
	return t, nil
}

func scanTemplate(row interface{ Scan(...any) error }) (Template, error) {
	var t Template
	var created, updated int64
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &created, &updated); err != nil {
		return Template{}, err
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}

func loadEntries(ctx context.Context, q queryer, id string) ([]mapping.Entry, error) {
	rows, err := q.QueryContext(ctx, `
SELECT original, entity_type, substitute, action FROM template_entries
WHERE template_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []mapping.Entry{}
	for rows.Next() {
		var e mapping.Entry
		var action string
		if err := rows.Scan(&e.Original, &e.EntityType, &e.Substitute, &action); err != nil {
			return nil, err
		}
		e.Action = mapping.Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Save replaces the template row and its entries in one transaction. The
// version check is repeated in the UPDATE so a stale writer cannot commit.
func (s *sqliteStore) Save(ctx context.Context, t Template) (Template, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	unlock := s.locks.Lock(t.ID)
	defer unlock()

	saved, err := s.save(ctx, t)
	if err != nil {
		return Template{}, fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return saved, nil
}

func (s *sqliteStore) save(ctx context.Context, t Template) (Template, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Template{}, err
	}
	defer tx.Rollback()

	var cur *Template
	stored, err := scanTemplate(tx.QueryRowContext(ctx, `SELECT id, name, version, created_at, updated_at FROM templates WHERE id = ?`, t.ID))
	switch {
	case err == nil:
		cur = &stored
	case !errors.Is(err, sql.ErrNoRows):
		return Template{}, err
	}

	saved, err := next(cur, t, time.Now().UTC())
	if err != nil {
		return Template{}, err
	}

	if cur == nil {
		_, err = tx.ExecContext(ctx, `
INSERT INTO templates (id, name, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			saved.ID, saved.Name, saved.Version, saved.CreatedAt.UnixNano(), saved.UpdatedAt.UnixNano())
		if err != nil {
			return Template{}, err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE templates SET name = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
			saved.Name, saved.Version, saved.UpdatedAt.UnixNano(), saved.ID, cur.Version)
		if err != nil {
			return Template{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return Template{}, err
		} else if n != 1 {
			return Template{}, fmt.Errorf("%w: %s changed during save", ErrConflict, saved.ID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM template_entries WHERE template_id = ?`, saved.ID); err != nil {
		return Template{}, err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO template_entries (template_id, position, original, entity_type, substitute, action)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Template{}, err
	}
	defer stmt.Close()
	for i, e := range saved.Entries {
		if _, err := stmt.ExecContext(ctx, saved.ID, i, e.Original, e.EntityType, e.Substitute, string(e.Action)); err != nil {
			return Template{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Template{}, err
	}
	return saved, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, version, created_at, updated_at FROM templates ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list templates: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list templates: %w", err)
	}
	// Rows must be closed before loading entries on the single connection.
	rows.Close()

	for i := range out {
		if out[i].Entries, err = loadEntries(ctx, s.db, out[i].ID); err != nil {
			return nil, fmt.Errorf("list templates: %w", err)
		}
	}
	return out, nil
}
