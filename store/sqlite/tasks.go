package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/imagvfx/coflow"
)

// CreateTasksTable creates tasks table to a database if not exists.
// It is ok to call it multiple times.
func CreateTasksTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent TEXT NOT NULL,
			kind TEXT NOT NULL,
			job_name TEXT NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER,
			signal INTEGER,
			info TEXT NOT NULL,
			resource TEXT NOT NULL,
			job_id TEXT NOT NULL,
			retried INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);
	`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS tasks_parent ON tasks (parent);`)
	return err
}

// Store saves task records into a sqlite database.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at path and creates a Store with it.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save adds or updates records. Either every record is saved or none of them.
func (s *Store) Save(ctx context.Context, recs ...coflow.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range recs {
		err := saveRecord(ctx, tx, r)
		if err != nil {
			return fmt.Errorf("save %v: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// saveRecord inserts a record, or replaces the one with the same id.
func saveRecord(ctx context.Context, tx *sql.Tx, r coflow.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id,
			parent,
			kind,
			job_name,
			state,
			exit_code,
			signal,
			info,
			resource,
			job_id,
			retried,
			updated
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent=excluded.parent,
			kind=excluded.kind,
			job_name=excluded.job_name,
			state=excluded.state,
			exit_code=excluded.exit_code,
			signal=excluded.signal,
			info=excluded.info,
			resource=excluded.resource,
			job_id=excluded.job_id,
			retried=excluded.retried,
			updated=excluded.updated
	`,
		r.ID,
		r.Parent,
		r.Kind,
		r.JobName,
		r.State.String(),
		nullInt(r.ExitCode),
		nullInt(r.Signal),
		r.Info,
		r.Resource,
		r.JobID,
		r.Retried,
		r.Updated.UnixNano(),
	)
	return err
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// Find finds records matching the filter, most recently updated first.
func (s *Store) Find(ctx context.Context, f coflow.Filter) ([]coflow.Record, error) {
	w := NewWhere()
	if f.ID != "" {
		w.Add("id", f.ID)
	}
	if f.Parent != nil {
		w.Add("parent", *f.Parent)
	}
	if f.JobName != "" {
		w.Add("job_name", f.JobName)
	}
	if f.State != nil {
		w.Add("state", f.State.String())
	}
	if !f.Since.IsZero() {
		w.Cond("updated >= ?", f.Since.UnixNano())
	}
	stmt := `
		SELECT
			id,
			parent,
			kind,
			job_name,
			state,
			exit_code,
			signal,
			info,
			resource,
			job_id,
			retried,
			updated
		FROM tasks
	` + w.Stmt() + " ORDER BY updated DESC, id"
	vals := w.Vals()
	if f.Limit > 0 {
		stmt += " LIMIT ?"
		vals = append(vals, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs := make([]coflow.Record, 0)
	for rows.Next() {
		r := coflow.Record{}
		var (
			state    string
			exitCode sql.NullInt64
			signal   sql.NullInt64
			updated  int64
		)
		err := rows.Scan(
			&r.ID,
			&r.Parent,
			&r.Kind,
			&r.JobName,
			&state,
			&exitCode,
			&signal,
			&r.Info,
			&r.Resource,
			&r.JobID,
			&r.Retried,
			&updated,
		)
		if err != nil {
			return nil, err
		}
		r.State, err = coflow.ParseRunState(state)
		if err != nil {
			return nil, err
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			r.ExitCode = &v
		}
		if signal.Valid {
			v := int(signal.Int64)
			r.Signal = &v
		}
		r.Updated = time.Unix(0, updated)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
