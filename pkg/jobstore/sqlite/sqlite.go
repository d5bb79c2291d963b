// Package sqlite is the embedded job store: the same contract as the REST
// store, backed by a local SQLite file. Single-node deployments and tests
// run against it without any service dependency.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

// Config configures the embedded store.
type Config struct {
	// Path is the database file; ":memory:" keeps it in process memory.
	Path string
}

// Store implements jobstore.Store over database/sql.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ jobstore.Store = (*Store)(nil)

// Open opens the database, creating parent directories and applying the
// schema. WAL and busy_timeout keep concurrent worker access predictable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("job store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		path = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS parent_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unique_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			tile_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			next_log_level TEXT,
			last_status_id INTEGER NOT NULL,
			last_status_change_date TEXT,
			last_status_error_subtype TEXT,
			error_raised INTEGER NOT NULL DEFAULT 0,
			nomad_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_parent_jobs_status
			ON parent_jobs(last_status_id, priority, last_status_change_date);`,
		`CREATE TABLE IF NOT EXISTS fsc_rlie_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			l1c_id TEXT NOT NULL,
			l1c_path TEXT,
			l1c_cloud_cover REAL,
			l1c_sensing_time TEXT,
			l1c_esa_publication_date TEXT,
			l1c_dias_publication_date TEXT,
			l2a_path TEXT,
			save_l2a INTEGER NOT NULL DEFAULT 0,
			reprocess_context TEXT,
			nsip_id TEXT,
			fsc_path TEXT,
			rlie_path TEXT,
			measurement_date TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS rlie_s1_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			grd_id TEXT NOT NULL,
			grd_path TEXT,
			grd_sensing_time TEXT,
			grd_publication_date TEXT,
			tile_ids TEXT,
			product_paths TEXT,
			measurement_date TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS sws_wds_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			grd_id TEXT NOT NULL,
			grd_path TEXT,
			sws_path TEXT,
			wds_path TEXT,
			measurement_date TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS gfsc_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			period_days INTEGER,
			input_ids TEXT,
			product_path TEXT,
			measurement_date TEXT,
			curation_date TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS s1_s2_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			rlie_s1_id TEXT,
			rlie_s2_id TEXT,
			s1_product_path TEXT,
			s2_product_path TEXT,
			fusion_path TEXT,
			measurement_date TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS job_status_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			job_status_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			error_subtype TEXT,
			error_message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS execution_infos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_job_id INTEGER NOT NULL REFERENCES parent_jobs(id),
			worker_id TEXT,
			start_time TEXT,
			end_time TEXT,
			exit_code INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS execution_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id INTEGER NOT NULL REFERENCES execution_infos(id),
			level TEXT,
			body TEXT,
			body_hash TEXT,
			timestamp TEXT,
			UNIQUE(execution_id, body_hash) ON CONFLICT IGNORE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate job store: %w", err)
		}
	}
	return nil
}

// Post inserts e and fills its serial id.
func (s *Store) Post(ctx context.Context, e jobstore.Persistable) error {
	row := e.Row()
	delete(row, "id")
	cols, args := splitRow(row)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		e.Kind(), strings.Join(cols, ", "), placeholders)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return classifySQLError("post "+e.Kind(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("post %s: %w", e.Kind(), err)
	}
	return s.reload(ctx, e, id)
}

// Patch updates the row with e's id.
func (s *Store) Patch(ctx context.Context, e jobstore.Persistable) error {
	row := e.Row()
	id := row["id"]
	delete(row, "id")
	cols, args := splitRow(row)

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", e.Kind(), strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return classifySQLError("patch "+e.Kind(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("patch %s id %v: %w", e.Kind(), id, jobstore.ErrNotFound)
	}
	return nil
}

// Get loads rows matching f.
func (s *Store) Get(ctx context.Context, f jobstore.Filter, newEntity func() jobstore.Persistable) ([]jobstore.Persistable, error) {
	probe := newEntity()
	where, args := buildWhere(f)
	q := "SELECT * FROM " + probe.Kind() + where
	if f.OrderBy != "" {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		q += " ORDER BY " + f.OrderBy + " " + dir
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLError("get "+probe.Kind(), err)
	}
	defer rows.Close()

	var out []jobstore.Persistable
	for rows.Next() {
		m, err := scanRowMap(rows)
		if err != nil {
			return nil, err
		}
		e := newEntity()
		if err := e.Load(m); err != nil {
			return nil, fmt.Errorf("load %s row: %w", e.Kind(), err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertIfAbsent inserts e unless a row matches e's values in keyCols.
func (s *Store) InsertIfAbsent(ctx context.Context, e jobstore.Persistable, keyCols ...string) (bool, error) {
	row := e.Row()
	delete(row, "id")
	cols, args := splitRow(row)

	var guards []string
	for _, col := range keyCols {
		guards = append(guards, col+" = ?")
		args = append(args, row[col])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	q := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
		e.Kind(), strings.Join(cols, ", "), placeholders, e.Kind(), strings.Join(guards, " AND "))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, classifySQLError("insert "+e.Kind(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	return true, s.reload(ctx, e, id)
}

// SetStatus appends the status change and advances the parent job in one
// transaction. The guard checks against the status currently persisted,
// not the caller's copy, so racing workers lose cleanly.
func (s *Store) SetStatus(ctx context.Context, job *jobstore.ParentJob, to jobstore.Status, errSubtype, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, "SELECT last_status_id FROM parent_jobs WHERE id = ?", job.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("set status on job %d: %w", job.ID, jobstore.ErrNotFound)
	}
	if err != nil {
		return err
	}
	from := jobstore.Status(current)
	if err := jobstore.Transition(from, to); err != nil {
		return &jobstore.InternalError{Op: "set status", Subtype: jobstore.SubtypeTransition, Err: err}
	}

	at := s.now().UTC()
	change := jobstore.NewStatusChange(job, to, errSubtype, errMsg, at)
	crow := change.Row()
	delete(crow, "id")
	cols, args := splitRow(crow)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	q := fmt.Sprintf("INSERT INTO job_status_changes (%s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return classifySQLError("post job_status_changes", err)
	}

	errorRaised := job.ErrorRaised || errSubtype != ""
	_, err = tx.ExecContext(ctx,
		`UPDATE parent_jobs SET last_status_id = ?, last_status_change_date = ?,
			last_status_error_subtype = ?, error_raised = ? WHERE id = ?`,
		int(to), at.Format(time.RFC3339Nano), errSubtype, errorRaised, job.ID)
	if err != nil {
		return classifySQLError("patch parent_jobs", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	job.LastStatus = to
	job.LastStatusChangeDate = at
	job.LastStatusErrorSubtype = errSubtype
	job.ErrorRaised = errorRaised
	return nil
}

// reload reads a freshly written row back into e so serial ids and
// normalised values round-trip.
func (s *Store) reload(ctx context.Context, e jobstore.Persistable, id int64) error {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+e.Kind()+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		return fmt.Errorf("reload %s id %d: %w", e.Kind(), id, jobstore.ErrNotFound)
	}
	m, err := scanRowMap(rows)
	if err != nil {
		return err
	}
	return e.Load(m)
}

func splitRow(row map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	return cols, args
}

func buildWhere(f jobstore.Filter) (string, []any) {
	var clauses []string
	var args []any
	for _, c := range f.Conds {
		clause, condArgs := condSQL(c)
		clauses = append(clauses, clause)
		args = append(args, condArgs...)
	}
	if len(f.Or) > 0 {
		var ors []string
		for _, c := range f.Or {
			clause, condArgs := condSQL(c)
			ors = append(ors, clause)
			args = append(args, condArgs...)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func condSQL(c jobstore.Cond) (string, []any) {
	switch c.Op {
	case jobstore.OpIn:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(c.Values)), ",")
		return c.Attr + " IN (" + placeholders + ")", c.Values
	case jobstore.OpGt:
		return c.Attr + " > ?", []any{c.Value}
	case jobstore.OpGte:
		return c.Attr + " >= ?", []any{c.Value}
	case jobstore.OpLt:
		return c.Attr + " < ?", []any{c.Value}
	case jobstore.OpLte:
		return c.Attr + " <= ?", []any{c.Value}
	default:
		return c.Attr + " = ?", []any{c.Value}
	}
}

func scanRowMap(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			m[c] = string(b)
			continue
		}
		m[c] = vals[i]
	}
	return m, nil
}

// classifySQLError maps constraint violations onto the critical rejection
// type, matching the REST store contract.
func classifySQLError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") {
		return &jobstore.InternalError{Op: op, Subtype: jobstore.SubtypeDuplicateKey, Err: err}
	}
	if strings.Contains(msg, "constraint") {
		return &jobstore.InternalError{Op: op, Subtype: "constraint violation", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
