package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rsched/internal/database/migrations"
	"rsched/internal/sched"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements sched.Store on SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	ids   sched.IDGenerator
	clock sched.Clock
}

var _ sched.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, which may be ":memory:".
// A nil ids or clock falls back to UUIDs and the real clock.
func NewSQLiteStore(path string, ids sched.IDGenerator, clock sched.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteStoreFromDB(db, ids, clock)
	s.path = path
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing connection opened with OpenConnection.
func NewSQLiteStoreFromDB(db *sql.DB, ids sched.IDGenerator, clock sched.Clock) *SQLiteStore {
	if ids == nil {
		ids = sched.UUIDGenerator{}
	}
	if clock == nil {
		clock = sched.RealClock{}
	}
	return &SQLiteStore{db: db, ids: ids, clock: clock}
}

// OpenConnection opens a SQLite database with the PRAGMAs the store relies on.
// The pool is pinned to one connection: SQLite serialises writers anyway and
// an in-memory database exists per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Config values

func (s *SQLiteStore) ConfigValues() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM config")
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning config: %w", err)
		}
		values[k] = v
	}
	return values, rows.Err()
}

func (s *SQLiteStore) SetConfigValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("writing config %s: %w", key, err)
	}
	return nil
}

// Directory operations

const directoryColumns = `id, path, enabled, frequency, iexclude, fingerprint, error,
	last_run, next_run, summary, last_prune, backups_since_permanent, bitrot_snapshot, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirectory(r rowScanner) (*sched.Directory, error) {
	var d sched.Directory
	var enabled string
	var freq, lastRun, nextRun, lastPrune, created int64
	err := r.Scan(&d.ID, &d.Path, &enabled, &freq, &d.Exclusions, &d.Fingerprint, &d.Error,
		&lastRun, &nextRun, &d.Summary, &lastPrune, &d.BackupsSincePermanent, &d.BitrotSnapshot, &created)
	if err != nil {
		return nil, err
	}
	d.Enabled = sched.Enablement(enabled)
	d.Frequency = time.Duration(freq) * time.Second
	d.LastRun = fromUnix(lastRun)
	d.NextRun = fromUnix(nextRun)
	d.LastPrune = fromUnix(lastPrune)
	d.CreatedAt = fromUnix(created)
	return &d, nil
}

func (s *SQLiteStore) ListDirectories() ([]*sched.Directory, error) {
	rows, err := s.db.Query("SELECT " + directoryColumns + " FROM backup_dirs ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("listing directories: %w", err)
	}
	defer rows.Close()

	var dirs []*sched.Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning directory: %w", err)
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

func (s *SQLiteStore) FindDirectory(id string) (*sched.Directory, error) {
	return s.findDirectory("id", id)
}

func (s *SQLiteStore) FindDirectoryByPath(path string) (*sched.Directory, error) {
	return s.findDirectory("path", path)
}

func (s *SQLiteStore) findDirectory(column, value string) (*sched.Directory, error) {
	row := s.db.QueryRow("SELECT "+directoryColumns+" FROM backup_dirs WHERE "+column+" = ?", value)
	d, err := scanDirectory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding directory by %s: %w", column, err)
	}
	return d, nil
}

func (s *SQLiteStore) CreateDirectory(path string, enabled sched.Enablement, frequency time.Duration, exclusions string) (*sched.Directory, error) {
	if frequency <= 0 {
		frequency = sched.DefaultFrequency
	}
	d := &sched.Directory{
		ID:         s.ids.New(),
		Path:       path,
		Enabled:    enabled,
		Frequency:  frequency,
		Exclusions: exclusions,
		CreatedAt:  s.clock.Now().Truncate(time.Second),
	}
	_, err := s.db.Exec(`INSERT INTO backup_dirs (id, path, enabled, frequency, iexclude, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Path, string(d.Enabled), seconds(d.Frequency), d.Exclusions, toUnix(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) UpdateDirectorySettings(d *sched.Directory) error {
	return s.execOne("updating directory settings", d.ID,
		"UPDATE backup_dirs SET enabled = ?, frequency = ?, iexclude = ? WHERE id = ?",
		string(d.Enabled), seconds(d.Frequency), d.Exclusions, d.ID)
}

func (s *SQLiteStore) SaveDirectoryResult(d *sched.Directory) error {
	return s.execOne("saving directory result", d.ID,
		`UPDATE backup_dirs SET fingerprint = ?, error = ?, last_run = ?, next_run = ?, summary = ?,
			last_prune = ?, backups_since_permanent = ?, bitrot_snapshot = ?
		WHERE id = ?`,
		d.Fingerprint, d.Error, toUnix(d.LastRun), toUnix(d.NextRun), d.Summary,
		toUnix(d.LastPrune), d.BackupsSincePermanent, d.BitrotSnapshot, d.ID)
}

func (s *SQLiteStore) ResetNextRun(id string) error {
	return s.execOne("resetting next run", id, "UPDATE backup_dirs SET next_run = 0 WHERE id = ?", id)
}

func (s *SQLiteStore) DeleteDirectory(id string) error {
	return s.execOne("deleting directory", id, "DELETE FROM backup_dirs WHERE id = ?", id)
}

// execOne runs a statement that must affect exactly the directory id.
func (s *SQLiteStore) execOne(action, id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w: %s", action, sched.ErrDirectoryNotFound, id)
	}
	return nil
}

// Status values

func (s *SQLiteStore) Status(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM status WHERE key = ?", key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading status %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetStatus(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO status (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("writing status %s: %w", key, err)
	}
	return nil
}

// Update check state

func (s *SQLiteStore) LoadUpdateState() (sched.UpdateState, error) {
	var st sched.UpdateState
	var lastCheck, lastToast int64
	var tag, version, url string
	var failed bool
	err := s.db.QueryRow(`SELECT last_check, last_toast, latest_tag, latest_version, latest_url, failed
		FROM update_checker WHERE id = 1`).Scan(&lastCheck, &lastToast, &tag, &version, &url, &failed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return st, fmt.Errorf("reading update state: %w", err)
	}
	st.LastCheck = fromUnix(lastCheck)
	st.LastToast = fromUnix(lastToast)
	st.Failed = failed
	if tag != "" {
		st.Latest = &sched.Release{Tag: tag, Version: version, URL: url}
	}
	return st, nil
}

func (s *SQLiteStore) SaveUpdateState(st sched.UpdateState) error {
	var rel sched.Release
	if st.Latest != nil {
		rel = *st.Latest
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO update_checker
		(id, last_check, last_toast, latest_tag, latest_version, latest_url, failed)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		toUnix(st.LastCheck), toUnix(st.LastToast), rel.Tag, rel.Version, rel.URL, st.Failed)
	if err != nil {
		return fmt.Errorf("saving update state: %w", err)
	}
	return nil
}

// Task history

func (s *SQLiteStore) RecordTaskRun(run *sched.TaskRun) error {
	res, err := s.db.Exec(`INSERT INTO task_runs (task_id, kind, started_at, finished_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.Kind, toUnix(run.StartedAt), toUnix(run.FinishedAt), run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("recording task run: %w", err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("recording task run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTaskRuns(limit int) ([]*sched.TaskRun, error) {
	rows, err := s.db.Query(`SELECT id, task_id, kind, started_at, finished_at, status, error
		FROM task_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing task runs: %w", err)
	}
	defer rows.Close()

	var runs []*sched.TaskRun
	for rows.Next() {
		var r sched.TaskRun
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Kind, &started, &finished, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning task run: %w", err)
		}
		r.StartedAt = fromUnix(started)
		r.FinishedAt = fromUnix(finished)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Lifecycle

func (s *SQLiteStore) Path() string {
	return s.path
}

// Migrate applies pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// SchemaStatus reports the schema version.
func (s *SQLiteStore) SchemaStatus() (migrations.SchemaVersion, error) {
	return migrations.Status(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
