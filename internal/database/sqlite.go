package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"okoa-go/internal/database/migrations"
	"okoa-go/internal/model"
	"okoa-go/internal/okoa"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores the content cache, the outbox and sync history in
// one SQLite database.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies pending migrations.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Each connection to ":memory:" would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Cache entries

func (s *SQLiteDatabase) GetCacheEntry(ctx context.Context, generation, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, generation, url, status_code, header, body, stored_at
		FROM cache_entries
		WHERE generation = ? AND cache_key = ?`, generation, key)

	entry, err := scanCacheEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting cache entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteDatabase) PutCacheEntry(ctx context.Context, entry *model.CacheEntry) error {
	if err := putCacheEntry(ctx, s.db, entry); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) PutCacheEntries(ctx context.Context, entries []*model.CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if err := putCacheEntry(ctx, tx, entry); err != nil {
			return fmt.Errorf("storing cache entry %s: %w", entry.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache entries: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteCacheEntriesExcept(ctx context.Context, generation string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation <> ?`, generation)
	if err != nil {
		return 0, fmt.Errorf("deleting cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting cache entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) CountCacheEntries(ctx context.Context, generation string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE generation = ?`, generation).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ActiveGeneration(ctx context.Context) (string, error) {
	var generation string
	err := s.db.QueryRowContext(ctx, `SELECT generation FROM cache_state WHERE id = 1`).Scan(&generation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("getting active generation: %w", err)
	}
	return generation, nil
}

func (s *SQLiteDatabase) SetActiveGeneration(ctx context.Context, generation string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_state (id, generation, activated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET generation = excluded.generation, activated_at = excluded.activated_at`,
		generation, toMillis(at))
	if err != nil {
		return fmt.Errorf("setting active generation: %w", err)
	}
	return nil
}

// Outbox

func (s *SQLiteDatabase) InsertPendingWrite(ctx context.Context, w *model.PendingWrite) error {
	status := w.Status
	if status == "" {
		status = model.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_writes (id, payload, sealed, status, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Payload, w.Sealed, string(status), toMillis(w.CreatedAt), w.Attempts, w.LastError)
	if err != nil {
		return fmt.Errorf("inserting pending write: %w", err)
	}
	return nil
}

const pendingWriteColumns = `id, payload, sealed, status, created_at, synced_at, attempts, last_error`

func (s *SQLiteDatabase) ListPendingWrites(ctx context.Context) ([]*model.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingWriteColumns+`
		FROM pending_writes
		WHERE status = 'pending'
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending writes: %w", err)
	}
	return collectPendingWrites(rows)
}

func (s *SQLiteDatabase) ListPendingWritesAll(ctx context.Context, limit int) ([]*model.PendingWrite, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingWriteColumns+`
		FROM pending_writes
		ORDER BY seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing writes: %w", err)
	}
	return collectPendingWrites(rows)
}

func (s *SQLiteDatabase) GetPendingWrite(ctx context.Context, id string) (*model.PendingWrite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingWriteColumns+` FROM pending_writes WHERE id = ?`, id)
	w, err := scanPendingWrite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting pending write: %w", err)
	}
	return w, nil
}

func (s *SQLiteDatabase) MarkPendingWriteSynced(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_writes SET status = 'synced', synced_at = ?
		WHERE id = ? AND status = 'pending'`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("marking write synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking write synced: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDatabase) RecordPendingWriteFailure(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_writes SET attempts = attempts + 1, last_error = ?
		WHERE id = ? AND status = 'pending'`, lastError, id)
	if err != nil {
		return fmt.Errorf("recording write failure: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CountPendingWrites(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending writes: %w", err)
	}
	return n, nil
}

// Sync run tracking

func (s *SQLiteDatabase) StartSyncRun(ctx context.Context, trigger string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (cause, started_at, status) VALUES (?, ?, ?)`,
		trigger, toMillis(at), okoa.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("creating sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating sync run: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) FinishSyncRun(ctx context.Context, id int64, summary okoa.FlushSummary, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, attempted = ?, succeeded = ?, left_pending = ?, status = ?
		WHERE id = ?`,
		toMillis(at), summary.Attempted, summary.Succeeded, summary.LeftPending, status, id)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cause, started_at, finished_at, attempted, succeeded, left_pending, status
		FROM sync_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SyncRun
	for rows.Next() {
		var (
			run      model.SyncRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.Trigger, &started, &finished,
			&run.Attempted, &run.Succeeded, &run.LeftPending, &run.Status); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		run.StartedAt = fromMillis(started)
		run.FinishedAt = fromNullMillis(finished)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	return runs, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrationStatus reports the schema version of the database.
func (s *SQLiteDatabase) MigrationStatus() (migrations.Status, error) {
	return migrations.ReadStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Schema returns the CREATE statements of the migrated schema, tables first,
// without SQLite internals or the migration bookkeeping table.
func (s *SQLiteDatabase) Schema(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name`)
	if err != nil {
		return "", fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scanning schema: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	return b.String(), nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putCacheEntry(ctx context.Context, db execer, entry *model.CacheEntry) error {
	header, err := encodeHeader(entry.Response.Header)
	if err != nil {
		return err
	}
	body := entry.Response.Body
	if body == nil {
		body = []byte{}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cache_entries (generation, cache_key, url, status_code, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (generation, cache_key) DO UPDATE SET
			url = excluded.url,
			status_code = excluded.status_code,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		entry.Generation, entry.Key, entry.Response.URL, entry.Response.StatusCode,
		header, body, toMillis(entry.StoredAt))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row scanner) (*model.CacheEntry, error) {
	var (
		entry  model.CacheEntry
		header string
		stored int64
	)
	if err := row.Scan(&entry.Key, &entry.Generation, &entry.Response.URL, &entry.Response.StatusCode,
		&header, &entry.Response.Body, &stored); err != nil {
		return nil, err
	}
	h, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	entry.Response.Header = h
	entry.StoredAt = fromMillis(stored)
	return &entry, nil
}

func scanPendingWrite(row scanner) (*model.PendingWrite, error) {
	var (
		w       model.PendingWrite
		status  string
		created int64
		synced  sql.NullInt64
	)
	if err := row.Scan(&w.ID, &w.Payload, &w.Sealed, &status, &created, &synced, &w.Attempts, &w.LastError); err != nil {
		return nil, err
	}
	w.Status = model.WriteStatus(status)
	w.CreatedAt = fromMillis(created)
	w.SyncedAt = fromNullMillis(synced)
	return &w, nil
}

func collectPendingWrites(rows *sql.Rows) ([]*model.PendingWrite, error) {
	defer rows.Close()

	var writes []*model.PendingWrite
	for rows.Next() {
		w, err := scanPendingWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending write: %w", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading pending writes: %w", err)
	}
	return writes, nil
}

func encodeHeader(h http.Header) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding header: %w", err)
	}
	return string(b), nil
}

func decodeHeader(s string) (http.Header, error) {
	h := http.Header{}
	if s == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	return h, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// Compile-time checks
var (
	_ okoa.CacheStore  = (*SQLiteDatabase)(nil)
	_ okoa.OutboxStore = (*SQLiteDatabase)(nil)
	_ okoa.RunRecorder = (*SQLiteDatabase)(nil)
)
