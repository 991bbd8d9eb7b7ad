// Batchd is a batch inference job control plane.
// Copyright (C) 2026 Batchd Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for the batch
// control plane: files, jobs, the worker heartbeat singleton, and the
// webhook dead-letter table. All job status writes pass through the
// transition guard; an illegal edge is rejected with ErrInvalidTransition.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"batchd/pkg/batch"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status write whose implied edge is
	// not in the state machine. Treated as a bug by callers.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
  id         TEXT PRIMARY KEY,
  filename   TEXT NOT NULL,
  bytes      INTEGER NOT NULL,
  purpose    TEXT NOT NULL CHECK (purpose IN ('batch','batch_output')),
  created_at INTEGER NOT NULL,
  path       TEXT NOT NULL,
  deleted    INTEGER NOT NULL DEFAULT 0
);`,

		`CREATE TABLE IF NOT EXISTS batch_jobs (
  id                        TEXT PRIMARY KEY,
  input_file_id             TEXT NOT NULL REFERENCES files(id) ON DELETE RESTRICT,
  output_file_id            TEXT NULL REFERENCES files(id) ON DELETE RESTRICT,
  endpoint                  TEXT NOT NULL,
  completion_window         TEXT NOT NULL,
  status                    TEXT NOT NULL CHECK (status IN ('validating','in_progress','finalizing','completed','failed','expired','cancelling','cancelled')),
  created_at                INTEGER NOT NULL,
  expires_at                INTEGER NOT NULL,
  in_progress_at            INTEGER NULL,
  finalizing_at             INTEGER NULL,
  completed_at              INTEGER NULL,
  failed_at                 INTEGER NULL,
  expired_at                INTEGER NULL,
  cancelling_at             INTEGER NULL,
  cancelled_at              INTEGER NULL,
  total_requests            INTEGER NOT NULL,
  completed_requests        INTEGER NOT NULL DEFAULT 0,
  failed_requests           INTEGER NOT NULL DEFAULT 0,
  priority                  INTEGER NOT NULL DEFAULT 0 CHECK (priority IN (-1,0,1)),
  model                     TEXT NOT NULL,
  metadata_json             TEXT NULL,
  errors_json               TEXT NULL,
  tokens_processed          INTEGER NOT NULL DEFAULT 0,
  last_progress_update      INTEGER NULL,
  estimated_completion_time INTEGER NULL,
  webhook_url               TEXT NULL,
  webhook_secret            TEXT NULL,
  webhook_max_retries       INTEGER NOT NULL DEFAULT 3,
  webhook_timeout_s         INTEGER NOT NULL DEFAULT 30,
  webhook_events            TEXT NULL,
  webhook_status            TEXT NULL CHECK (webhook_status IN ('sent','failed') OR webhook_status IS NULL),
  webhook_attempts          INTEGER NOT NULL DEFAULT 0,
  webhook_last_attempt      INTEGER NULL,
  webhook_error             TEXT NULL,
  CHECK (completed_requests + failed_requests <= total_requests)
);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_pending ON batch_jobs(status, priority DESC, created_at ASC);`,

		`CREATE TABLE IF NOT EXISTS worker_heartbeat (
  id                 INTEGER PRIMARY KEY CHECK (id = 1),
  status             TEXT NOT NULL CHECK (status IN ('idle','processing','testing','error')),
  current_job_id     TEXT NULL,
  loaded_model       TEXT NULL,
  model_loaded_at    INTEGER NULL,
  worker_pid         INTEGER NOT NULL,
  worker_started_at  INTEGER NOT NULL,
  gpu_memory_percent REAL NOT NULL DEFAULT 0,
  gpu_temperature    REAL NOT NULL DEFAULT 0,
  last_seen          INTEGER NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS webhook_dead_letter (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id        TEXT NOT NULL,
  webhook_url     TEXT NOT NULL,
  payload         TEXT NOT NULL,
  error_message   TEXT NOT NULL,
  attempts        INTEGER NOT NULL,
  last_attempt_at INTEGER NOT NULL,
  created_at      INTEGER NOT NULL,
  retried_at      INTEGER NULL,
  retry_success   INTEGER NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_batch ON webhook_dead_letter(batch_id);`,

		`CREATE TABLE IF NOT EXISTS failed_requests (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id   TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
  custom_id  TEXT NOT NULL,
  line       INTEGER NOT NULL,
  message    TEXT NOT NULL,
  created_at INTEGER NOT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Files ---------------

// CreateFile inserts a file row. The caller must set File.ID and Path and
// have fsync'd the on-disk content first.
func (s *Store) CreateFile(ctx context.Context, f *batch.File) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return insertFileTx(ctx, tx, f)
	})
}

func insertFileTx(ctx context.Context, tx *sql.Tx, f *batch.File) error {
	const ins = `
INSERT INTO files (id, filename, bytes, purpose, created_at, path, deleted)
VALUES (?, ?, ?, ?, ?, ?, 0);`
	_, err := tx.ExecContext(ctx, ins, f.ID, f.Filename, f.Bytes, string(f.Purpose), f.CreatedAt, f.Path)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile retrieves a file row by ID. Soft-deleted rows are still returned;
// the caller decides how to treat Deleted.
func (s *Store) GetFile(ctx context.Context, id string) (*batch.File, error) {
	const q = `SELECT id, filename, bytes, purpose, created_at, path, deleted FROM files WHERE id=?`
	var (
		f       batch.File
		purpose string
		deleted int
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&f.ID, &f.Filename, &f.Bytes, &purpose, &f.CreatedAt, &f.Path, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.Object = "file"
	f.Purpose = batch.FilePurpose(purpose)
	f.Deleted = deleted != 0
	return &f, nil
}

// MarkFileDeleted soft-deletes a file row. The bytes on disk are left for
// operators to reclaim.
func (s *Store) MarkFileDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET deleted=1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("mark file deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Jobs ---------------

// CreateJob inserts the job row. Any admission failure before this call
// leaves no visible state.
func (s *Store) CreateJob(ctx context.Context, job *batch.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return insertJobTx(ctx, tx, job)
	})
}

func insertJobTx(ctx context.Context, tx *sql.Tx, job *batch.Job) error {
	const ins = `
INSERT INTO batch_jobs (
  id, input_file_id, endpoint, completion_window, status,
  created_at, expires_at, total_requests, completed_requests, failed_requests,
  priority, model, metadata_json,
  webhook_url, webhook_secret, webhook_max_retries, webhook_timeout_s, webhook_events
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	timeoutS := int(job.Webhook.Timeout / time.Second)
	if timeoutS <= 0 {
		timeoutS = 30
	}
	maxRetries := job.Webhook.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	_, err := tx.ExecContext(ctx, ins,
		job.ID, job.InputFileID, job.Endpoint, job.CompletionWindow, job.Status.String(),
		job.CreatedAt, job.ExpiresAt, job.RequestCounts.Total, job.RequestCounts.Completed, job.RequestCounts.Failed,
		int(job.Priority), job.Model, nullIfEmpty(string(job.Metadata)),
		nullIfEmpty(job.Webhook.URL), nullIfEmpty(job.Webhook.Secret), maxRetries, timeoutS, nullIfEmpty(job.Webhook.Events))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, input_file_id, output_file_id, endpoint, completion_window, status,
created_at, expires_at, in_progress_at, finalizing_at, completed_at, failed_at, expired_at, cancelling_at, cancelled_at,
total_requests, completed_requests, failed_requests, priority, model, metadata_json, errors_json,
tokens_processed, last_progress_update, estimated_completion_time,
webhook_url, webhook_secret, webhook_max_retries, webhook_timeout_s, webhook_events,
webhook_status, webhook_attempts, webhook_last_attempt, webhook_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*batch.Job, error) {
	var (
		j             batch.Job
		outputFileID  sql.NullString
		status        string
		inProgressAt  sql.NullInt64
		finalizingAt  sql.NullInt64
		completedAt   sql.NullInt64
		failedAt      sql.NullInt64
		expiredAt     sql.NullInt64
		cancellingAt  sql.NullInt64
		cancelledAt   sql.NullInt64
		priority      int
		metadata      sql.NullString
		errorsJSON    sql.NullString
		lastProgress  sql.NullInt64
		estCompletion sql.NullInt64
		whURL         sql.NullString
		whSecret      sql.NullString
		whTimeoutS    int
		whEvents      sql.NullString
		whStatus      sql.NullString
		whLastAttempt sql.NullInt64
		whError       sql.NullString
	)
	err := r.Scan(
		&j.ID, &j.InputFileID, &outputFileID, &j.Endpoint, &j.CompletionWindow, &status,
		&j.CreatedAt, &j.ExpiresAt, &inProgressAt, &finalizingAt, &completedAt, &failedAt, &expiredAt, &cancellingAt, &cancelledAt,
		&j.RequestCounts.Total, &j.RequestCounts.Completed, &j.RequestCounts.Failed, &priority, &j.Model, &metadata, &errorsJSON,
		&j.TokensProcessed, &lastProgress, &estCompletion,
		&whURL, &whSecret, &j.Webhook.MaxRetries, &whTimeoutS, &whEvents,
		&whStatus, &j.Webhook.Attempts, &whLastAttempt, &whError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Object = "batch"
	j.OutputFileID = fromNullString(outputFileID)
	j.Status = batch.JobStatus(status)
	j.InProgressAt = inProgressAt.Int64
	j.FinalizingAt = finalizingAt.Int64
	j.CompletedAt = completedAt.Int64
	j.FailedAt = failedAt.Int64
	j.ExpiredAt = expiredAt.Int64
	j.CancellingAt = cancellingAt.Int64
	j.CancelledAt = cancelledAt.Int64
	j.Priority = batch.Priority(priority)
	if metadata.Valid {
		j.Metadata = []byte(metadata.String)
	}
	if errorsJSON.Valid {
		j.Errors = []byte(errorsJSON.String)
	}
	j.LastProgressUpdate = lastProgress.Int64
	j.EstimatedCompletionTime = estCompletion.Int64
	j.Webhook.URL = fromNullString(whURL)
	j.Webhook.Secret = fromNullString(whSecret)
	j.Webhook.Timeout = time.Duration(whTimeoutS) * time.Second
	j.Webhook.Events = fromNullString(whEvents)
	j.Webhook.Status = batch.WebhookStatus(fromNullString(whStatus))
	j.Webhook.LastAttempt = whLastAttempt.Int64
	j.Webhook.Error = fromNullString(whError)
	return &j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*batch.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id=?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*batch.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id=?`
	return scanJob(tx.QueryRowContext(ctx, q, id))
}

// ListJobs returns jobs ordered newest first, optionally filtered by
// status. limit <= 0 returns all.
func (s *Store) ListJobs(ctx context.Context, status batch.JobStatus, limit int) ([]*batch.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs`
	var args []any
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status: %s", status)
		}
		q += ` WHERE status=?`
		args = append(args, status.String())
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryJobs(ctx, q, args...)
}

// ListJobsByStatus returns jobs in a given status, oldest first. Used by
// the scheduler's startup recovery.
func (s *Store) ListJobsByStatus(ctx context.Context, status batch.JobStatus) ([]*batch.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE status=? ORDER BY created_at ASC`
	return s.queryJobs(ctx, q, status.String())
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*batch.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*batch.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// SelectNextPending returns the validating job of highest priority, oldest
// created_at winning ties, or ErrNotFound.
func (s *Store) SelectNextPending(ctx context.Context) (*batch.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs
WHERE status='validating' ORDER BY priority DESC, created_at ASC LIMIT 1`
	return scanJob(s.db.QueryRowContext(ctx, q))
}

// ActiveJobCount counts jobs occupying the queue (validating, in_progress,
// finalizing). Used by the intake admission gate.
func (s *Store) ActiveJobCount(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM batch_jobs WHERE status IN ('validating','in_progress','finalizing')`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// QueuedRequestCount sums the not-yet-completed requests across active jobs.
func (s *Store) QueuedRequestCount(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(SUM(total_requests - completed_requests), 0)
FROM batch_jobs WHERE status IN ('validating','in_progress','finalizing')`
	var n int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("sum queued requests: %w", err)
	}
	return n, nil
}

// --------------- Status transitions ---------------

// TransitionExtra carries the optional fields a transition may set
// alongside the status and timestamp.
type TransitionExtra struct {
	OutputFileID   string
	ErrorsJSON     string
	FailedRequests *int
}

// Transition moves a job to a new status, enforcing the state machine and
// stamping the status timestamp in one transaction. Returns the updated job.
func (s *Store) Transition(ctx context.Context, id string, to batch.JobStatus, now time.Time, extra *TransitionExtra) (*batch.Job, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("invalid status: %s", to)
	}
	var updated *batch.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !batch.CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, cur.Status, to, id)
		}

		set := to.TimestampField()
		upd := `UPDATE batch_jobs SET status=?, ` + set + `=?`
		args := []any{to.String(), now.Unix()}
		if extra != nil {
			if extra.OutputFileID != "" {
				upd += `, output_file_id=?`
				args = append(args, extra.OutputFileID)
			}
			if extra.ErrorsJSON != "" {
				upd += `, errors_json=?`
				args = append(args, extra.ErrorsJSON)
			}
			if extra.FailedRequests != nil {
				upd += `, failed_requests=?`
				args = append(args, *extra.FailedRequests)
			}
		}
		upd += ` WHERE id=? AND status=?`
		args = append(args, id, cur.Status.String())

		res, err := tx.ExecContext(ctx, upd, args...)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			// Lost a race with a concurrent transition.
			return fmt.Errorf("%w: %s -> %s (job %s, concurrent update)", ErrInvalidTransition, cur.Status, to, id)
		}
		updated, err = getJobTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetCompletedRequests overwrites the completed counter. The runner calls
// this once per job start, after deriving the resume offset from the output
// file, which is authoritative over the database value.
func (s *Store) SetCompletedRequests(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batch_jobs SET completed_requests=? WHERE id=?`, n, id)
	if err != nil {
		return fmt.Errorf("set completed requests: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitChunk records a chunk's progress and refreshes the heartbeat in a
// single transaction, per the chunk-commit contract.
func (s *Store) CommitChunk(ctx context.Context, id string, saved int, tokens int64, estCompletion int64, hb batch.Heartbeat, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `UPDATE batch_jobs
SET completed_requests = completed_requests + ?,
    tokens_processed = tokens_processed + ?,
    last_progress_update = ?,
    estimated_completion_time = ?
WHERE id=?`
		var est any
		if estCompletion > 0 {
			est = estCompletion
		}
		res, err := tx.ExecContext(ctx, upd, saved, tokens, now.Unix(), est, id)
		if err != nil {
			return fmt.Errorf("commit chunk: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return upsertHeartbeatTx(ctx, tx, hb)
	})
}

// UpdateWebhookDelivery writes the per-attempt webhook delivery state.
// This is the only mutation allowed on a terminal job.
func (s *Store) UpdateWebhookDelivery(ctx context.Context, id string, status batch.WebhookStatus, attempts int, lastAttempt int64, deliveryErr string) error {
	const upd = `UPDATE batch_jobs
SET webhook_status=?, webhook_attempts=?, webhook_last_attempt=?, webhook_error=?
WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, nullIfEmpty(string(status)), attempts, lastAttempt, nullIfEmpty(deliveryErr), id)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireJobs transitions validating jobs whose expires_at has passed to
// expired. Running jobs are left alone; expiry is observed at job
// boundaries only.
func (s *Store) ExpireJobs(ctx context.Context, now time.Time) (int, error) {
	const upd = `UPDATE batch_jobs SET status='expired', expired_at=?
WHERE status='validating' AND expires_at < ?`
	res, err := s.db.ExecContext(ctx, upd, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --------------- Heartbeat ---------------

// UpsertHeartbeat writes the singleton heartbeat row (id=1).
func (s *Store) UpsertHeartbeat(ctx context.Context, hb batch.Heartbeat) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertHeartbeatTx(ctx, tx, hb)
	})
}

func upsertHeartbeatTx(ctx context.Context, tx *sql.Tx, hb batch.Heartbeat) error {
	const upsert = `
INSERT INTO worker_heartbeat (id, status, current_job_id, loaded_model, model_loaded_at, worker_pid, worker_started_at, gpu_memory_percent, gpu_temperature, last_seen)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  current_job_id=excluded.current_job_id,
  loaded_model=excluded.loaded_model,
  model_loaded_at=excluded.model_loaded_at,
  worker_pid=excluded.worker_pid,
  worker_started_at=excluded.worker_started_at,
  gpu_memory_percent=excluded.gpu_memory_percent,
  gpu_temperature=excluded.gpu_temperature,
  last_seen=excluded.last_seen;`
	var modelLoadedAt any
	if hb.ModelLoadedAt > 0 {
		modelLoadedAt = hb.ModelLoadedAt
	}
	_, err := tx.ExecContext(ctx, upsert,
		string(hb.Status), nullIfEmpty(hb.CurrentJobID), nullIfEmpty(hb.LoadedModel), modelLoadedAt,
		hb.WorkerPID, hb.WorkerStartedAt, hb.GPUMemoryPercent, hb.GPUTemperature, hb.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat reads the singleton heartbeat row.
func (s *Store) GetHeartbeat(ctx context.Context) (*batch.Heartbeat, error) {
	const q = `SELECT status, current_job_id, loaded_model, model_loaded_at, worker_pid, worker_started_at, gpu_memory_percent, gpu_temperature, last_seen
FROM worker_heartbeat WHERE id=1`
	var (
		hb            batch.Heartbeat
		status        string
		currentJobID  sql.NullString
		loadedModel   sql.NullString
		modelLoadedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q).Scan(&status, &currentJobID, &loadedModel, &modelLoadedAt,
		&hb.WorkerPID, &hb.WorkerStartedAt, &hb.GPUMemoryPercent, &hb.GPUTemperature, &hb.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	hb.Status = batch.WorkerStatus(status)
	hb.CurrentJobID = fromNullString(currentJobID)
	hb.LoadedModel = fromNullString(loadedModel)
	hb.ModelLoadedAt = modelLoadedAt.Int64
	return &hb, nil
}

// --------------- Dead letters ---------------

// EnqueueDeadLetter appends a permanently failed webhook delivery.
func (s *Store) EnqueueDeadLetter(ctx context.Context, dl *batch.DeadLetter) error {
	const ins = `
INSERT INTO webhook_dead_letter (batch_id, webhook_url, payload, error_message, attempts, last_attempt_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);`
	res, err := s.db.ExecContext(ctx, ins,
		dl.BatchID, dl.WebhookURL, dl.Payload, dl.ErrorMessage, dl.Attempts, dl.LastAttemptAt, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	dl.ID, _ = res.LastInsertId()
	return nil
}

// GetDeadLetter retrieves one dead-letter entry by row id.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*batch.DeadLetter, error) {
	const q = `SELECT id, batch_id, webhook_url, payload, error_message, attempts, last_attempt_at, created_at, retried_at, retry_success
FROM webhook_dead_letter WHERE id=?`
	return scanDeadLetter(s.db.QueryRowContext(ctx, q, id))
}

// ListDeadLetters returns dead-letter entries, newest first, optionally
// filtered by batch ID. limit <= 0 returns all.
func (s *Store) ListDeadLetters(ctx context.Context, batchID string, limit int) ([]*batch.DeadLetter, error) {
	q := `SELECT id, batch_id, webhook_url, payload, error_message, attempts, last_attempt_at, created_at, retried_at, retry_success
FROM webhook_dead_letter`
	var args []any
	if batchID != "" {
		q += ` WHERE batch_id=?`
		args = append(args, batchID)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*batch.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func scanDeadLetter(r rowScanner) (*batch.DeadLetter, error) {
	var (
		dl           batch.DeadLetter
		retriedAt    sql.NullInt64
		retrySuccess sql.NullBool
	)
	err := r.Scan(&dl.ID, &dl.BatchID, &dl.WebhookURL, &dl.Payload, &dl.ErrorMessage,
		&dl.Attempts, &dl.LastAttemptAt, &dl.CreatedAt, &retriedAt, &retrySuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	dl.RetriedAt = retriedAt.Int64
	if retrySuccess.Valid {
		v := retrySuccess.Bool
		dl.RetrySuccess = &v
	}
	return &dl, nil
}

// MarkDeadLetterRetry records the outcome of an administrative redelivery.
func (s *Store) MarkDeadLetterRetry(ctx context.Context, id int64, success bool, now time.Time) error {
	const upd = `UPDATE webhook_dead_letter SET retried_at=?, retry_success=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, now.Unix(), success, id)
	if err != nil {
		return fmt.Errorf("mark dead letter retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
