package dispatcher

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/skyforge-cloud/deployctl/internal/migration"
)

const (
	maxRunOutputBytes     = 32 * 1024
	maxSuccessRunsPerKind = 100
	maxFailedRunsPerKind  = 500
	defaultRunLimit       = 50
	maxRunListLimit       = 500
)

var ErrInvalidRunTransition = errors.New("invalid run status transition")

// RunQuery filters run history lookups.
type RunQuery struct {
	JobID         string
	Status        string
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
}

// Store persists jobs and run history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the dispatcher's SQLite database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open dispatcher db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id                    TEXT PRIMARY KEY,
		kind                  TEXT NOT NULL,
		deployment_id         TEXT NOT NULL,
		payload               TEXT NOT NULL DEFAULT '',
		retry_max_attempts    INTEGER,
		retry_initial_backoff TEXT,
		retry_multiplier      REAL,
		retry_max_backoff     TEXT,
		created_at            TEXT NOT NULL,
		updated_at            TEXT NOT NULL,
		last_run_at           TEXT,
		last_status           TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS job_runs (
		id                 TEXT PRIMARY KEY,
		job_id             TEXT NOT NULL,
		attempt            INTEGER NOT NULL DEFAULT 1,
		max_attempts       INTEGER NOT NULL DEFAULT 1,
		retry_scheduled_at TEXT,
		started_at         TEXT NOT NULL,
		ended_at           TEXT,
		status             TEXT NOT NULL,
		exit_code          INTEGER,
		output             TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create job_runs table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_kind ON jobs(kind)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_deployment ON jobs(deployment_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_runs_job_started ON job_runs(job_id, started_at DESC)`)

	s := &Store{db: db}
	if err := s.pruneRunHistory(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prune job runs: %w", err)
	}

	if err := migration.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a new job in queued state.
func (s *Store) CreateJob(job Job) (*Job, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.LastStatus == "" {
		job.LastStatus = RunStatusQueued
	}

	_, err := s.db.Exec(`INSERT INTO jobs (id, kind, deployment_id, payload, retry_max_attempts, retry_initial_backoff, retry_multiplier, retry_max_backoff, created_at, updated_at, last_run_at, last_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Kind,
		job.DeploymentID,
		job.Payload,
		nullableRetryMaxAttempts(job.RetryPolicy),
		nullableRetryDuration(job.RetryPolicy, func(p *RetryPolicy) string { return p.InitialBackoff }),
		nullableRetryMultiplier(job.RetryPolicy),
		nullableRetryDuration(job.RetryPolicy, func(p *RetryPolicy) string { return p.MaxBackoff }),
		job.CreatedAt.Format(time.RFC3339Nano),
		job.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(job.LastRunAt),
		job.LastStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	out := job
	return &out, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT id, kind, deployment_id, payload, retry_max_attempts, retry_initial_backoff, retry_multiplier, retry_max_backoff, created_at, updated_at, last_run_at, last_status
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobsByKind returns queued jobs of kind, oldest first (FIFO lease order).
func (s *Store) ListJobsByKind(kind string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT id, kind, deployment_id, payload, retry_max_attempts, retry_initial_backoff, retry_multiplier, retry_max_backoff, created_at, updated_at, last_run_at, last_status
		FROM jobs WHERE kind = ? AND last_status = ? ORDER BY created_at ASC`, kind, RunStatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and its run history.
func (s *Store) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordRunStart inserts a running job execution record.
func (s *Store) RecordRunStart(run Run) (*Run, error) {
	if strings.TrimSpace(run.JobID) == "" {
		return nil, fmt.Errorf("job_id required")
	}

	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = run.Attempt
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.Status = RunStatusRunning

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO job_runs (id, job_id, attempt, max_attempts, retry_scheduled_at, started_at, ended_at, status, exit_code, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.Attempt, run.MaxAttempts, nullableTime(run.RetryScheduledAt),
		run.StartedAt.UTC().Format(time.RFC3339Nano), nullableTime(run.EndedAt), run.Status,
		nullableInt(run.ExitCode), truncateOutput(run.Output),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.Exec(`UPDATE jobs SET last_run_at = ?, last_status = ?, updated_at = ? WHERE id = ?`,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.Status, now.Format(time.RFC3339Nano), run.JobID); err != nil {
		return nil, fmt.Errorf("update job running status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := run
	return &out, nil
}

// CompleteRun finalizes a run and optionally records a retry schedule.
func (s *Store) CompleteRun(runID, status string, exitCode *int, output string, retryScheduledAt *time.Time) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}
	if status != RunStatusSuccess && status != RunStatusFailed {
		return fmt.Errorf("status must be success or failed")
	}
	return s.transitionRun(runID, []string{RunStatusRunning}, status, exitCode, output, retryScheduledAt)
}

// CancelRun transitions a running or queued run to canceled.
func (s *Store) CancelRun(runID, reason string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id required")
	}
	return s.transitionRun(runID, []string{RunStatusRunning, RunStatusQueued}, RunStatusCanceled, nil, reason, nil)
}

func (s *Store) transitionRun(runID string, fromStatuses []string, toStatus string, exitCode *int, output string, retryScheduledAt *time.Time) error {
	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var jobID, current string
	if err := tx.QueryRow(`SELECT job_id, status FROM job_runs WHERE id = ?`, runID).Scan(&jobID, &current); err != nil {
		return err
	}
	var kind string
	if err := tx.QueryRow(`SELECT kind FROM jobs WHERE id = ?`, jobID).Scan(&kind); err != nil {
		return err
	}

	allowed := false
	for _, candidate := range fromStatuses {
		if current == candidate {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidRunTransition, current, toStatus)
	}

	res, err := tx.Exec(`UPDATE job_runs SET ended_at = ?, status = ?, exit_code = COALESCE(?, exit_code), output = ?, retry_scheduled_at = ?
		WHERE id = ? AND status = ?`,
		now.Format(time.RFC3339Nano), toStatus, nullableInt(exitCode), truncateOutput(output), nullableTime(retryScheduledAt), runID, current,
	)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: concurrent transition on run %s", ErrInvalidRunTransition, runID)
	}

	jobStatus := toStatus
	if retryScheduledAt != nil {
		jobStatus = RunStatusQueued
	}
	if _, err := tx.Exec(`UPDATE jobs SET last_status = ?, updated_at = ? WHERE id = ?`, jobStatus, now.Format(time.RFC3339Nano), jobID); err != nil {
		return err
	}

	if toStatus == RunStatusSuccess || toStatus == RunStatusFailed || toStatus == RunStatusCanceled {
		if err := pruneKindRunHistoryTx(tx, kind); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun returns one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, job_id, attempt, max_attempts, retry_scheduled_at, started_at, ended_at, status, exit_code, output
		FROM job_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns recent runs matching query, newest first.
func (s *Store) ListRuns(query RunQuery) ([]Run, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if jobID := strings.TrimSpace(query.JobID); jobID != "" {
		clauses = append(clauses, "job_id = ?")
		args = append(args, jobID)
	}
	if status := strings.TrimSpace(query.Status); status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}
	if query.StartedAfter != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, query.StartedAfter.UTC().Format(time.RFC3339Nano))
	}
	if query.StartedBefore != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, query.StartedBefore.UTC().Format(time.RFC3339Nano))
	}

	stmt := `SELECT id, job_id, attempt, max_attempts, retry_scheduled_at, started_at, ended_at, status, exit_code, output FROM job_runs`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY started_at DESC LIMIT ?`
	limit := normalizeRunLimit(query.Limit)
	args = append(args, limit)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func normalizeRunLimit(limit int) int {
	if limit <= 0 {
		return defaultRunLimit
	}
	if limit > maxRunListLimit {
		return maxRunListLimit
	}
	return limit
}

// pruneRunHistory caps every job kind's retained run history on startup:
// the last maxSuccessRunsPerKind successful runs and the last
// maxFailedRunsPerKind failed/canceled runs, per kind. Also enforced
// incrementally in transitionRun, so this only matters for history built
// up before the process last started (e.g. after an unclean shutdown).
func (s *Store) pruneRunHistory() error {
	rows, err := s.db.Query(`SELECT DISTINCT kind FROM jobs`)
	if err != nil {
		return err
	}
	var kinds []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			rows.Close()
			return err
		}
		kinds = append(kinds, kind)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, kind := range kinds {
		if err := pruneKindRunHistoryTx(s.db, kind); err != nil {
			return err
		}
	}
	return nil
}

// pruneKindRunHistoryTx deletes runs for kind beyond the per-kind,
// per-status retention caps. Accepts either *sql.DB or *sql.Tx.
func pruneKindRunHistoryTx(q execer, kind string) error {
	if _, err := q.Exec(`
		DELETE FROM job_runs WHERE job_id IN (SELECT id FROM jobs WHERE kind = ?)
		AND status = ?
		AND id NOT IN (
			SELECT jr.id FROM job_runs jr JOIN jobs j ON j.id = jr.job_id
			WHERE j.kind = ? AND jr.status = ?
			ORDER BY jr.started_at DESC LIMIT ?
		)`, kind, RunStatusSuccess, kind, RunStatusSuccess, maxSuccessRunsPerKind); err != nil {
		return err
	}
	if _, err := q.Exec(`
		DELETE FROM job_runs WHERE job_id IN (SELECT id FROM jobs WHERE kind = ?)
		AND status IN (?, ?)
		AND id NOT IN (
			SELECT jr.id FROM job_runs jr JOIN jobs j ON j.id = jr.job_id
			WHERE j.kind = ? AND jr.status IN (?, ?)
			ORDER BY jr.started_at DESC LIMIT ?
		)`, kind, RunStatusFailed, RunStatusCanceled, kind, RunStatusFailed, RunStatusCanceled, maxFailedRunsPerKind); err != nil {
		return err
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job                  Job
		createdAt, updatedAt string
		lastRunAt            sql.NullString
		retryMaxAttempts     sql.NullInt64
		retryInitialBackoff  sql.NullString
		retryMultiplier      sql.NullFloat64
		retryMaxBackoff      sql.NullString
	)

	if err := s.Scan(
		&job.ID, &job.Kind, &job.DeploymentID, &job.Payload,
		&retryMaxAttempts, &retryInitialBackoff, &retryMultiplier, &retryMaxBackoff,
		&createdAt, &updatedAt, &lastRunAt, &job.LastStatus,
	); err != nil {
		return nil, err
	}

	if retryMaxAttempts.Valid || retryInitialBackoff.Valid || retryMultiplier.Valid || retryMaxBackoff.Valid {
		rp := &RetryPolicy{}
		if retryMaxAttempts.Valid {
			rp.MaxAttempts = int(retryMaxAttempts.Int64)
		}
		if retryInitialBackoff.Valid {
			rp.InitialBackoff = retryInitialBackoff.String
		}
		if retryMultiplier.Valid {
			rp.Multiplier = retryMultiplier.Float64
		}
		if retryMaxBackoff.Valid {
			rp.MaxBackoff = retryMaxBackoff.String
		}
		job.RetryPolicy = rp
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastRunAt.Valid && lastRunAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastRunAt.String); err == nil {
			job.LastRunAt = &ts
		}
	}
	return &job, nil
}

func scanRun(s scanner) (*Run, error) {
	var (
		run              Run
		startedAt        string
		endedAt          sql.NullString
		retryScheduledAt sql.NullString
		exitCode         sql.NullInt64
	)

	if err := s.Scan(&run.ID, &run.JobID, &run.Attempt, &run.MaxAttempts, &retryScheduledAt, &startedAt, &endedAt, &run.Status, &exitCode, &run.Output); err != nil {
		return nil, err
	}

	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if retryScheduledAt.Valid && retryScheduledAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, retryScheduledAt.String); err == nil {
			run.RetryScheduledAt = &ts
		}
	}
	if endedAt.Valid && endedAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			run.EndedAt = &ts
		}
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = run.Attempt
	}
	return &run, nil
}

func validateJob(job Job) error {
	if strings.TrimSpace(job.Kind) == "" {
		return fmt.Errorf("kind is required")
	}
	if strings.TrimSpace(job.DeploymentID) == "" {
		return fmt.Errorf("deployment_id is required")
	}
	return validateRetryPolicy(job.RetryPolicy)
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableRetryMaxAttempts(policy *RetryPolicy) sql.NullInt64 {
	if policy == nil || policy.MaxAttempts <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(policy.MaxAttempts), Valid: true}
}

func nullableRetryMultiplier(policy *RetryPolicy) sql.NullFloat64 {
	if policy == nil || policy.Multiplier <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: policy.Multiplier, Valid: true}
}

func nullableRetryDuration(policy *RetryPolicy, get func(*RetryPolicy) string) sql.NullString {
	if policy == nil || get == nil {
		return sql.NullString{}
	}
	value := strings.TrimSpace(get(policy))
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func truncateOutput(output string) string {
	if len(output) <= maxRunOutputBytes {
		return output
	}
	if maxRunOutputBytes <= 16 {
		return output[:maxRunOutputBytes]
	}
	return output[:maxRunOutputBytes-16] + "\n...[truncated]"
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsInvalidRunTransition reports whether err is an invalid run status transition.
func IsInvalidRunTransition(err error) bool {
	return errors.Is(err, ErrInvalidRunTransition)
}
