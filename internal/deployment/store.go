package deployment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
	"github.com/skyforge-cloud/deployctl/internal/migration"
)

// Store is the SQL-backed Deployment/StageSession/CommandHistory
// repository. Backend is chosen by the DSN scheme, the same convention
// internal/audit and internal/statelock use: sqlite://, postgres://,
// mysql://, or a bare path (sqlite).
type Store struct {
	db          *sql.DB
	driver      string
	placeholder string
}

// Open opens (or creates) the deployment store for dsn.
func Open(dsn string) (*Store, error) {
	driver, dataSource, placeholder := resolveDriver(dsn)

	db, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open deployment store: %w", err)
	}

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal_mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, placeholder: placeholder}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if driver == "sqlite" {
		if err := migration.EnsureVersion(db, 1); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema version: %w", err)
		}
	}
	return s, nil
}

func resolveDriver(dsn string) (driver, dataSource, placeholder string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, "$"
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), "?"
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), "?"
	default:
		return "sqlite", dsn, "?"
	}
}

func (s *Store) ph(n int) string {
	if s.placeholder == "$" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT,
			environment   TEXT NOT NULL,
			region        TEXT,
			repo_url      TEXT,
			repo_branch   TEXT,
			status        TEXT NOT NULL,
			source        TEXT NOT NULL DEFAULT '{}',
			version       INTEGER NOT NULL DEFAULT 0,
			prev_versions TEXT NOT NULL DEFAULT '[]',
			resources     TEXT NOT NULL DEFAULT '[]',
			estimate      TEXT,
			actual        TEXT,
			approvals     TEXT NOT NULL DEFAULT '[]',
			budget        TEXT,
			drift         TEXT,
			security      TEXT,
			resource_health TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deployment_status_history (
			id              TEXT PRIMARY KEY,
			deployment_id   TEXT NOT NULL,
			status          TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			reason          TEXT,
			actor           TEXT,
			FOREIGN KEY(deployment_id) REFERENCES deployments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_deployment ON deployment_status_history(deployment_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS stage_sessions (
			deployment_id TEXT PRIMARY KEY,
			body          TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			FOREIGN KEY(deployment_id) REFERENCES deployments(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS command_history (
			command_id        TEXT PRIMARY KEY,
			deployment_id     TEXT NOT NULL,
			command           TEXT NOT NULL,
			type              TEXT NOT NULL,
			status            TEXT NOT NULL,
			exit_code         INTEGER,
			stdout            TEXT,
			stderr            TEXT,
			user_id           TEXT,
			started_at        TEXT,
			completed_at      TEXT,
			duration_millis   INTEGER,
			working_directory TEXT,
			env_snapshot      TEXT,
			FOREIGN KEY(deployment_id) REFERENCES deployments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_history_deployment ON command_history(deployment_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create deployment schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Create persists a new deployment, generating an ID if one is not already
// set, and seeds statusHistory with the deployment's initial status.
func (s *Store) Create(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = deploystate.StateInitial
	}
	if len(d.StatusHistory) == 0 {
		d.StatusHistory = []deploystate.HistoryEntry{{Status: d.Status, Timestamp: now}}
	}
	if err := d.Validate(); err != nil {
		return engineerr.Wrap(engineerr.InvalidInput, "deployment fails statusHistory invariant", err)
	}

	source, _ := json.Marshal(d.Source)
	prevVersions, _ := json.Marshal(d.PreviousVersions)
	resources, _ := json.Marshal(d.ResourceInventory)
	estimate, _ := json.Marshal(d.Estimate)
	actual, _ := json.Marshal(d.Actual)
	approvals, _ := json.Marshal(d.Approvals)
	budget, _ := json.Marshal(d.Budget)
	drift, _ := json.Marshal(d.Drift)
	security, _ := json.Marshal(d.Security)
	resourceHealth, _ := json.Marshal(d.ResourceHealthChecks)

	query := fmt.Sprintf(`INSERT INTO deployments
		(id, name, description, environment, region, repo_url, repo_branch, status, source, version,
		 prev_versions, resources, estimate, actual, approvals, budget, drift, security, resource_health, created_at, updated_at)
		VALUES (%s)`, placeholders(s, 21))
	if _, err := s.db.ExecContext(ctx, query,
		d.ID, d.Name, d.Description, d.Environment, d.Region, d.RepoURL, d.RepoBranch, string(d.Status), string(source), d.Version,
		string(prevVersions), string(resources), string(estimate), string(actual), string(approvals), string(budget), string(drift), string(security),
		string(resourceHealth), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return engineerr.Wrap(engineerr.Internal, "insert deployment", err)
	}

	for _, h := range d.StatusHistory {
		if err := s.appendHistoryRow(ctx, d.ID, h); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(s *Store, n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString(s.ph(i))
	}
	return b.String()
}

func (s *Store) appendHistoryRow(ctx context.Context, deploymentID string, h deploystate.HistoryEntry) error {
	query := fmt.Sprintf(`INSERT INTO deployment_status_history
		(id, deployment_id, status, timestamp, reason, actor) VALUES (%s)`, placeholders(s, 6))
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), deploymentID, string(h.Status), h.Timestamp.Format(time.RFC3339Nano), h.Reason, h.Actor,
	)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "append status history row", err)
	}
	return nil
}

// Get loads a deployment by ID, including its full statusHistory.
func (s *Store) Get(ctx context.Context, id string) (*Deployment, error) {
	query := fmt.Sprintf(`SELECT id, name, description, environment, region, repo_url, repo_branch, status, source,
		version, prev_versions, resources, estimate, actual, approvals, budget, drift, security, resource_health, created_at, updated_at
		FROM deployments WHERE id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, query, id)

	d := &Deployment{}
	var status, source, prevVersions, resources, estimate, actual, approvals, budget, drift, security, resourceHealth string
	var createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Environment, &d.Region, &d.RepoURL, &d.RepoBranch,
		&status, &source, &d.Version, &prevVersions, &resources, &estimate, &actual, &approvals, &budget, &drift, &security,
		&resourceHealth, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, engineerr.New(engineerr.NotFound, "no deployment with id "+id)
		}
		return nil, engineerr.Wrap(engineerr.Internal, "scan deployment", err)
	}

	d.Status = deploystate.State(status)
	unmarshalOrZero(source, &d.Source)
	unmarshalOrZero(prevVersions, &d.PreviousVersions)
	unmarshalOrZero(resources, &d.ResourceInventory)
	unmarshalOptional(estimate, &d.Estimate)
	unmarshalOptional(actual, &d.Actual)
	unmarshalOrZero(approvals, &d.Approvals)
	unmarshalOptional(budget, &d.Budget)
	unmarshalOptional(drift, &d.Drift)
	unmarshalOptional(security, &d.Security)
	unmarshalOrZero(resourceHealth, &d.ResourceHealthChecks)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	history, err := s.historyFor(ctx, id)
	if err != nil {
		return nil, err
	}
	d.StatusHistory = history

	return d, nil
}

func (s *Store) historyFor(ctx context.Context, deploymentID string) ([]deploystate.HistoryEntry, error) {
	query := fmt.Sprintf(`SELECT status, timestamp, reason, actor FROM deployment_status_history
		WHERE deployment_id = %s ORDER BY timestamp ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "query status history", err)
	}
	defer rows.Close()

	var out []deploystate.HistoryEntry
	for rows.Next() {
		var status, ts, reason, actor string
		if err := rows.Scan(&status, &ts, &reason, &actor); err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, "scan status history row", err)
		}
		t, _ := time.Parse(time.RFC3339Nano, ts)
		out = append(out, deploystate.HistoryEntry{Status: deploystate.State(status), Timestamp: t, Reason: reason, Actor: actor})
	}
	return out, rows.Err()
}

// List returns deployments matching f, newest-created first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Deployment, error) {
	query := `SELECT id FROM deployments WHERE 1=1`
	var args []any
	n := 1
	add := func(clause string, arg any) {
		query += fmt.Sprintf(" AND %s %s", clause, s.ph(n))
		args = append(args, arg)
		n++
	}
	if f.Environment != "" {
		add("environment =", f.Environment)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", s.ph(n))
		args = append(args, f.Limit)
		n++
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %s", s.ph(n))
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "query deployments", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, engineerr.Wrap(engineerr.Internal, "scan deployment id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Deployment, 0, len(ids))
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// UpdateStatus appends entry to statusHistory and sets status, per the
// append-only invariant: no prior row is ever modified or removed.
func (s *Store) UpdateStatus(ctx context.Context, id string, entry deploystate.HistoryEntry) error {
	if err := s.appendHistoryRow(ctx, id, entry); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE deployments SET status = %s, updated_at = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, query, string(entry.Status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "update deployment status", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return engineerr.New(engineerr.NotFound, "no deployment with id "+id)
	}
	return nil
}

// UpdateSource overwrites the working-tree source bundle.
func (s *Store) UpdateSource(ctx context.Context, id string, source IaCSource) error {
	encoded, _ := json.Marshal(source)
	query := fmt.Sprintf(`UPDATE deployments SET source = %s, updated_at = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, query, string(encoded), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "update deployment source", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return engineerr.New(engineerr.NotFound, "no deployment with id "+id)
	}
	return nil
}

// UpdateResourceHealth overwrites the deployment's HEALTH_CHECK results.
func (s *Store) UpdateResourceHealth(ctx context.Context, id string, health []ResourceHealth) error {
	encoded, _ := json.Marshal(health)
	query := fmt.Sprintf(`UPDATE deployments SET resource_health = %s, updated_at = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, query, string(encoded), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "update deployment resource health", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return engineerr.New(engineerr.NotFound, "no deployment with id "+id)
	}
	return nil
}

// UpdateDrift overwrites the deployment's last drift-detection result.
func (s *Store) UpdateDrift(ctx context.Context, id string, snapshot DriftSnapshot) error {
	encoded, _ := json.Marshal(snapshot)
	query := fmt.Sprintf(`UPDATE deployments SET drift = %s, updated_at = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, query, string(encoded), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "update deployment drift", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return engineerr.New(engineerr.NotFound, "no deployment with id "+id)
	}
	return nil
}

// CommitVersion increments version, appends the prior version to
// previousVersions, and records the resource inventory from a successful
// apply. Returns the new version number.
func (s *Store) CommitVersion(ctx context.Context, id string, resources []iaclifecycle.ResourceRef) (int, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	prevVersions := append(d.PreviousVersions, d.Version)
	newVersion := d.Version + 1

	prevEncoded, _ := json.Marshal(prevVersions)
	resourcesEncoded, _ := json.Marshal(resources)

	query := fmt.Sprintf(`UPDATE deployments SET version = %s, prev_versions = %s, resources = %s, updated_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := s.db.ExecContext(ctx, query, newVersion, string(prevEncoded), string(resourcesEncoded),
		time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return 0, engineerr.Wrap(engineerr.Internal, "commit deployment version", err)
	}
	return newVersion, nil
}

// Delete removes a deployment and all its child rows (cascades on SQLite
// when foreign_keys is enabled; explicit here for backends that don't).
func (s *Store) Delete(ctx context.Context, id string) error {
	for _, table := range []string{"deployment_status_history", "stage_sessions", "command_history", "deployments"} {
		column := "deployment_id"
		if table == "deployments" {
			column = "id"
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s = %s`, table, column, s.ph(1))
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return engineerr.Wrap(engineerr.Internal, "delete from "+table, err)
		}
	}
	return nil
}

// --- StageSessionRepository ---

// GetStageSession loads the deployment's orchestration resume anchor.
func (s *Store) GetStageSession(ctx context.Context, deploymentID string) (*StageSession, error) {
	query := fmt.Sprintf(`SELECT body FROM stage_sessions WHERE deployment_id = %s`, s.ph(1))
	var body string
	if err := s.db.QueryRowContext(ctx, query, deploymentID).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, engineerr.New(engineerr.NotFound, "no stage session for deployment "+deploymentID)
		}
		return nil, engineerr.Wrap(engineerr.Internal, "scan stage session", err)
	}
	var session StageSession
	if err := json.Unmarshal([]byte(body), &session); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "parse stage session", err)
	}
	return &session, nil
}

// SaveStageSession upserts the deployment's session snapshot whole; the
// Orchestrator treats it as a single resume document rather than a
// row-per-field table.
func (s *Store) SaveStageSession(ctx context.Context, session *StageSession) error {
	session.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(session)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "marshal stage session", err)
	}

	var query string
	switch s.driver {
	case "mysql":
		query = fmt.Sprintf(`INSERT INTO stage_sessions (deployment_id, body, updated_at) VALUES (%s, %s, %s)
			ON DUPLICATE KEY UPDATE body = VALUES(body), updated_at = VALUES(updated_at)`, s.ph(1), s.ph(2), s.ph(3))
	default:
		query = fmt.Sprintf(`INSERT INTO stage_sessions (deployment_id, body, updated_at) VALUES (%s, %s, %s)
			ON CONFLICT(deployment_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`, s.ph(1), s.ph(2), s.ph(3))
	}
	if _, err := s.db.ExecContext(ctx, query, session.DeploymentID, string(encoded), session.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return engineerr.Wrap(engineerr.Internal, "upsert stage session", err)
	}
	return nil
}

// --- CommandHistoryRepository ---

// AppendCommandHistory persists one executed command record.
func (s *Store) AppendCommandHistory(ctx context.Context, record CommandHistoryRecord) error {
	env, _ := json.Marshal(record.EnvSnapshot)
	query := fmt.Sprintf(`INSERT INTO command_history
		(command_id, deployment_id, command, type, status, exit_code, stdout, stderr, user_id, started_at, completed_at, duration_millis, working_directory, env_snapshot)
		VALUES (%s)`, placeholders(s, 14))
	if _, err := s.db.ExecContext(ctx, query,
		record.CommandID, record.DeploymentID, record.Command, record.Type, record.Status, nullableInt(record.ExitCode),
		record.Stdout, record.Stderr, record.UserID, record.StartedAt, record.CompletedAt, record.DurationMillis,
		record.WorkingDirectory, string(env),
	); err != nil {
		return engineerr.Wrap(engineerr.Internal, "append command history", err)
	}
	return nil
}

// ListCommandHistory returns a deployment's executed commands, newest first.
func (s *Store) ListCommandHistory(ctx context.Context, deploymentID string, limit int) ([]CommandHistoryRecord, error) {
	query := fmt.Sprintf(`SELECT command_id, deployment_id, command, type, status, exit_code, stdout, stderr, user_id,
		started_at, completed_at, duration_millis, working_directory, env_snapshot
		FROM command_history WHERE deployment_id = %s ORDER BY started_at DESC`, s.ph(1))
	args := []any{deploymentID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", s.ph(2))
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "query command history", err)
	}
	defer rows.Close()

	var out []CommandHistoryRecord
	for rows.Next() {
		var r CommandHistoryRecord
		var env string
		var exitCode sql.NullInt64
		if err := rows.Scan(&r.CommandID, &r.DeploymentID, &r.Command, &r.Type, &r.Status, &exitCode, &r.Stdout, &r.Stderr,
			&r.UserID, &r.StartedAt, &r.CompletedAt, &r.DurationMillis, &r.WorkingDirectory, &env); err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, "scan command history row", err)
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			r.ExitCode = &v
		}
		unmarshalOrZero(env, &r.EnvSnapshot)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func unmarshalOrZero(data string, out any) {
	if data == "" || data == "null" {
		return
	}
	_ = json.Unmarshal([]byte(data), out)
}

func unmarshalOptional[T any](data string, out **T) {
	if data == "" || data == "null" {
		return
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		*out = &v
	}
}
