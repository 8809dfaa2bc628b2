// Package statelock is the Distributed State Lock (C3): a conditional-insert
// mutex over each deployment's IaC state, backed by a unique-index table so
// concurrent lifecycle operations (plan/apply/destroy) on the same
// deployment can never run at once, even across engine replicas.
package statelock

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/skyforge-cloud/deployctl/internal/audit"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/migration"
)

// DefaultTTL is used when Acquire is called with ttl<=0.
const DefaultTTL = 15 * time.Minute

// Lock describes a held lock.
type Lock struct {
	DeploymentID string    `json:"deployment_id"`
	HolderID     string    `json:"holder_id"` // job ID or operation correlation ID
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store is the SQL-backed lock table. Backend is chosen by the DSN scheme,
// same convention as internal/audit: sqlite://, postgres://, mysql://.
type Store struct {
	db          *sql.DB
	driver      string
	placeholder string
	audit       *audit.Store
}

// Open opens (or creates) the lock table for dsn.
func Open(dsn string, auditStore *audit.Store) (*Store, error) {
	driver, dataSource, placeholder := resolveDriver(dsn)

	db, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open state lock store: %w", err)
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

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state_locks (
		deployment_id TEXT PRIMARY KEY,
		holder_id     TEXT NOT NULL,
		acquired_at   TEXT NOT NULL,
		expires_at    TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state_locks table: %w", err)
	}

	if driver == "sqlite" {
		if err := migration.EnsureVersion(db, 1); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema version: %w", err)
		}
	}

	return &Store{db: db, driver: driver, placeholder: placeholder, audit: auditStore}, nil
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

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Acquire attempts to take the lock for deploymentID. ttl<=0 uses
// DefaultTTL. Returns engineerr.LockContended if a row already exists for
// deploymentID, even if its TTL has expired: an expired lock only ever
// expires IsLocked's view of it, not the row itself. A long-running holder
// should call Refresh periodically to keep its TTL from lapsing; a stale row
// left behind by a holder that never released or refreshed (e.g. crashed)
// is only ever cleared by the explicit admin ForceUnlock operation, which
// records why in the audit log.
func (s *Store) Acquire(deploymentID, holderID string, ttl time.Duration) (Lock, error) {
	if deploymentID == "" || holderID == "" {
		return Lock{}, engineerr.New(engineerr.InvalidInput, "deploymentID and holderID are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	insertQuery := fmt.Sprintf(`INSERT INTO state_locks (deployment_id, holder_id, acquired_at, expires_at)
		VALUES (%s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))

	_, err := s.db.Exec(insertQuery, deploymentID, holderID, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	if err == nil {
		return Lock{DeploymentID: deploymentID, HolderID: holderID, AcquiredAt: now, ExpiresAt: expiresAt}, nil
	}
	if !isUniqueViolation(err) {
		return Lock{}, engineerr.Wrap(engineerr.Internal, "insert lock row", err)
	}

	existing, lookupErr := s.lookup(deploymentID)
	if lookupErr == nil {
		return Lock{}, engineerr.WithReasons(engineerr.LockContended, "deployment is locked by another operation",
			[]string{fmt.Sprintf("held by %s until %s", existing.HolderID, existing.ExpiresAt.Format(time.RFC3339))})
	}
	return Lock{}, engineerr.New(engineerr.LockContended, "deployment is locked by another operation")
}

// Release drops the lock if held by holderID. Releasing a lock held by a
// different holder (e.g. after a ForceUnlock let another holder acquire it)
// is a no-op, not an error.
func (s *Store) Release(deploymentID, holderID string) error {
	query := fmt.Sprintf(`DELETE FROM state_locks WHERE deployment_id = %s AND holder_id = %s`, s.ph(1), s.ph(2))
	if _, err := s.db.Exec(query, deploymentID, holderID); err != nil {
		return engineerr.Wrap(engineerr.Internal, "release lock", err)
	}
	return nil
}

// Refresh extends a held lock's TTL, used by long-running operations
// (e.g. apply) to avoid losing the lock mid-run. Fails with
// engineerr.LockContended if holderID no longer holds the lock.
func (s *Store) Refresh(deploymentID, holderID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`UPDATE state_locks SET expires_at = %s WHERE deployment_id = %s AND holder_id = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.Exec(query, expiresAt.Format(time.RFC3339Nano), deploymentID, holderID)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "refresh lock", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return engineerr.New(engineerr.LockContended, "lock is no longer held by this holder")
	}
	return nil
}

// IsLocked reports whether deploymentID currently has a live (unexpired) lock.
func (s *Store) IsLocked(deploymentID string) (bool, Lock, error) {
	lock, err := s.lookup(deploymentID)
	if engineerr.Is(err, engineerr.NotFound) {
		return false, Lock{}, nil
	}
	if err != nil {
		return false, Lock{}, err
	}
	if lock.ExpiresAt.Before(time.Now().UTC()) {
		return false, lock, nil
	}
	return true, lock, nil
}

func (s *Store) lookup(deploymentID string) (Lock, error) {
	query := fmt.Sprintf(`SELECT deployment_id, holder_id, acquired_at, expires_at FROM state_locks WHERE deployment_id = %s`, s.ph(1))
	row := s.db.QueryRow(query, deploymentID)

	var l Lock
	var acquiredAt, expiresAt string
	if err := row.Scan(&l.DeploymentID, &l.HolderID, &acquiredAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return Lock{}, engineerr.New(engineerr.NotFound, "no lock held for deployment")
		}
		return Lock{}, engineerr.Wrap(engineerr.Internal, "lookup lock", err)
	}
	l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
	l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return l, nil
}

// ForceUnlock is the admin escape hatch: it removes any lock on
// deploymentID regardless of holder or expiry, and records an audit entry
// attributing the override to adminUserID.
func (s *Store) ForceUnlock(deploymentID, adminUserID, reason string) error {
	existing, err := s.lookup(deploymentID)
	if err != nil && !engineerr.Is(err, engineerr.NotFound) {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM state_locks WHERE deployment_id = %s`, s.ph(1))
	if _, err := s.db.Exec(query, deploymentID); err != nil {
		return engineerr.Wrap(engineerr.Internal, "force unlock", err)
	}

	if s.audit != nil {
		_, auditErr := s.audit.Append(context.Background(), audit.Entry{
			Timestamp:    time.Now().UTC(),
			UserID:       adminUserID,
			Action:       audit.ActionStateLockForceUnlock,
			ResourceType: "deployment",
			ResourceID:   deploymentID,
			Details: map[string]any{
				"reason":          reason,
				"prior_holder_id": existing.HolderID,
			},
		})
		if auditErr != nil {
			return engineerr.Wrap(engineerr.Internal, "record force-unlock audit entry", auditErr)
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "primary key")
}
