package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/migration"
)

// Store is the SQL-backed, hash-chained audit log. Backend is chosen by
// the DSN scheme of AUDIT_DB_DSN: sqlite://, postgres://, or mysql://.
type Store struct {
	db          *sql.DB
	driver      string
	placeholder string
	mu          sync.Mutex // serializes append() so the previousHash lookup+insert is atomic
}

// Open opens (or creates) the audit store for dsn. Supported schemes:
// "sqlite://path/to.db" (or a bare path), "postgres://...", "mysql://...".
func Open(dsn string) (*Store, error) {
	driver, dataSource, placeholder := resolveDriver(dsn)

	db, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
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

	if err := createSchema(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	if driver == "sqlite" {
		if err := migration.EnsureVersion(db, 1); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema version: %w", err)
		}
	}

	return &Store{db: db, driver: driver, placeholder: placeholder}, nil
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

func createSchema(db *sql.DB, driver string) error {
	textType := "TEXT"
	if driver == "pgx" {
		textType = "TEXT"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_entries (
		hash          %s PRIMARY KEY,
		previous_hash %s NOT NULL,
		timestamp     %s NOT NULL,
		user_id       %s NOT NULL,
		action        %s NOT NULL,
		resource_type %s NOT NULL,
		resource_id   %s,
		previous_state %s,
		new_state      %s,
		details        %s
	)`, textType, textType, textType, textType, textType, textType, textType, textType, textType, textType)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("create audit_entries: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id, timestamp)`); err != nil {
		return fmt.Errorf("create user index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_entries(resource_type, resource_id)`); err != nil {
		return fmt.Errorf("create resource index: %w", err)
	}
	return nil
}

func (s *Store) ph(n int) string {
	if s.placeholder == "$" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Append writes a new entry, chaining it onto the most recent entry for
// the same user. A failure to locate the previous entry is not fatal —
// previousHash becomes empty and the write proceeds, per spec §4.1
// ("best-effort ordered per user").
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevHash string
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT hash FROM audit_entries WHERE user_id = %s ORDER BY timestamp DESC, hash DESC LIMIT 1`, s.ph(1)),
		e.UserID,
	)
	_ = row.Scan(&prevHash) // no rows / error -> prevHash stays "", chain break is acceptable

	e.PreviousHash = prevHash
	e.Hash = computeHash(e)

	prevState, _ := json.Marshal(e.PreviousState)
	newState, _ := json.Marshal(e.NewState)
	details, _ := json.Marshal(e.Details)

	query := fmt.Sprintf(`INSERT INTO audit_entries
		(hash, previous_hash, timestamp, user_id, action, resource_type, resource_id, previous_state, new_state, details)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))

	_, err := s.db.ExecContext(ctx, query,
		e.Hash, e.PreviousHash, e.Timestamp.Format(time.RFC3339Nano), e.UserID, e.Action,
		e.ResourceType, e.ResourceID, string(prevState), string(newState), string(details),
	)
	if err != nil {
		return Entry{}, engineerr.Wrap(engineerr.Internal, "append audit entry", err)
	}
	return e, nil
}

// Find returns entries matching f, newest first.
func (s *Store) Find(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT hash, previous_hash, timestamp, user_id, action, resource_type, resource_id, previous_state, new_state, details FROM audit_entries WHERE 1=1`
	var args []any
	n := 1

	add := func(clause string, arg any) {
		query += fmt.Sprintf(" AND %s %s", clause, s.ph(n))
		args = append(args, arg)
		n++
	}
	if f.UserID != "" {
		add("user_id =", f.UserID)
	}
	if f.ResourceType != "" {
		add("resource_type =", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id =", f.ResourceID)
	}
	if f.Action != "" {
		add("action =", f.Action)
	}
	if !f.Since.IsZero() {
		add("timestamp >=", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		add("timestamp <=", f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Cursor != "" {
		var cursorTS string
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT timestamp FROM audit_entries WHERE hash = %s`, s.ph(1)), f.Cursor).Scan(&cursorTS)
		switch {
		case err == sql.ErrNoRows:
			query += " AND 1=0"
		case err != nil:
			return nil, engineerr.Wrap(engineerr.Internal, "resolve audit cursor", err)
		default:
			query += fmt.Sprintf(" AND (timestamp < %s OR (timestamp = %s AND hash < %s))", s.ph(n), s.ph(n+1), s.ph(n+2))
			args = append(args, cursorTS, cursorTS, f.Cursor)
			n += 3
		}
	}
	query += " ORDER BY timestamp DESC, hash DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", s.ph(n))
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "query audit entries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, prevState, newState, details string
		if err := rows.Scan(&e.Hash, &e.PreviousHash, &ts, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &prevState, &newState, &details); err != nil {
			continue
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if prevState != "" && prevState != "null" {
			_ = json.Unmarshal([]byte(prevState), &e.PreviousState)
		}
		if newState != "" && newState != "null" {
			_ = json.Unmarshal([]byte(newState), &e.NewState)
		}
		if details != "" && details != "null" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Update and Delete exist only to satisfy the invariant that the audit log
// exposes no mutation path other than append: both always fail.
func (s *Store) Update(context.Context, string, Entry) error {
	return engineerr.New(engineerr.AuditImmutable, "audit entries cannot be updated")
}

func (s *Store) Delete(context.Context, string) error {
	return engineerr.New(engineerr.AuditImmutable, "audit entries cannot be deleted")
}

// VerifyChain walks a user's chain in timestamp order and reports the hash
// of the first entry whose previousHash doesn't match its predecessor's
// hash (a break), or "" if the chain is intact.
func (s *Store) VerifyChain(ctx context.Context, userID string) (brokenAt string, err error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT hash, previous_hash FROM audit_entries WHERE user_id = %s ORDER BY timestamp ASC, hash ASC`, s.ph(1)),
		userID,
	)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "verify chain", err)
	}
	defer rows.Close()

	var prevHash string
	first := true
	for rows.Next() {
		var hash, prev string
		if err := rows.Scan(&hash, &prev); err != nil {
			return "", err
		}
		if !first && prev != prevHash {
			return hash, nil
		}
		first = false
		prevHash = hash
	}
	return "", rows.Err()
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
