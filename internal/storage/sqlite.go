package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// OpenSQLite opens the SQLite database at path and creates the pool and
// challenge tables.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		plaintext BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		scheme TEXT NOT NULL,
		category TEXT NOT NULL,
		cost INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		challenge_id INTEGER NOT NULL DEFAULT 0,
		expiry INTEGER NOT NULL DEFAULT 0,
		lease_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_pool ON artifacts(challenge_id, scheme, category, cost);
	CREATE INDEX IF NOT EXISTS idx_artifacts_lease ON artifacts(challenge_id, lease_seq);

	CREATE TABLE IF NOT EXISTS challenges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'visible',
		value INTEGER NOT NULL,
		initial INTEGER NOT NULL,
		minimum INTEGER NOT NULL,
		decay INTEGER NOT NULL,
		scheme TEXT NOT NULL,
		category TEXT NOT NULL,
		min_queries INTEGER NOT NULL,
		max_queries INTEGER NOT NULL,
		interval INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS solves (
		challenge_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (challenge_id, account_id),
		FOREIGN KEY (challenge_id) REFERENCES challenges(id) ON DELETE CASCADE
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

const artifactColumns = `id, plaintext, ciphertext, scheme, category, cost, created_at, challenge_id, expiry, lease_seq`

// SQLiteStore is a SQLite-based implementation of PoolStore
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database opened with OpenSQLite
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Add stores a new unassigned artifact
func (s *SQLiteStore) Add(ctx context.Context, a *Artifact) error {
	const q = `
		INSERT INTO artifacts (id, plaintext, ciphertext, scheme, category, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, q, a.ID, a.Plaintext, a.Ciphertext, a.Scheme, a.Category, a.Cost, a.CreatedAt.UnixMicro()); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrDuplicate
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// FindCandidate returns an unassigned artifact for q
func (s *SQLiteStore) FindCandidate(ctx context.Context, q Query) (*Artifact, MatchTier, error) {
	a, err := s.queryOne(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE challenge_id = 0 AND scheme = ? AND (? = '' OR category = ?) AND cost BETWEEN ? AND ?
		ORDER BY rowid LIMIT 1
	`, q.Scheme, q.Category, q.Category, q.MinCost, q.MaxCost)
	if err == nil {
		return a, TierExact, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, TierNone, err
	}

	if q.Category != "" {
		a, err = s.queryOne(ctx, `
			SELECT `+artifactColumns+` FROM artifacts
			WHERE challenge_id = 0 AND scheme = ? AND category = ?
			ORDER BY CASE
				WHEN cost < ? THEN ? - cost
				WHEN cost > ? THEN cost - ?
				ELSE 0 END, rowid
			LIMIT 1
		`, q.Scheme, q.Category, q.MinCost, q.MinCost, q.MaxCost, q.MaxCost)
		if err == nil {
			return a, TierCategory, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, TierNone, err
		}
	}

	a, err = s.queryOne(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE challenge_id = 0 AND scheme = ?
		ORDER BY rowid LIMIT 1
	`, q.Scheme)
	if err == nil {
		return a, TierScheme, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, TierNone, ErrNoCandidate
	}
	return nil, TierNone, err
}

// Claim atomically leases an unassigned artifact to a challenge. The
// conditional update only matches while challenge_id is still zero.
func (s *SQLiteStore) Claim(ctx context.Context, artifactID string, challengeID int64, expiry time.Time) error {
	const q = `
		UPDATE artifacts
		SET challenge_id = ?, expiry = ?,
			lease_seq = (SELECT COALESCE(MAX(lease_seq), 0) + 1 FROM artifacts)
		WHERE id = ? AND challenge_id = 0
	`
	res, err := s.db.ExecContext(ctx, q, challengeID, expiry.UnixMicro(), artifactID)
	if err != nil {
		return fmt.Errorf("claim artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim artifact: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM artifacts WHERE id = ?", artifactID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup artifact: %w", err)
	}
	return ErrAlreadyClaimed
}

// CurrentLease returns the most recently claimed artifact of a challenge
func (s *SQLiteStore) CurrentLease(ctx context.Context, challengeID int64) (*Artifact, error) {
	return s.queryOne(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE challenge_id = ?
		ORDER BY lease_seq DESC LIMIT 1
	`, challengeID)
}

// History returns every artifact leased to a challenge, newest first
func (s *SQLiteStore) History(ctx context.Context, challengeID int64) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE challenge_id = ?
		ORDER BY lease_seq DESC
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []*Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

// SetExpiry changes the expiry of a leased artifact
func (s *SQLiteStore) SetExpiry(ctx context.Context, artifactID string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE artifacts SET expiry = ? WHERE id = ? AND challenge_id != 0", expiry.UnixMicro(), artifactID)
	if err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Release deletes all artifacts leased to a challenge
func (s *SQLiteStore) Release(ctx context.Context, challengeID int64) (int, error) {
	if challengeID == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE challenge_id = ?", challengeID)
	if err != nil {
		return 0, fmt.Errorf("release artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release artifacts: %w", err)
	}
	return int(n), nil
}

// CountUnassigned returns the pool backlog of one pipeline
func (s *SQLiteStore) CountUnassigned(ctx context.Context, scheme, category string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM artifacts WHERE challenge_id = 0 AND scheme = ? AND category = ?",
		scheme, category).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unassigned: %w", err)
	}
	return n, nil
}

// Stats returns pool counts
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Unassigned: make(map[Pair]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scheme, category, COUNT(*) FROM artifacts
		WHERE challenge_id = 0
		GROUP BY scheme, category
	`)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Pair
		var n int
		if err := rows.Scan(&p.Scheme, &p.Category, &n); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.Unassigned[p] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("rows err: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts WHERE challenge_id != 0").Scan(&st.Leased); err != nil {
		return st, fmt.Errorf("count leased: %w", err)
	}
	return st, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryOne(ctx context.Context, q string, args ...any) (*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows err: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanArtifact(rows)
}

func scanArtifact(rows *sql.Rows) (*Artifact, error) {
	var a Artifact
	var created, expiry int64
	if err := rows.Scan(&a.ID, &a.Plaintext, &a.Ciphertext, &a.Scheme, &a.Category, &a.Cost,
		&created, &a.ChallengeID, &expiry, &a.LeaseSeq); err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.CreatedAt = time.UnixMicro(created).UTC()
	if expiry != 0 {
		a.Expiry = time.UnixMicro(expiry).UTC()
	}
	return &a, nil
}
