package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChallengeRecord is the persisted form of a challenge
type ChallengeRecord struct {
	ID          int64
	Type        string
	Name        string
	Description string
	State       string
	Value       int
	Initial     int
	Minimum     int
	Decay       int
	Scheme      string
	Category    string
	MinQueries  int
	MaxQueries  int
	Interval    int
	CreatedAt   time.Time
}

// SQLiteChallenges stores challenge records and solves
type SQLiteChallenges struct {
	db *sql.DB
}

// NewSQLiteChallenges wraps a database opened with OpenSQLite
func NewSQLiteChallenges(db *sql.DB) *SQLiteChallenges {
	return &SQLiteChallenges{db: db}
}

// Create inserts a record and returns its ID
func (r *SQLiteChallenges) Create(ctx context.Context, c *ChallengeRecord) (int64, error) {
	const q = `
		INSERT INTO challenges (type, name, description, state, value, initial, minimum, decay,
			scheme, category, min_queries, max_queries, interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, q, c.Type, c.Name, c.Description, c.State, c.Value, c.Initial, c.Minimum, c.Decay,
		c.Scheme, c.Category, c.MinQueries, c.MaxQueries, c.Interval)
	if err != nil {
		return 0, fmt.Errorf("insert challenge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// Get returns the record with the given ID or ErrNotFound
func (r *SQLiteChallenges) Get(ctx context.Context, id int64) (*ChallengeRecord, error) {
	const q = `
		SELECT id, type, name, description, state, value, initial, minimum, decay,
			scheme, category, min_queries, max_queries, interval, created_at
		FROM challenges WHERE id = ?
	`
	var c ChallengeRecord
	err := r.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.Type, &c.Name, &c.Description, &c.State, &c.Value,
		&c.Initial, &c.Minimum, &c.Decay, &c.Scheme, &c.Category, &c.MinQueries, &c.MaxQueries,
		&c.Interval, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query challenge: %w", err)
	}
	return &c, nil
}

// Update overwrites every mutable column of a record
func (r *SQLiteChallenges) Update(ctx context.Context, c *ChallengeRecord) error {
	const q = `
		UPDATE challenges
		SET name = ?, description = ?, state = ?, value = ?, initial = ?, minimum = ?, decay = ?,
			scheme = ?, category = ?, min_queries = ?, max_queries = ?, interval = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, q, c.Name, c.Description, c.State, c.Value, c.Initial, c.Minimum, c.Decay,
		c.Scheme, c.Category, c.MinQueries, c.MaxQueries, c.Interval, c.ID)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record and its solves
func (r *SQLiteChallenges) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	defer tx.Rollback()

	// foreign_keys is a per-connection pragma, so the cascade is not relied on
	if _, err := tx.ExecContext(ctx, "DELETE FROM solves WHERE challenge_id = ?", id); err != nil {
		return fmt.Errorf("delete solves: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM challenges WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// RecordSolve stores a solve and reports whether it was new for the account
func (r *SQLiteChallenges) RecordSolve(ctx context.Context, challengeID, accountID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO solves (challenge_id, account_id) VALUES (?, ?)",
		challengeID, accountID)
	if err != nil {
		return false, fmt.Errorf("insert solve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert solve: %w", err)
	}
	return n == 1, nil
}

// CountSolves returns the number of accounts that solved a challenge
func (r *SQLiteChallenges) CountSolves(ctx context.Context, challengeID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM solves WHERE challenge_id = ?", challengeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count solves: %w", err)
	}
	return n, nil
}
