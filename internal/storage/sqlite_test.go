package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	s := NewSQLiteStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) PoolStore {
		return openTestDB(t)
	})
}

// challengeTable is implemented by SQLiteChallenges and RedisChallenges
type challengeTable interface {
	Create(ctx context.Context, c *ChallengeRecord) (int64, error)
	Get(ctx context.Context, id int64) (*ChallengeRecord, error)
	Update(ctx context.Context, c *ChallengeRecord) error
	Delete(ctx context.Context, id int64) error
	RecordSolve(ctx context.Context, challengeID, accountID int64) (bool, error)
	CountSolves(ctx context.Context, challengeID int64) (int, error)
}

func testRecord() *ChallengeRecord {
	return &ChallengeRecord{
		Type:       "oracle",
		Name:       "padding",
		State:      "hidden",
		Value:      500,
		Initial:    500,
		Minimum:    100,
		Decay:      10,
		Scheme:     "PKCS1v15",
		Category:   "Bleichenbacher",
		MinQueries: 1000,
		MaxQueries: 5000,
		Interval:   10,
	}
}

func runChallengeSuite(t *testing.T, repo challengeTable) {
	ctx := context.Background()

	id, err := repo.Create(ctx, testRecord())
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "oracle", got.Type)
	assert.Equal(t, "padding", got.Name)
	assert.Equal(t, "hidden", got.State)
	assert.Equal(t, "Bleichenbacher", got.Category)
	assert.Equal(t, 5000, got.MaxQueries)
	assert.Equal(t, 10, got.Interval)

	got.Interval = 0
	got.Value = 420
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, got.Interval)
	assert.Equal(t, 420, got.Value)

	added, err := repo.RecordSolve(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = repo.RecordSolve(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = repo.RecordSolve(ctx, id, 2)
	require.NoError(t, err)

	n, err := repo.CountSolves(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, id), ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, got), ErrNotFound)
	n, err = repo.CountSolves(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	// deleted IDs are never handed out again
	next, err := repo.Create(ctx, testRecord())
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestSQLiteChallenges(t *testing.T) {
	s := openTestDB(t)
	runChallengeSuite(t, NewSQLiteChallenges(s.db))
}

func TestSQLite_ReopenKeepsChallengesAndLeases(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flagpool.db")
	expiry := time.Date(2026, 6, 1, 9, 10, 0, 0, time.UTC)

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	store, records := NewSQLiteStore(db), NewSQLiteChallenges(db)

	first, err := records.Create(ctx, testRecord())
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, artifact("leased", "PKCS1v15", "Bleichenbacher", 2000)))
	require.NoError(t, store.Claim(ctx, "leased", first, expiry))
	require.NoError(t, store.Close())

	db, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	store, records = NewSQLiteStore(db), NewSQLiteChallenges(db)
	t.Cleanup(func() { store.Close() })

	rec, err := records.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "padding", rec.Name)

	second, err := records.Create(ctx, testRecord())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = store.CurrentLease(ctx, second)
	assert.ErrorIs(t, err, ErrNotFound)
	cur, err := store.CurrentLease(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "leased", cur.ID)
	assert.True(t, cur.Expiry.Equal(expiry))
}
