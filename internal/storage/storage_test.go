package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func artifact(id, scheme, category string, cost int) *Artifact {
	return &Artifact{
		ID:         id,
		Plaintext:  []byte("plain-" + id),
		Ciphertext: []byte("cipher-" + id),
		Scheme:     scheme,
		Category:   category,
		Cost:       cost,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// runStoreSuite exercises any PoolStore backend against the same behaviour.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) PoolStore) {
	t.Run("add and find exact", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("a1", "PKCS1v15", "Bleichenbacher", 5000)))
		require.NoError(t, s.Add(ctx, artifact("a2", "PKCS1v15", "Bleichenbacher", 15000)))

		a, tier, err := s.FindCandidate(ctx, Query{Scheme: "PKCS1v15", Category: "Bleichenbacher", MinCost: 10000, MaxCost: 20000})
		require.NoError(t, err)
		assert.Equal(t, TierExact, tier)
		assert.Equal(t, "a2", a.ID)
		assert.Equal(t, 15000, a.Cost)
		assert.Equal(t, []byte("plain-a2"), a.Plaintext)
		assert.Equal(t, []byte("cipher-a2"), a.Ciphertext)
		assert.False(t, a.Leased())
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("d1", "PKCS1v15", "Bleichenbacher", 5000)))
		assert.ErrorIs(t, s.Add(ctx, artifact("d1", "PKCS1v15", "Bleichenbacher", 5000)), ErrDuplicate)

		n, err := s.CountUnassigned(ctx, "PKCS1v15", "Bleichenbacher")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("category fallback prefers closest cost", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("far", "OAEP", "Manger", 100)))
		require.NoError(t, s.Add(ctx, artifact("near", "OAEP", "Manger", 1900)))
		require.NoError(t, s.Add(ctx, artifact("other", "OAEP", "none", 1000)))

		a, tier, err := s.FindCandidate(ctx, Query{Scheme: "OAEP", Category: "Manger", MinCost: 1000, MaxCost: 1500})
		require.NoError(t, err)
		assert.Equal(t, TierCategory, tier)
		assert.Equal(t, "near", a.ID)
		assert.True(t, tier.Degraded())
	})

	t.Run("scheme fallback", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("r1", "raw", "none", 0)))

		a, tier, err := s.FindCandidate(ctx, Query{Scheme: "raw", Category: "Manger", MinCost: 10, MaxCost: 20})
		require.NoError(t, err)
		assert.Equal(t, TierScheme, tier)
		assert.Equal(t, "r1", a.ID)
	})

	t.Run("empty category matches any in band", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("x", "OAEP", "Manger", 50)))

		_, tier, err := s.FindCandidate(ctx, Query{Scheme: "OAEP", MinCost: 0, MaxCost: 100})
		require.NoError(t, err)
		assert.Equal(t, TierExact, tier)
	})

	t.Run("no candidate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("x", "OAEP", "Manger", 50)))

		_, tier, err := s.FindCandidate(ctx, Query{Scheme: "PKCS1v15", MinCost: 0, MaxCost: 100})
		assert.ErrorIs(t, err, ErrNoCandidate)
		assert.Equal(t, TierNone, tier)
	})

	t.Run("claim and lease history", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		expiry := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)

		require.NoError(t, s.Add(ctx, artifact("a1", "raw", "none", 0)))
		require.NoError(t, s.Add(ctx, artifact("a2", "raw", "none", 0)))

		_, err := s.CurrentLease(ctx, 7)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Claim(ctx, "a1", 7, expiry))
		assert.ErrorIs(t, s.Claim(ctx, "a1", 8, expiry), ErrAlreadyClaimed)
		assert.ErrorIs(t, s.Claim(ctx, "missing", 7, expiry), ErrNotFound)

		cur, err := s.CurrentLease(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "a1", cur.ID)
		assert.Equal(t, int64(7), cur.ChallengeID)
		assert.True(t, cur.Expiry.Equal(expiry))

		n, err := s.CountUnassigned(ctx, "raw", "none")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, s.Claim(ctx, "a2", 7, expiry.Add(time.Minute)))
		cur, err = s.CurrentLease(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "a2", cur.ID)

		hist, err := s.History(ctx, 7)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "a2", hist[0].ID)
		assert.Equal(t, "a1", hist[1].ID)
		assert.Greater(t, hist[0].LeaseSeq, hist[1].LeaseSeq)

		_, _, err = s.FindCandidate(ctx, Query{Scheme: "raw"})
		assert.ErrorIs(t, err, ErrNoCandidate)
	})

	t.Run("set expiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		expiry := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)

		require.NoError(t, s.Add(ctx, artifact("a1", "raw", "none", 0)))
		assert.ErrorIs(t, s.SetExpiry(ctx, "a1", expiry), ErrNotFound)

		require.NoError(t, s.Claim(ctx, "a1", 3, expiry))
		later := expiry.Add(time.Hour)
		require.NoError(t, s.SetExpiry(ctx, "a1", later))

		cur, err := s.CurrentLease(ctx, 3)
		require.NoError(t, err)
		assert.True(t, cur.Expiry.Equal(later))
	})

	t.Run("release deletes leased artifacts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		expiry := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Add(ctx, artifact(fmt.Sprintf("a%d", i), "raw", "none", 0)))
		}
		require.NoError(t, s.Claim(ctx, "a0", 1, expiry))
		require.NoError(t, s.Claim(ctx, "a1", 1, expiry))
		require.NoError(t, s.Claim(ctx, "a2", 2, expiry))

		n, err := s.Release(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.CurrentLease(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
		hist, err := s.History(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, hist)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Leased)
		assert.Empty(t, st.Unassigned)

		n, err = s.Release(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("a", "OAEP", "Manger", 1)))
		require.NoError(t, s.Add(ctx, artifact("b", "OAEP", "Manger", 2)))
		require.NoError(t, s.Add(ctx, artifact("c", "raw", "none", 0)))
		require.NoError(t, s.Claim(ctx, "c", 9, time.Now()))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[Pair]int{{Scheme: "OAEP", Category: "Manger"}: 2}, st.Unassigned)
		assert.Equal(t, 1, st.Leased)
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Add(ctx, artifact("only", "raw", "none", 0)))

		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := 1; i <= 10; i++ {
			wg.Add(1)
			go func(cid int64) {
				defer wg.Done()
				err := s.Claim(ctx, "only", cid, time.Now())
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrAlreadyClaimed):
					losses.Add(1)
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}(int64(i))
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(9), losses.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) PoolStore {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := artifact("a", "raw", "none", 0)
	require.NoError(t, s.Add(ctx, a))
	a.Plaintext[0] = 'X'

	got, _, err := s.FindCandidate(ctx, Query{Scheme: "raw"})
	require.NoError(t, err)
	assert.Equal(t, byte('p'), got.Plaintext[0])
}

func TestCostDistance(t *testing.T) {
	tests := []struct {
		cost, min, max, want int
	}{
		{5, 10, 20, 5},
		{10, 10, 20, 0},
		{15, 10, 20, 0},
		{25, 10, 20, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, costDistance(tt.cost, tt.min, tt.max))
	}
}

func TestMatchTier_String(t *testing.T) {
	assert.Equal(t, "exact", TierExact.String())
	assert.Equal(t, "category", TierCategory.String())
	assert.Equal(t, "scheme", TierScheme.String())
	assert.Equal(t, "none", TierNone.String())
	assert.False(t, TierExact.Degraded())
}
