package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of PoolStore
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact // keyed by ID
	pool      []*Artifact          // unassigned, insertion order
	leases    map[int64][]*Artifact
	seq       int64
}

// NewMemoryStore creates a new in-memory pool store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]*Artifact),
		leases:    make(map[int64][]*Artifact),
	}
}

// Add stores a new unassigned artifact
func (m *MemoryStore) Add(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.artifacts[a.ID]; ok {
		return ErrDuplicate
	}
	c := a.Clone()
	c.ChallengeID = 0
	c.Expiry = time.Time{}
	c.LeaseSeq = 0
	m.artifacts[c.ID] = c
	m.pool = append(m.pool, c)

	return nil
}

// FindCandidate returns an unassigned artifact for q
func (m *MemoryStore) FindCandidate(_ context.Context, q Query) (*Artifact, MatchTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.pool {
		if a.Scheme == q.Scheme && (q.Category == "" || a.Category == q.Category) &&
			a.Cost >= q.MinCost && a.Cost <= q.MaxCost {
			return a.Clone(), TierExact, nil
		}
	}

	if q.Category != "" {
		var best *Artifact
		for _, a := range m.pool {
			if a.Scheme != q.Scheme || a.Category != q.Category {
				continue
			}
			if best == nil || costDistance(a.Cost, q.MinCost, q.MaxCost) < costDistance(best.Cost, q.MinCost, q.MaxCost) {
				best = a
			}
		}
		if best != nil {
			return best.Clone(), TierCategory, nil
		}
	}

	for _, a := range m.pool {
		if a.Scheme == q.Scheme {
			return a.Clone(), TierScheme, nil
		}
	}

	return nil, TierNone, ErrNoCandidate
}

// Claim atomically leases an unassigned artifact to a challenge
func (m *MemoryStore) Claim(_ context.Context, artifactID string, challengeID int64, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[artifactID]
	if !ok {
		return ErrNotFound
	}
	if a.Leased() {
		return ErrAlreadyClaimed
	}

	for i, p := range m.pool {
		if p == a {
			m.pool = append(m.pool[:i], m.pool[i+1:]...)
			break
		}
	}

	m.seq++
	a.ChallengeID = challengeID
	a.Expiry = expiry
	a.LeaseSeq = m.seq
	m.leases[challengeID] = append(m.leases[challengeID], a)

	return nil
}

// CurrentLease returns the most recently claimed artifact of a challenge
func (m *MemoryStore) CurrentLease(_ context.Context, challengeID int64) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	leased := m.leases[challengeID]
	if len(leased) == 0 {
		return nil, ErrNotFound
	}
	return leased[len(leased)-1].Clone(), nil
}

// History returns every artifact leased to a challenge, newest first
func (m *MemoryStore) History(_ context.Context, challengeID int64) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	leased := m.leases[challengeID]
	out := make([]*Artifact, 0, len(leased))
	for _, a := range leased {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LeaseSeq > out[j].LeaseSeq
	})
	return out, nil
}

// SetExpiry changes the expiry of a leased artifact
func (m *MemoryStore) SetExpiry(_ context.Context, artifactID string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[artifactID]
	if !ok || !a.Leased() {
		return ErrNotFound
	}
	a.Expiry = expiry
	return nil
}

// Release deletes all artifacts leased to a challenge
func (m *MemoryStore) Release(_ context.Context, challengeID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leased := m.leases[challengeID]
	for _, a := range leased {
		delete(m.artifacts, a.ID)
	}
	delete(m.leases, challengeID)
	return len(leased), nil
}

// CountUnassigned returns the pool backlog of one pipeline
func (m *MemoryStore) CountUnassigned(_ context.Context, scheme, category string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.pool {
		if a.Scheme == scheme && a.Category == category {
			n++
		}
	}
	return n, nil
}

// Stats returns pool counts
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Unassigned: make(map[Pair]int)}
	for _, a := range m.pool {
		s.Unassigned[Pair{Scheme: a.Scheme, Category: a.Category}]++
	}
	s.Leased = len(m.artifacts) - len(m.pool)
	return s, nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
