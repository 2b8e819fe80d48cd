package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hfi/flagpool/internal/lease"
	"github.com/hfi/flagpool/internal/storage"
)

// Repository stores challenge records and solves. Create never hands out
// the ID of a deleted challenge, so leases and tombstones keyed by ID cannot
// leak into a new challenge.
type Repository interface {
	Create(ctx context.Context, ch *Challenge) (int64, error)
	Get(ctx context.Context, id int64) (*Challenge, error)
	Update(ctx context.Context, ch *Challenge) error
	Delete(ctx context.Context, id int64) error
	// RecordSolve reports whether this was the account's first solve
	RecordSolve(ctx context.Context, challengeID, accountID int64) (bool, error)
	CountSolves(ctx context.Context, challengeID int64) (int, error)
}

// MemoryRepository is an in-memory Repository
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Challenge
	solves map[int64]map[int64]struct{}
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[int64]*Challenge),
		solves: make(map[int64]map[int64]struct{}),
	}
}

func (r *MemoryRepository) Create(_ context.Context, ch *Challenge) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c := *ch
	c.ID = r.nextID
	r.byID[c.ID] = &c
	return c.ID, nil
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (*Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (r *MemoryRepository) Update(_ context.Context, ch *Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[ch.ID]; !ok {
		return ErrNotFound
	}
	c := *ch
	r.byID[c.ID] = &c
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.solves, id)
	return nil
}

func (r *MemoryRepository) RecordSolve(_ context.Context, challengeID, accountID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[challengeID]; !ok {
		return false, ErrNotFound
	}
	s, ok := r.solves[challengeID]
	if !ok {
		s = make(map[int64]struct{})
		r.solves[challengeID] = s
	}
	if _, dup := s[accountID]; dup {
		return false, nil
	}
	s[accountID] = struct{}{}
	return true, nil
}

func (r *MemoryRepository) CountSolves(_ context.Context, challengeID int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.solves[challengeID]), nil
}

// Records is a durable challenge table: storage.SQLiteChallenges or
// storage.RedisChallenges
type Records interface {
	Create(ctx context.Context, c *storage.ChallengeRecord) (int64, error)
	Get(ctx context.Context, id int64) (*storage.ChallengeRecord, error)
	Update(ctx context.Context, c *storage.ChallengeRecord) error
	Delete(ctx context.Context, id int64) error
	RecordSolve(ctx context.Context, challengeID, accountID int64) (bool, error)
	CountSolves(ctx context.Context, challengeID int64) (int, error)
}

var (
	_ Records = (*storage.SQLiteChallenges)(nil)
	_ Records = (*storage.RedisChallenges)(nil)
)

// StoreRepository keeps challenges in a durable record table
type StoreRepository struct {
	records Records
}

// NewStoreRepository wraps a record table
func NewStoreRepository(records Records) *StoreRepository {
	return &StoreRepository{records: records}
}

func toRecord(ch *Challenge) *storage.ChallengeRecord {
	return &storage.ChallengeRecord{
		ID:          ch.ID,
		Type:        ch.Type,
		Name:        ch.Name,
		Description: ch.Description,
		State:       ch.State,
		Value:       ch.Value,
		Initial:     ch.Initial,
		Minimum:     ch.Minimum,
		Decay:       ch.Decay,
		Scheme:      ch.Scheme,
		Category:    ch.Category,
		MinQueries:  ch.MinQueries,
		MaxQueries:  ch.MaxQueries,
		Interval:    ch.Interval,
	}
}

func fromRecord(rec *storage.ChallengeRecord) *Challenge {
	return &Challenge{
		ID:          rec.ID,
		Type:        rec.Type,
		Name:        rec.Name,
		Description: rec.Description,
		State:       rec.State,
		Value:       rec.Value,
		Initial:     rec.Initial,
		Minimum:     rec.Minimum,
		Decay:       rec.Decay,
		Difficulty: lease.Difficulty{
			Scheme:     rec.Scheme,
			Category:   rec.Category,
			MinQueries: rec.MinQueries,
			MaxQueries: rec.MaxQueries,
			Interval:   rec.Interval,
		},
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *StoreRepository) Create(ctx context.Context, ch *Challenge) (int64, error) {
	return r.records.Create(ctx, toRecord(ch))
}

func (r *StoreRepository) Get(ctx context.Context, id int64) (*Challenge, error) {
	rec, err := r.records.Get(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return fromRecord(rec), nil
}

func (r *StoreRepository) Update(ctx context.Context, ch *Challenge) error {
	return mapNotFound(r.records.Update(ctx, toRecord(ch)))
}

func (r *StoreRepository) Delete(ctx context.Context, id int64) error {
	return mapNotFound(r.records.Delete(ctx, id))
}

func (r *StoreRepository) RecordSolve(ctx context.Context, challengeID, accountID int64) (bool, error) {
	first, err := r.records.RecordSolve(ctx, challengeID, accountID)
	return first, mapNotFound(err)
}

func (r *StoreRepository) CountSolves(ctx context.Context, challengeID int64) (int, error) {
	return r.records.CountSolves(ctx, challengeID)
}

// ConfigSource exposes a repository's difficulty configs to the lease manager
type ConfigSource struct {
	Repo Repository
}

// Difficulty returns the challenge's difficulty or lease.ErrUnknownChallenge
func (s ConfigSource) Difficulty(ctx context.Context, challengeID int64) (lease.Difficulty, error) {
	ch, err := s.Repo.Get(ctx, challengeID)
	if errors.Is(err, ErrNotFound) {
		return lease.Difficulty{}, fmt.Errorf("challenge %d: %w", challengeID, lease.ErrUnknownChallenge)
	}
	if err != nil {
		return lease.Difficulty{}, err
	}
	return ch.Difficulty, nil
}
