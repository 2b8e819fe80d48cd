package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfi/flagpool/internal/audit"
	"github.com/hfi/flagpool/internal/metrics"
	"github.com/hfi/flagpool/internal/storage"
	"github.com/hfi/flagpool/pkg/flagfmt"
)

// Manager issues, rotates and checks leases
type Manager struct {
	store     storage.PoolStore
	configs   ConfigSource
	format    *flagfmt.Format
	emergency Emergency
	audit     audit.Auditor
	log       zerolog.Logger
	now       func() time.Time

	emergencyTimeout time.Duration
	claimRetries     int

	locks *keyedMutex

	// deleted holds one tombstone per challenge deleted in this process. It
	// is never pruned: challenge repositories do not reuse IDs, so a tombstone
	// can only ever match the challenge it was written for.
	mu      sync.RWMutex
	deleted map[int64]struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithEmergency enables synchronous generation on an empty pool, bounded by
// timeout
func WithEmergency(e Emergency, timeout time.Duration) Option {
	return func(m *Manager) {
		m.emergency = e
		m.emergencyTimeout = timeout
	}
}

// WithClaimRetries bounds selection retries after lost claim races
func WithClaimRetries(n int) Option {
	return func(m *Manager) { m.claimRetries = n }
}

// WithAudit sets the audit logger
func WithAudit(a audit.Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lease manager
func NewManager(store storage.PoolStore, configs ConfigSource, format *flagfmt.Format, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		configs:          configs,
		format:           format,
		audit:            audit.NewNopLogger(),
		log:              zerolog.Nop(),
		now:              time.Now,
		emergencyTimeout: 5 * time.Second,
		claimRetries:     8,
		locks:            newKeyedMutex(),
		deleted:          make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.claimRetries <= 0 {
		m.claimRetries = 1
	}
	return m
}

// GetActiveLease returns the challenge's live lease, rotating first if there
// is none or it has expired, and the time left before it expires.
func (m *Manager) GetActiveLease(ctx context.Context, challengeID int64) (*Lease, time.Duration, error) {
	if m.isDeleted(challengeID) {
		return nil, 0, ErrUnknownChallenge
	}

	d, err := m.configs.Difficulty(ctx, challengeID)
	if err != nil {
		return nil, 0, err
	}

	unlock := m.locks.Lock(challengeID)
	defer unlock()

	// Deletion may have won the lock
	if m.isDeleted(challengeID) {
		return nil, 0, ErrUnknownChallenge
	}

	now := m.now()
	cur, err := m.store.CurrentLease(ctx, challengeID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cur = nil
	case err != nil:
		return nil, 0, fmt.Errorf("current lease: %w", err)
	case cur.Expiry.After(now):
		l := &Lease{ChallengeID: challengeID, Artifact: cur, Expiry: cur.Expiry}
		return l, l.Remaining(now), nil
	}

	var prev time.Time
	if cur != nil {
		prev = cur.Expiry
	}

	l, err := m.rotate(ctx, challengeID, d, NextExpiry(now, prev, d.Interval))
	if err != nil {
		return nil, 0, err
	}
	return l, l.Remaining(now), nil
}

// rotate claims a new artifact for the challenge. Callers hold its lock.
func (m *Manager) rotate(ctx context.Context, challengeID int64, d Difficulty, expiry time.Time) (*Lease, error) {
	q := d.Query()
	generated := false

	for attempt := 0; attempt < m.claimRetries; attempt++ {
		a, tier, err := m.store.FindCandidate(ctx, q)
		if errors.Is(err, storage.ErrNoCandidate) {
			if generated {
				break
			}
			generated = true
			if err := m.generate(ctx, challengeID, d); err != nil {
				m.log.Error().Err(err).Int64("challenge_id", challengeID).Msg("Emergency generation failed")
				break
			}
			attempt--
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find candidate: %w", err)
		}

		err = m.store.Claim(ctx, a.ID, challengeID, expiry)
		if errors.Is(err, storage.ErrAlreadyClaimed) || errors.Is(err, storage.ErrNotFound) {
			m.log.Debug().Str("artifact_id", a.ID).Int64("challenge_id", challengeID).Msg("Lost claim race, reselecting")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}

		a.ChallengeID = challengeID
		a.Expiry = expiry

		label := tier.String()
		if generated {
			label = "emergency"
		}
		metrics.RecordSelection(label)
		if tier.Degraded() {
			m.audit.LogDegradedMatch(challengeID, d.Scheme, d.Category, tier.String())
			m.log.Warn().
				Int64("challenge_id", challengeID).
				Str("scheme", d.Scheme).
				Str("category", d.Category).
				Int("cost", a.Cost).
				Str("tier", tier.String()).
				Msg("Leased artifact outside requested difficulty")
		}
		m.audit.LogLeaseIssued(challengeID, a.ID, label, expiry)

		return &Lease{ChallengeID: challengeID, Artifact: a, Expiry: expiry}, nil
	}

	metrics.PoolExhaustedTotal.Inc()
	m.audit.LogPoolExhausted(challengeID, d.Scheme, d.Category)
	m.log.Error().
		Int64("challenge_id", challengeID).
		Str("scheme", d.Scheme).
		Str("category", d.Category).
		Msg("Pool exhausted")
	return nil, fmt.Errorf("challenge %d: %w", challengeID, ErrPoolExhausted)
}

// generate adds artifacts for d to the pool until one lands in the cost
// band or the emergency timeout passes. It succeeds if at least one was added.
func (m *Manager) generate(ctx context.Context, challengeID int64, d Difficulty) error {
	if m.emergency == nil || m.emergencyTimeout <= 0 {
		return errors.New("emergency generation disabled")
	}
	if d.Category == "" {
		return errors.New("no category to generate for")
	}

	ctx, cancel := context.WithTimeout(ctx, m.emergencyTimeout)
	defer cancel()

	added := 0
	for {
		a, err := m.emergency.GenerateNow(ctx, d.Category, d.Scheme)
		if err != nil {
			if added > 0 {
				return nil
			}
			return err
		}
		if err := m.store.Add(ctx, a); err != nil {
			if added > 0 {
				return nil
			}
			return fmt.Errorf("store generated artifact: %w", err)
		}
		added++
		m.audit.LogEmergencyGenerate(challengeID, a.Scheme, a.Category, a.Cost)

		if a.Cost >= d.MinQueries && a.Cost <= d.MaxQueries {
			return nil
		}
	}
}

// UpdateInterval moves a live lease's expiry onto the grid of the new
// interval, anchored at its current expiry. Expired leases are left for the
// next read to rotate.
func (m *Manager) UpdateInterval(ctx context.Context, challengeID int64, minutes int) error {
	unlock := m.locks.Lock(challengeID)
	defer unlock()

	if m.isDeleted(challengeID) {
		return ErrUnknownChallenge
	}

	cur, err := m.store.CurrentLease(ctx, challengeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("current lease: %w", err)
	}

	now := m.now()
	if !cur.Expiry.After(now) {
		return nil
	}

	expiry := NextExpiry(now, cur.Expiry, minutes)
	if err := m.store.SetExpiry(ctx, cur.ID, expiry); err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	m.audit.LogIntervalUpdated(challengeID, minutes, expiry)
	return nil
}

// Attempt checks a submission against the challenge's live lease
func (m *Manager) Attempt(ctx context.Context, challengeID int64, submission string) (Verdict, error) {
	if !m.format.Valid(submission) {
		metrics.RecordAttempt(InvalidFormat.String())
		return InvalidFormat, nil
	}

	l, _, err := m.GetActiveLease(ctx, challengeID)
	if err != nil {
		return Incorrect, err
	}

	v, err := m.judge(ctx, l, submission)
	if err != nil {
		return Incorrect, err
	}
	metrics.RecordAttempt(v.String())
	return v, nil
}

func (m *Manager) judge(ctx context.Context, l *Lease, submission string) (Verdict, error) {
	if m.format.Matches(submission, l.Artifact.Plaintext) {
		return Correct, nil
	}

	history, err := m.store.History(ctx, l.ChallengeID)
	if err != nil {
		return Incorrect, fmt.Errorf("lease history: %w", err)
	}
	for _, a := range history {
		if a.ID == l.Artifact.ID {
			continue
		}
		if m.format.Matches(submission, a.Plaintext) {
			return Expired, nil
		}
	}
	return Incorrect, nil
}

// DeleteChallenge destroys the challenge's leased artifacts and refuses any
// further leases for its ID. The ID must not be handed to a new challenge
// later.
func (m *Manager) DeleteChallenge(ctx context.Context, challengeID int64) error {
	unlock := m.locks.Lock(challengeID)
	defer unlock()

	m.mu.Lock()
	m.deleted[challengeID] = struct{}{}
	m.mu.Unlock()

	n, err := m.store.Release(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	m.audit.LogChallengeDeleted(challengeID, n)
	m.log.Info().Int64("challenge_id", challengeID).Int("released", n).Msg("Challenge deleted")
	return nil
}

func (m *Manager) isDeleted(challengeID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.deleted[challengeID]
	return ok
}
