// Package storage provides the artifact pool: unassigned artifacts waiting
// for a lease, and the artifacts already leased to challenges.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an artifact or lease does not exist
	ErrNotFound = errors.New("not found")
	// ErrNoCandidate is returned when no unassigned artifact matches a query
	// in any tier
	ErrNoCandidate = errors.New("no candidate artifact")
	// ErrAlreadyClaimed is returned to the losing side of a claim race
	ErrAlreadyClaimed = errors.New("artifact already claimed")
	// ErrDuplicate is returned when adding an artifact whose ID exists
	ErrDuplicate = errors.New("artifact already exists")
	// ErrCorrupt is returned when a stored artifact cannot be decoded
	ErrCorrupt = errors.New("corrupt artifact")
)

// Artifact is one encrypted flag with its attack cost. ChallengeID is zero
// while the artifact sits in the pool.
type Artifact struct {
	ID         string
	Plaintext  []byte
	Ciphertext []byte
	Scheme     string
	Category   string
	Cost       int
	CreatedAt  time.Time

	ChallengeID int64
	Expiry      time.Time
	LeaseSeq    int64
}

// Leased reports whether the artifact belongs to a challenge
func (a *Artifact) Leased() bool {
	return a.ChallengeID != 0
}

// Clone returns a deep copy
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Plaintext = append([]byte(nil), a.Plaintext...)
	c.Ciphertext = append([]byte(nil), a.Ciphertext...)
	return &c
}

// Pair identifies one generation pipeline
type Pair struct {
	Scheme   string
	Category string
}

func (p Pair) String() string {
	return p.Category + "/" + p.Scheme
}

// Query selects unassigned artifacts. An empty Category matches any.
type Query struct {
	Scheme   string
	Category string
	MinCost  int
	MaxCost  int
}

// MatchTier tells how closely a candidate matched its query
type MatchTier int

const (
	// TierNone means no candidate
	TierNone MatchTier = iota
	// TierExact matched scheme, category and cost band
	TierExact
	// TierCategory matched scheme and category, cost outside the band
	TierCategory
	// TierScheme matched the scheme only
	TierScheme
)

func (t MatchTier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierCategory:
		return "category"
	case TierScheme:
		return "scheme"
	default:
		return "none"
	}
}

// Degraded reports whether the match fell back past the cost band
func (t MatchTier) Degraded() bool {
	return t == TierCategory || t == TierScheme
}

// Stats summarizes pool contents
type Stats struct {
	Unassigned map[Pair]int
	Leased     int
}

// PoolStore defines the interface for artifact pool backends
type PoolStore interface {
	// Add stores a new unassigned artifact
	Add(ctx context.Context, a *Artifact) error

	// FindCandidate returns an unassigned artifact for q, falling back from
	// the cost band to scheme+category to scheme alone
	FindCandidate(ctx context.Context, q Query) (*Artifact, MatchTier, error)

	// Claim atomically leases an unassigned artifact to a challenge
	Claim(ctx context.Context, artifactID string, challengeID int64, expiry time.Time) error

	// CurrentLease returns the most recently claimed artifact of a challenge
	CurrentLease(ctx context.Context, challengeID int64) (*Artifact, error)

	// History returns every artifact leased to a challenge, newest first
	History(ctx context.Context, challengeID int64) ([]*Artifact, error)

	// SetExpiry changes the expiry of a leased artifact
	SetExpiry(ctx context.Context, artifactID string, expiry time.Time) error

	// Release deletes all artifacts leased to a challenge
	Release(ctx context.Context, challengeID int64) (int, error)

	// CountUnassigned returns the pool backlog of one pipeline
	CountUnassigned(ctx context.Context, scheme, category string) (int, error)

	// Stats returns pool counts
	Stats(ctx context.Context) (Stats, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources
	Close() error
}

// costDistance is how far cost lies outside [min, max]
func costDistance(cost, min, max int) int {
	switch {
	case cost < min:
		return min - cost
	case cost > max:
		return cost - max
	default:
		return 0
	}
}
