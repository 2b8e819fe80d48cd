// Package lease binds pool artifacts to challenges for a rotation interval.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/hfi/flagpool/internal/storage"
)

var (
	// ErrUnknownChallenge is returned for challenge IDs with no difficulty
	// config, including deleted challenges
	ErrUnknownChallenge = errors.New("unknown challenge")
	// ErrPoolExhausted is returned when no artifact could be leased after
	// every fallback tier and emergency generation
	ErrPoolExhausted = errors.New("pool exhausted")
)

// NeverExpires is the expiry of leases with a zero interval
var NeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Difficulty is the part of a challenge the lease manager needs
type Difficulty struct {
	Scheme     string
	Category   string
	MinQueries int
	MaxQueries int
	// Interval is the rotation period in minutes; 0 never rotates
	Interval int
}

// Query returns the pool query for this difficulty
func (d Difficulty) Query() storage.Query {
	return storage.Query{
		Scheme:   d.Scheme,
		Category: d.Category,
		MinCost:  d.MinQueries,
		MaxCost:  d.MaxQueries,
	}
}

// ConfigSource looks up difficulty by challenge ID. It returns an error
// wrapping ErrUnknownChallenge when the challenge does not exist.
type ConfigSource interface {
	Difficulty(ctx context.Context, challengeID int64) (Difficulty, error)
}

// Emergency produces an artifact synchronously when the pool is empty
type Emergency interface {
	GenerateNow(ctx context.Context, category, scheme string) (*storage.Artifact, error)
}

// Lease is an artifact bound to a challenge until Expiry
type Lease struct {
	ChallengeID int64
	Artifact    *storage.Artifact
	Expiry      time.Time
}

// Remaining returns the time left before rotation, never negative
func (l *Lease) Remaining(now time.Time) time.Duration {
	if r := l.Expiry.Sub(now); r > 0 {
		return r
	}
	return 0
}

// Verdict is the outcome of a flag attempt
type Verdict int

const (
	Incorrect Verdict = iota
	Correct
	Expired
	InvalidFormat
)

func (v Verdict) String() string {
	switch v {
	case Correct:
		return "correct"
	case Expired:
		return "expired"
	case InvalidFormat:
		return "invalid_format"
	default:
		return "incorrect"
	}
}

// NextExpiry computes a lease expiry on the phase grid of prev. With no
// previous expiry the grid starts at now.
func NextExpiry(now, prev time.Time, minutes int) time.Time {
	if minutes <= 0 {
		return NeverExpires
	}
	interval := time.Duration(minutes) * time.Minute
	if prev.IsZero() || prev.Equal(NeverExpires) {
		return now.Add(interval)
	}
	drift := floorMod(now.Sub(prev), interval)
	return now.Add(interval - drift)
}

// floorMod is d mod m with the sign of m
func floorMod(d, m time.Duration) time.Duration {
	r := d % m
	if r < 0 {
		r += m
	}
	return r
}
