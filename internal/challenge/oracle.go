package challenge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfi/flagpool/internal/audit"
	"github.com/hfi/flagpool/internal/cost"
	"github.com/hfi/flagpool/internal/lease"
	"github.com/hfi/flagpool/internal/scheme"
	"github.com/hfi/flagpool/internal/scoring"
)

// OracleTag is the type tag of padding-oracle challenges
const OracleTag = "oracle"

// Attempt messages
const (
	MsgInvalidFormat = "Invalid flag format"
	MsgExpired       = "Flag expired"
	MsgIncorrect     = "Incorrect"
	MsgCorrect       = "Correct"
)

// OracleType serves challenges whose flag is a leased pool artifact
type OracleType struct {
	repo   Repository
	leases *lease.Manager
	audit  audit.Auditor
	log    zerolog.Logger
}

// NewOracleType creates the oracle challenge type
func NewOracleType(repo Repository, leases *lease.Manager, auditor audit.Auditor, log zerolog.Logger) *OracleType {
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}
	return &OracleType{
		repo:   repo,
		leases: leases,
		audit:  auditor,
		log:    log,
	}
}

// Tag returns "oracle"
func (t *OracleType) Tag() string { return OracleTag }

// Create validates fields and stores a new challenge
func (t *OracleType) Create(ctx context.Context, fields Fields) (*Challenge, error) {
	ch := &Challenge{Type: OracleTag, State: StateVisible}
	if err := apply(ch, fields); err != nil {
		return nil, err
	}
	if err := validate(ch); err != nil {
		return nil, err
	}
	ch.Value = ch.Initial

	id, err := t.repo.Create(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	ch.ID = id

	t.log.Info().
		Int64("challenge_id", id).
		Str("scheme", ch.Scheme).
		Str("category", ch.Category).
		Int("min_queries", ch.MinQueries).
		Int("max_queries", ch.MaxQueries).
		Msg("Challenge created")
	return ch, nil
}

// Read returns the player view, leasing or rotating the flag as needed
func (t *OracleType) Read(ctx context.Context, ch *Challenge) (*View, error) {
	l, remaining, err := t.leases.GetActiveLease(ctx, ch.ID)
	if err != nil {
		return nil, err
	}

	return &View{
		ID:          ch.ID,
		Type:        ch.Type,
		Name:        ch.Name,
		Description: ch.Description,
		State:       ch.State,
		Value:       ch.Value,
		Initial:     ch.Initial,
		Minimum:     ch.Minimum,
		Decay:       ch.Decay,
		MinQueries:  ch.MinQueries,
		MaxQueries:  ch.MaxQueries,
		Scheme:      ch.Scheme,
		Category:    ch.Category,
		Interval:    ch.Interval,
		Remaining:   int64(remaining / time.Second),
		Enc:         hex.EncodeToString(l.Artifact.Ciphertext),
	}, nil
}

// Update applies fields, recomputes the value and moves the live lease onto
// the new interval's grid
func (t *OracleType) Update(ctx context.Context, ch *Challenge, fields Fields) (*Challenge, error) {
	updated := *ch
	if err := apply(&updated, fields); err != nil {
		return nil, err
	}
	if err := validate(&updated); err != nil {
		return nil, err
	}

	solves, err := t.repo.CountSolves(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("count solves: %w", err)
	}
	updated.Value = scoring.Recompute(updated.Params(), solves)

	if err := t.repo.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("update challenge: %w", err)
	}

	if updated.Interval != ch.Interval {
		if err := t.leases.UpdateInterval(ctx, ch.ID, updated.Interval); err != nil {
			return nil, fmt.Errorf("update interval: %w", err)
		}
	}
	return &updated, nil
}

// Attempt checks a submission against the live flag
func (t *OracleType) Attempt(ctx context.Context, ch *Challenge, submission string, accountID int64) (bool, string, error) {
	v, err := t.leases.Attempt(ctx, ch.ID, submission)
	if err != nil {
		return false, "", err
	}
	t.audit.LogAttempt(ch.ID, accountID, v.String())

	switch v {
	case lease.Correct:
		if err := t.Solve(ctx, ch, accountID); err != nil {
			return true, MsgCorrect, err
		}
		return true, MsgCorrect, nil
	case lease.InvalidFormat:
		return false, MsgInvalidFormat, nil
	case lease.Expired:
		return false, MsgExpired, nil
	default:
		return false, MsgIncorrect, nil
	}
}

// Solve records the account's solve and decays the value
func (t *OracleType) Solve(ctx context.Context, ch *Challenge, accountID int64) error {
	added, err := t.repo.RecordSolve(ctx, ch.ID, accountID)
	if err != nil {
		return fmt.Errorf("record solve: %w", err)
	}
	if !added {
		return nil
	}

	solves, err := t.repo.CountSolves(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("count solves: %w", err)
	}

	// Reload so concurrent edits to other fields are not overwritten
	cur, err := t.repo.Get(ctx, ch.ID)
	if err != nil {
		return err
	}
	cur.Value = scoring.Recompute(cur.Params(), solves)
	if err := t.repo.Update(ctx, cur); err != nil {
		return fmt.Errorf("update value: %w", err)
	}
	ch.Value = cur.Value
	return nil
}

// Delete destroys the challenge's leases, then its record
func (t *OracleType) Delete(ctx context.Context, ch *Challenge) error {
	if err := t.leases.DeleteChallenge(ctx, ch.ID); err != nil {
		return err
	}
	if err := t.repo.Delete(ctx, ch.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

func apply(ch *Challenge, f Fields) error {
	if s, ok := f.String("name"); ok {
		ch.Name = strings.TrimSpace(s)
	}
	if s, ok := f.String("description"); ok {
		ch.Description = s
	}
	if s, ok := f.String("state"); ok {
		ch.State = strings.ToLower(strings.TrimSpace(s))
	}
	if s, ok := f.String("scheme"); ok {
		ch.Scheme = s
	}
	if s, ok := f.String("category"); ok {
		ch.Category = s
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"initial", &ch.Initial},
		{"minimum", &ch.Minimum},
		{"decay", &ch.Decay},
		{"min_queries", &ch.MinQueries},
		{"max_queries", &ch.MaxQueries},
		{"interval", &ch.Interval},
	}
	for _, field := range ints {
		v, ok, err := f.Int(field.key)
		if err != nil {
			return err
		}
		if ok {
			*field.dst = v
		}
	}
	return nil
}

func validate(ch *Challenge) error {
	var errs []string

	if ch.Name == "" {
		errs = append(errs, "name is required")
	}
	if ch.State != StateVisible && ch.State != StateHidden {
		errs = append(errs, fmt.Sprintf("state must be %q or %q", StateVisible, StateHidden))
	}
	if s, err := scheme.Canonical(ch.Scheme); err != nil {
		errs = append(errs, err.Error())
	} else {
		ch.Scheme = s
	}
	if ch.Category == "" {
		errs = append(errs, "category is required")
	} else if c, err := cost.Canonical(ch.Category); err != nil {
		errs = append(errs, err.Error())
	} else {
		ch.Category = c
	}
	if ch.MinQueries < 0 {
		errs = append(errs, "min_queries must not be negative")
	}
	if ch.MinQueries > ch.MaxQueries {
		errs = append(errs, "min_queries must not exceed max_queries")
	}
	if ch.Interval < 0 {
		errs = append(errs, "interval must not be negative")
	}
	if ch.Initial <= 0 {
		errs = append(errs, "initial must be positive")
	}
	if ch.Minimum < 0 || ch.Minimum > ch.Initial {
		errs = append(errs, "minimum must be between 0 and initial")
	}
	if ch.Decay < 0 {
		errs = append(errs, "decay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
