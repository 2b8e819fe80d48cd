// Package challenge adapts the lease manager and scoring engine to a
// challenge-type plugin interface.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hfi/flagpool/internal/lease"
	"github.com/hfi/flagpool/internal/scoring"
)

var (
	// ErrNotFound is returned for missing challenge records
	ErrNotFound = errors.New("challenge not found")
	// ErrInvalid wraps field validation failures
	ErrInvalid = errors.New("invalid challenge")
	// ErrUnknownType is returned for unregistered type tags
	ErrUnknownType = errors.New("unknown challenge type")
)

// Challenge states
const (
	StateVisible = "visible"
	StateHidden  = "hidden"
)

// Challenge is a challenge record together with its difficulty config
type Challenge struct {
	ID          int64
	Type        string
	Name        string
	Description string
	State       string
	Value       int
	Initial     int
	Minimum     int
	Decay       int
	lease.Difficulty
}

// Params returns the scoring parameters
func (c *Challenge) Params() scoring.Params {
	return scoring.Params{Initial: c.Initial, Minimum: c.Minimum, Decay: c.Decay}
}

// View is what Read exposes to players
type View struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	State       string `json:"state"`
	Value       int    `json:"value"`
	Initial     int    `json:"initial"`
	Minimum     int    `json:"minimum"`
	Decay       int    `json:"decay"`
	MinQueries  int    `json:"min_queries"`
	MaxQueries  int    `json:"max_queries"`
	Scheme      string `json:"scheme"`
	Category    string `json:"category"`
	Interval    int    `json:"interval"`
	Remaining   int64  `json:"remaining"`
	Enc         string `json:"enc"`
}

// Type is the capability set every challenge type provides
type Type interface {
	// Tag returns the type tag stored on records
	Tag() string

	Create(ctx context.Context, fields Fields) (*Challenge, error)
	Read(ctx context.Context, ch *Challenge) (*View, error)
	Update(ctx context.Context, ch *Challenge, fields Fields) (*Challenge, error)
	// Attempt checks a submission and records a solve when it is correct
	Attempt(ctx context.Context, ch *Challenge, submission string, accountID int64) (bool, string, error)
	Solve(ctx context.Context, ch *Challenge, accountID int64) error
	Delete(ctx context.Context, ch *Challenge) error
}

// Registry maps type tags to implementations
type Registry struct {
	types map[string]Type
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds a type, replacing any with the same tag
func (r *Registry) Register(t Type) {
	r.types[t.Tag()] = t
}

// Get returns the type for tag
func (r *Registry) Get(tag string) (Type, error) {
	t, ok := r.types[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	return t, nil
}

// For returns the type a record was created with
func (r *Registry) For(ch *Challenge) (Type, error) {
	return r.Get(ch.Type)
}

// List returns all registered tags, sorted
func (r *Registry) List() []string {
	tags := make([]string, 0, len(r.types))
	for tag := range r.types {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
