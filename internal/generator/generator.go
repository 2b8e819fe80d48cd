// Package generator produces encrypted flag artifacts and keeps the pool
// topped up.
package generator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hfi/flagpool/internal/cost"
	"github.com/hfi/flagpool/internal/scheme"
	"github.com/hfi/flagpool/internal/storage"
)

var (
	// ErrUnknownScheme is returned for a scheme with no registered encrypter
	ErrUnknownScheme = errors.New("unknown scheme")
	// ErrUnknownCategory is returned for a category with no cost function
	ErrUnknownCategory = errors.New("unknown category")
	// ErrUnsupported is returned for a pair that can never produce an
	// artifact with this key and flag length
	ErrUnsupported = errors.New("unsupported pipeline")
)

// Generator samples plaintexts, encrypts them and scores their attack cost
type Generator struct {
	key        *rsa.PrivateKey
	schemes    *scheme.Registry
	costs      *cost.Registry
	flagLength int
	rand       io.Reader
	now        func() time.Time
}

// Option configures a Generator
type Option func(*Generator)

// WithRand sets the plaintext source
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithClock sets the creation-time source
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a generator for one key. flagLength is in bytes.
func New(key *rsa.PrivateKey, schemes *scheme.Registry, costs *cost.Registry, flagLength int, opts ...Option) *Generator {
	g := &Generator{
		key:        key,
		schemes:    schemes,
		costs:      costs,
		flagLength: flagLength,
		rand:       rand.Reader,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces one artifact for a (category, scheme) pair
func (g *Generator) Generate(ctx context.Context, category, schemeName string) (*storage.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc, fn, err := g.lookup(category, schemeName)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, g.flagLength)
	if _, err := io.ReadFull(g.rand, plaintext); err != nil {
		return nil, fmt.Errorf("sample plaintext: %w", err)
	}

	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	queries, err := fn.Count(g.key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%s cost: %w", fn.Name(), err)
	}

	return &storage.Artifact{
		ID:         uuid.NewString(),
		Plaintext:  plaintext,
		Ciphertext: ciphertext,
		Scheme:     enc.Name(),
		Category:   fn.Name(),
		Cost:       queries,
		CreatedAt:  g.now().UTC(),
	}, nil
}

// Check reports whether a pair can ever produce an artifact: both names are
// registered, the attack applies to the scheme and a flag fits the padding.
func (g *Generator) Check(category, schemeName string) error {
	_, _, err := g.lookup(category, schemeName)
	return err
}

func (g *Generator) lookup(category, schemeName string) (scheme.Encrypter, cost.Func, error) {
	enc := g.schemes.Get(schemeName)
	if enc == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeName)
	}
	fn := g.costs.Get(category)
	if fn == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if err := cost.Compatible(fn.Name(), enc.Name()); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	if limit := enc.MaxPlaintext(); g.flagLength > limit {
		return nil, nil, fmt.Errorf("%w: %d-byte flags exceed %s capacity of %d bytes",
			ErrUnsupported, g.flagLength, enc.Name(), limit)
	}
	return enc, fn, nil
}

// GenerateNow retries Generate until it succeeds or ctx is done. Cost
// functions do not observe ctx, so a sample in flight when the deadline
// passes is abandoned to finish in the background.
func (g *Generator) GenerateNow(ctx context.Context, category, schemeName string) (*storage.Artifact, error) {
	type result struct {
		a   *storage.Artifact
		err error
	}

	for {
		ch := make(chan result, 1)
		go func() {
			a, err := g.Generate(ctx, category, schemeName)
			ch <- result{a, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.err == nil {
				return r.a, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryable(r.err) {
				return nil, r.err
			}
		}
	}
}

// retryable reports whether a fresh sample could succeed where this one failed
func retryable(err error) bool {
	return !errors.Is(err, ErrUnknownScheme) &&
		!errors.Is(err, ErrUnknownCategory) &&
		!errors.Is(err, ErrUnsupported)
}
