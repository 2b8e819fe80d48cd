package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfi/flagpool/internal/audit"
	"github.com/hfi/flagpool/internal/cost"
	"github.com/hfi/flagpool/internal/scheme"
	"github.com/hfi/flagpool/internal/storage"
)

// DefaultIngestInterval is used by Run when given a non-positive interval
const DefaultIngestInterval = 5 * time.Second

// Ingester moves staged artifacts into a pool store
type Ingester struct {
	// FlagLength is the plaintext length in bytes every artifact must have.
	// Zero accepts any length.
	FlagLength int

	dir   *Dir
	store storage.PoolStore
	audit audit.Auditor
	log   zerolog.Logger
}

// NewIngester creates an ingester
func NewIngester(dir *Dir, store storage.PoolStore, auditor audit.Auditor, log zerolog.Logger) *Ingester {
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}
	return &Ingester{
		dir:   dir,
		store: store,
		audit: auditor,
		log:   log,
	}
}

// Once ingests every staged file and returns how many were added. Files that
// cannot be decoded, or that hold an artifact the pool could never serve,
// are renamed with a .rejected suffix and skipped.
func (in *Ingester) Once(ctx context.Context) (int, error) {
	files, err := in.dir.staged()
	if err != nil {
		return 0, err
	}

	added := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		a, err := readFile(path)
		if err == nil {
			err = in.check(a)
		}
		if err != nil {
			in.log.Warn().Err(err).Str("file", path).Msg("Rejecting staged file")
			if err := os.Rename(path, path+rejectedExt); err != nil {
				in.log.Error().Err(err).Str("file", path).Msg("Failed to reject staged file")
			}
			continue
		}

		err = in.store.Add(ctx, a)
		if errors.Is(err, storage.ErrDuplicate) {
			in.log.Warn().Str("file", path).Str("artifact_id", a.ID).Msg("Dropping staged duplicate")
			if err := os.Remove(path); err != nil {
				return added, err
			}
			continue
		}
		if err != nil {
			return added, err
		}
		if err := os.Remove(path); err != nil {
			// The artifact is already pooled; leaving the file would add it twice.
			in.log.Error().Err(err).Str("file", path).Msg("Failed to remove ingested file")
			return added, err
		}

		in.audit.LogArtifactIngested(a.ID, a.Scheme, a.Category, a.Cost)
		added++
	}

	if added > 0 {
		in.log.Info().Int("count", added).Msg("Ingested staged artifacts")
	}
	return added, nil
}

// check canonicalizes the artifact's names and rejects artifacts whose
// plaintext could never be submitted or whose pair no query names
func (in *Ingester) check(a *storage.Artifact) error {
	s, err := scheme.Canonical(a.Scheme)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	c, err := cost.Canonical(a.Category)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	if err := cost.Compatible(c, s); err != nil {
		return fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	if in.FlagLength > 0 && len(a.Plaintext) != in.FlagLength {
		return fmt.Errorf("artifact %s: plaintext is %d bytes, want %d", a.ID, len(a.Plaintext), in.FlagLength)
	}
	if a.Cost < 0 {
		return fmt.Errorf("artifact %s: negative cost %d", a.ID, a.Cost)
	}
	a.Scheme, a.Category = s, c
	return nil
}

// Run ingests on every tick until ctx is cancelled
func (in *Ingester) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultIngestInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := in.Once(ctx); err != nil && ctx.Err() == nil {
			in.log.Error().Err(err).Msg("Ingest failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
