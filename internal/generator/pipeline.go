package generator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hfi/flagpool/internal/metrics"
	"github.com/hfi/flagpool/internal/storage"
)

// failureStreak is the number of consecutive failed samples after which a
// worker waits one poll interval before resampling
const failureStreak = 10

// Sink receives generated artifacts and reports the backlog per pipeline
type Sink interface {
	Put(ctx context.Context, a *storage.Artifact) error
	Backlog(ctx context.Context, category, scheme string) (int, error)
}

// StoreSink writes artifacts straight into a pool store
type StoreSink struct {
	Store storage.PoolStore
}

// Put adds the artifact to the pool
func (s StoreSink) Put(ctx context.Context, a *storage.Artifact) error {
	return s.Store.Add(ctx, a)
}

// Backlog returns the unassigned count for the pair
func (s StoreSink) Backlog(ctx context.Context, category, scheme string) (int, error) {
	return s.Store.CountUnassigned(ctx, scheme, category)
}

// Pipeline keeps one (category, scheme) backlog filled
type Pipeline struct {
	Category     string
	Scheme       string
	Workers      int
	MaxFlags     int
	PollInterval time.Duration

	gen  *Generator
	sink Sink
	log  zerolog.Logger
}

// NewPipeline creates a pipeline with the default limits: two workers, a
// backlog of 100 and a one second poll.
func NewPipeline(gen *Generator, sink Sink, category, scheme string, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Category:     category,
		Scheme:       scheme,
		Workers:      2,
		MaxFlags:     100,
		PollInterval: time.Second,
		gen:          gen,
		sink:         sink,
		log:          log.With().Str("category", category).Str("scheme", scheme).Logger(),
	}
}

// Run starts the workers and blocks until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	p.log.Info().Int("workers", workers).Int("max_flags", p.MaxFlags).Msg("Starting generation pipeline")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			p.work(ctx, id)
			return nil
		})
	}
	err := g.Wait()

	p.log.Info().Msg("Generation pipeline stopped")
	return err
}

func (p *Pipeline) work(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()

	failures := 0
	for ctx.Err() == nil {
		n, err := p.sink.Backlog(ctx, p.Category, p.Scheme)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to read backlog")
			p.sleep(ctx)
			continue
		}
		metrics.SetUnassigned(p.Category, p.Scheme, n)

		if n >= p.MaxFlags {
			p.sleep(ctx)
			continue
		}

		start := time.Now()
		a, err := p.gen.Generate(ctx, p.Category, p.Scheme)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordGenerationFailure(p.Category, p.Scheme)
			failures++
			if !retryable(err) {
				log.Error().Err(err).Msg("Generation cannot succeed")
				p.sleep(ctx)
				continue
			}
			if failures%failureStreak == 0 {
				log.Warn().Err(err).Int("failures", failures).Msg("Generation keeps failing, backing off")
				p.sleep(ctx)
			} else {
				log.Debug().Err(err).Msg("Generation failed, resampling")
			}
			continue
		}
		failures = 0

		if err := p.sink.Put(ctx, a); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordGenerationFailure(p.Category, p.Scheme)
			log.Error().Err(err).Str("artifact_id", a.ID).Msg("Failed to store artifact")
			p.sleep(ctx)
			continue
		}

		metrics.RecordGenerated(p.Category, p.Scheme, a.Cost, time.Since(start).Seconds())
		log.Debug().Str("artifact_id", a.ID).Int("cost", a.Cost).Msg("Generated artifact")
	}
}

func (p *Pipeline) sleep(ctx context.Context) {
	t := time.NewTimer(p.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunAll runs every pipeline until ctx is cancelled
func RunAll(ctx context.Context, pipelines []*Pipeline) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	return g.Wait()
}
