// Package sources fans out over listing sources, isolating per-source
// failures behind rate limiters and circuit breakers so one broken
// storefront never starves the rest of the batch.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eterniahub/go-price-oracle/config"
	"github.com/eterniahub/go-price-oracle/models"
)

// Source is one storefront collaborator. Fetch must honor ctx and return
// every listing it could extract; partial results with an error are kept.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]models.ScrapedListing, error)
}

// Result is one source's outcome. Err is per-source; a failing sibling
// never cancels the others.
type Result struct {
	Source   string
	Listings []models.ScrapedListing
	Err      error
}

// Runner executes sources in parallel with per-source breakers and a
// shared rate limiter.
type Runner struct {
	sources     []Source
	breakers    map[string]*Breaker
	limiter     *rate.Limiter
	parallelism int
	timeout     time.Duration
	log         *slog.Logger
}

// NewRunner wires a Runner from config. Each source gets its own breaker;
// the rate limiter is shared so the fan-out as a whole stays polite.
func NewRunner(cfg *config.Config, log *slog.Logger, srcs ...Source) *Runner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	breakers := make(map[string]*Breaker, len(srcs))
	for _, s := range srcs {
		breakers[s.Name()] = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.RateBurst, 1))
	}
	return &Runner{
		sources:     srcs,
		breakers:    breakers,
		limiter:     limiter,
		parallelism: cfg.SourceParallelism,
		timeout:     cfg.SourceTimeout,
		log:         log,
	}
}

// Gather runs every source and collects per-source results. It never
// returns an error itself: failures are captured in the Result slice, and
// only full-context cancellation cuts the run short.
func (r *Runner) Gather(ctx context.Context) []Result {
	results := make([]Result, len(r.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.parallelism, 1))

	for i, src := range r.sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = r.fetchOne(gctx, src)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runner) fetchOne(ctx context.Context, src Source) Result {
	name := src.Name()
	breaker := r.breakers[name]

	if err := breaker.Allow(); err != nil {
		r.log.Warn("source fast-failed", slog.String("source", name))
		return Result{Source: name, Err: err}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Result{Source: name, Err: fmt.Errorf("rate wait: %w", err)}
		}
	}

	fctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	listings, err := src.Fetch(fctx)
	if err != nil {
		breaker.Failure()
		r.log.Error("source failed",
			slog.String("source", name),
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err),
		)
		return Result{Source: name, Listings: listings, Err: err}
	}

	breaker.Success()
	r.log.Info("source complete",
		slog.String("source", name),
		slog.Int("listings", len(listings)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return Result{Source: name, Listings: listings}
}

// Listings flattens successful results into one batch.
func Listings(results []Result) []models.ScrapedListing {
	var out []models.ScrapedListing
	for _, res := range results {
		out = append(out, res.Listings...)
	}
	return out
}
