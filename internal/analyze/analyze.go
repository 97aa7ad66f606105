package analyze

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/carwatch/internal/database"
)

// Store is the persistence the analyzer reads listings from and writes statistics to.
type Store interface {
	ListingsByModel(model string) ([]database.Listing, error)
	ReplaceStatistics(model string, rows []database.PriceStatistic) error
}

// Result holds the outcome of analysing one model.
type Result struct {
	Model      string
	Clean      CleanReport
	Bins       int
	Suppressed int
	Statistics []database.PriceStatistic
}

// Analyzer rebuilds the price statistics of a model from its stored listings.
type Analyzer struct {
	store      Store
	opts       Options
	multiplier float64
	log        zerolog.Logger
	now        func() time.Time
}

// NewAnalyzer creates a new statistics analyzer.
func NewAnalyzer(store Store, opts Options, multiplier float64, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		store:      store,
		opts:       opts,
		multiplier: multiplier,
		log:        log.With().Str("component", "analyze").Logger(),
		now:        time.Now,
	}
}

// Compute cleans every stored listing of model and aggregates them without writing.
func (a *Analyzer) Compute(ctx context.Context, model string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listings, err := a.store.ListingsByModel(model)
	if err != nil {
		return nil, fmt.Errorf("loading listings of %s: %w", model, err)
	}

	cleaned, report := Clean(listings, a.multiplier)
	rows, suppressed := Aggregate(cleaned, a.opts, a.now().UTC())
	for i := range rows {
		rows[i].Model = model
	}

	return &Result{
		Model:      model,
		Clean:      report,
		Bins:       len(rows),
		Suppressed: suppressed,
		Statistics: rows,
	}, nil
}

// Run computes the statistics of model and replaces the stored set with them.
// An empty result still replaces the previous set.
func (a *Analyzer) Run(ctx context.Context, model string) (*Result, error) {
	res, err := a.Compute(ctx, model)
	if err != nil {
		return nil, err
	}

	if err := a.store.ReplaceStatistics(model, res.Statistics); err != nil {
		return nil, fmt.Errorf("storing statistics of %s: %w", model, err)
	}

	a.log.Info().
		Str("model", model).
		Int("listings", res.Clean.Input).
		Int("outliers", res.Clean.Outliers).
		Int("bins", res.Bins).
		Int("suppressed", res.Suppressed).
		Msg("statistics rebuilt")
	return res, nil
}
