package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/carwatch/internal/analyze"
	"github.com/TobiSchelling/carwatch/internal/config"
	"github.com/TobiSchelling/carwatch/internal/database"
	"github.com/TobiSchelling/carwatch/internal/ledger"
	"github.com/TobiSchelling/carwatch/internal/notify"
	"github.com/TobiSchelling/carwatch/internal/score"
	"github.com/TobiSchelling/carwatch/internal/source"
)

// ErrSourceUnavailable is the only error that aborts a whole run.
var ErrSourceUnavailable = errors.New("listing source unavailable")

// ModelError is a failure confined to one model's processing.
type ModelError struct {
	Model string
	Step  string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %s: %v", e.Model, e.Step, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Store is everything the pipeline persists through.
type Store interface {
	analyze.Store
	ledger.Store
	InsertListing(l database.Listing) (int64, error)
	UpdateDealScore(model, sourceID string, score *int) error
	ClearHighlights(model string) error
	SetHighlighted(model string, sourceIDs []string) error
	SaveRunReport(r database.RunReport) error
}

// Options controls one pipeline instance.
type Options struct {
	Analysis         analyze.Options
	IQRMultiplier    float64
	HighlightTopN    int
	Thresholds       score.Thresholds
	MaxPagesPerModel int
	Notify           bool
	Recipients       []string
	// DryRun scrapes and scores but writes nothing and sends nothing.
	DryRun bool
}

// OptionsFromConfig maps the analysis, scrape and notify sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	a := cfg.Analysis
	return Options{
		Analysis: analyze.Options{
			BucketWidth:            a.BucketWidth,
			MinimumSampleThreshold: a.MinimumSampleThreshold,
		},
		IQRMultiplier: a.IQRMultiplier,
		HighlightTopN: a.HighlightTopN,
		Thresholds: score.Thresholds{
			MarginPercentFloor: a.HighProfitMarginPercentFloor,
			AbsoluteFloor:      a.HighProfitAbsoluteFloor,
		},
		MaxPagesPerModel: cfg.Scrape.MaxPagesPerModel,
		Notify:           cfg.Notify.Enabled,
		Recipients:       cfg.Notify.Recipients,
	}
}

// StepResult holds the result of a single step of one model.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// ModelResult holds the counters of one model's cycle.
type ModelResult struct {
	Model       string
	Steps       []StepResult
	Scraped     int
	Malformed   int
	New         int
	Updated     int
	StoreErrors int
	Bins        int
	Suppressed  int
	Classified  int
	Unscored    int
	Highlighted int
	Notified    int
	Err         error
}

// Report converts the result to its stored form.
func (m ModelResult) Report() database.ModelRun {
	r := database.ModelRun{
		Model:       m.Model,
		Scraped:     m.Scraped,
		Malformed:   m.Malformed,
		New:         m.New,
		Updated:     m.Updated,
		StoreErrors: m.StoreErrors,
		Bins:        m.Bins,
		Suppressed:  m.Suppressed,
		Classified:  m.Classified,
		Unscored:    m.Unscored,
		Highlighted: m.Highlighted,
		Notified:    m.Notified,
	}
	if m.Err != nil {
		msg := m.Err.Error()
		r.Error = &msg
	}
	return r
}

// Result holds the results of a full run over every configured model.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Models     []ModelResult
}

// Failed counts the models that did not complete.
func (r *Result) Failed() int {
	n := 0
	for _, m := range r.Models {
		if m.Err != nil {
			n++
		}
	}
	return n
}

// Pipeline runs fetch, ingest, analyze, classify, highlight and notify per model.
type Pipeline struct {
	store    Store
	src      source.Source
	notifier notify.Notifier
	models   []config.Model
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a pipeline. notifier may be nil when notifications are disabled.
func New(store Store, src source.Source, notifier notify.Notifier, models []config.Model, opts Options, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		src:      src,
		notifier: notifier,
		models:   models,
		opts:     opts,
		log:      log.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// Run processes every model in order. One model's failure never stops the others;
// only failing to open the listing source aborts the run.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	r := &Result{RunID: uuid.NewString(), StartedAt: p.now().UTC(), DryRun: p.opts.DryRun}
	log := p.log.With().Str("run_id", r.RunID).Logger()

	if err := p.src.Open(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		if err := p.src.Close(); err != nil {
			log.Warn().Err(err).Msg("closing listing source")
		}
	}()

	for i, m := range p.models {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("remaining", len(p.models)-i).Msg("run cancelled")
			break
		}
		log.Info().Str("model", m.Name).Msgf("Model %d/%d", i+1, len(p.models))
		mr := p.runModel(ctx, m, log.With().Str("model", m.Name).Logger())
		r.Models = append(r.Models, mr)
	}

	r.FinishedAt = p.now().UTC()
	if !p.opts.DryRun {
		if err := p.store.SaveRunReport(r.report()); err != nil {
			log.Error().Err(err).Msg("saving run report")
		}
	}

	log.Info().
		Int("models", len(r.Models)).
		Int("failed", r.Failed()).
		Dur("took", r.FinishedAt.Sub(r.StartedAt)).
		Msg("run complete")
	return r, nil
}

func (r *Result) report() database.RunReport {
	finished := r.FinishedAt
	rep := database.RunReport{RunID: r.RunID, StartedAt: r.StartedAt, FinishedAt: &finished}
	for _, m := range r.Models {
		rep.Models = append(rep.Models, m.Report())
	}
	return rep
}

func (p *Pipeline) runModel(ctx context.Context, m config.Model, log zerolog.Logger) (mr ModelResult) {
	mr.Model = m.Name
	defer func() {
		if rec := recover(); rec != nil {
			mr.Err = &ModelError{Model: m.Name, Step: "panic", Err: fmt.Errorf("%v", rec)}
			log.Error().Err(mr.Err).Msg("model pipeline failed")
		}
	}()

	fail := func(step string, err error) ModelResult {
		mr.Steps = append(mr.Steps, StepResult{Name: step, Err: err})
		mr.Err = &ModelError{Model: m.Name, Step: step, Err: err}
		log.Error().Err(err).Str("step", step).Msg("model pipeline failed")
		return mr
	}

	listings, step, err := p.scrape(ctx, m, &mr, log)
	if err != nil {
		return fail("Scrape", err)
	}
	mr.Steps = append(mr.Steps, step)

	led, err := ledger.Load(ctx, p.store, m.Name)
	if err != nil {
		return fail("Ledger", err)
	}

	stored, step := p.ingest(listings, led, &mr, log)
	mr.Steps = append(mr.Steps, step)

	stats, step, err := p.analyze(ctx, m.Name, &mr)
	if err != nil {
		return fail("Analyze", err)
	}
	mr.Steps = append(mr.Steps, step)

	table := score.NewTable(stats, p.opts.Analysis.BucketWidth)
	if table.Len() == 0 && len(stored) > 0 {
		log.Warn().Int("listings", len(stored)).Msg("no price statistics yet, listings stay unscored")
	}
	classifier := score.NewClassifier(table, p.opts.Thresholds)
	assessments := classifier.AssessAll(stored)
	mr.Steps = append(mr.Steps, p.classify(m.Name, assessments, &mr, log))
	mr.Steps = append(mr.Steps, p.highlight(m.Name, assessments, &mr))

	step = p.notify(ctx, m.Name, assessments, led, &mr, log)
	mr.Steps = append(mr.Steps, step)
	return mr
}

// scrape fetches up to MaxPagesPerModel pages and normalises the records. Records that
// fail normalisation are dropped and counted; repeated ids keep their first record.
func (p *Pipeline) scrape(ctx context.Context, m config.Model, mr *ModelResult, log zerolog.Logger) ([]database.Listing, StepResult, error) {
	total, err := p.src.TotalPages(ctx, m)
	if err != nil {
		return nil, StepResult{}, fmt.Errorf("reading page count: %w", err)
	}
	pages := total
	if p.opts.MaxPagesPerModel > 0 && pages > p.opts.MaxPagesPerModel {
		log.Debug().Int("total_pages", total).Int("limit", p.opts.MaxPagesPerModel).Msg("limiting pages")
		pages = p.opts.MaxPagesPerModel
	}

	seen := make(map[string]struct{})
	var listings []database.Listing
	var pageErrs []error
	for page := 1; page <= pages; page++ {
		raws, err := p.src.FetchPage(ctx, m, page)
		if err != nil {
			log.Warn().Err(err).Int("page", page).Msg("page failed")
			pageErrs = append(pageErrs, err)
			continue
		}
		for _, raw := range raws {
			mr.Scraped++
			l, err := source.Normalize(raw, m)
			if err != nil {
				mr.Malformed++
				log.Debug().Err(err).Msg("dropping listing")
				continue
			}
			if _, dup := seen[l.SourceID]; dup {
				continue
			}
			seen[l.SourceID] = struct{}{}
			listings = append(listings, l)
		}
	}
	if len(pageErrs) == pages && pages > 0 {
		return nil, StepResult{}, fmt.Errorf("all %d pages failed: %w", pages, errors.Join(pageErrs...))
	}

	return listings, StepResult{
		Name: "Scrape",
		Summary: fmt.Sprintf("%d listings from %d/%d pages (%d malformed)",
			len(listings), pages-len(pageErrs), total, mr.Malformed),
	}, nil
}

// ingest inserts unseen listings and returns the ones that are now stored. A listing
// whose insert failed is skipped for the rest of the run. Known listings are left
// untouched here; their score is refreshed by classify.
func (p *Pipeline) ingest(listings []database.Listing, led *ledger.Ledger, mr *ModelResult, log zerolog.Logger) ([]database.Listing, StepResult) {
	stored := make([]database.Listing, 0, len(listings))
	for _, l := range listings {
		if led.Route(l.SourceID) == ledger.Rescore {
			mr.Updated++
			stored = append(stored, l)
			continue
		}
		if p.opts.DryRun {
			mr.New++
			stored = append(stored, l)
			continue
		}
		if _, err := p.store.InsertListing(l); err != nil {
			mr.StoreErrors++
			log.Warn().Err(err).Str("source_id", l.SourceID).Msg("insert failed, skipping listing")
			continue
		}
		led.Recorded(l.SourceID)
		mr.New++
		stored = append(stored, l)
	}
	summary := fmt.Sprintf("%d new, %d already recorded", mr.New, mr.Updated)
	if skipped := len(listings) - len(stored); skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", skipped)
	}
	return stored, StepResult{Name: "Ingest", Summary: summary}
}

func (p *Pipeline) analyze(ctx context.Context, model string, mr *ModelResult) ([]database.PriceStatistic, StepResult, error) {
	a := analyze.NewAnalyzer(p.store, p.opts.Analysis, p.opts.IQRMultiplier, p.log)
	var res *analyze.Result
	var err error
	if p.opts.DryRun {
		res, err = a.Compute(ctx, model)
	} else {
		res, err = a.Run(ctx, model)
	}
	if err != nil {
		return nil, StepResult{}, err
	}
	mr.Bins = res.Bins
	mr.Suppressed = res.Suppressed
	return res.Statistics, StepResult{
		Name: "Analyze",
		Summary: fmt.Sprintf("%d bins from %d clean listings (%d outliers, %d bins suppressed)",
			res.Bins, res.Clean.Kept, res.Clean.Outliers, res.Suppressed),
	}, nil
}

func (p *Pipeline) classify(model string, assessments []score.DealAssessment, mr *ModelResult, log zerolog.Logger) StepResult {
	for _, a := range assessments {
		var class *int
		if a.QuartileClass != score.ClassNone {
			c := a.QuartileClass
			class = &c
			mr.Classified++
		} else {
			mr.Unscored++
		}
		if p.opts.DryRun {
			continue
		}
		if err := p.store.UpdateDealScore(model, a.Listing.SourceID, class); err != nil {
			mr.StoreErrors++
			log.Warn().Err(err).Str("source_id", a.Listing.SourceID).Msg("score update failed")
		}
	}
	return StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("%d classified, %d without statistics", mr.Classified, mr.Unscored),
	}
}

// highlight replaces the model's highlighted set with the top deals of this scan.
func (p *Pipeline) highlight(model string, assessments []score.DealAssessment, mr *ModelResult) StepResult {
	top := score.SelectHighlights(assessments, p.opts.HighlightTopN)
	mr.Highlighted = len(top)
	if p.opts.DryRun {
		return StepResult{Name: "Highlight", Summary: fmt.Sprintf("[dry-run] would highlight %d listings", len(top))}
	}

	if err := p.store.ClearHighlights(model); err != nil {
		mr.StoreErrors++
		mr.Highlighted = 0
		return StepResult{Name: "Highlight", Err: err}
	}
	if err := p.store.SetHighlighted(model, score.SourceIDs(top)); err != nil {
		mr.StoreErrors++
		mr.Highlighted = 0
		return StepResult{Name: "Highlight", Err: err}
	}
	return StepResult{Name: "Highlight", Summary: fmt.Sprintf("%d listings highlighted", len(top))}
}

// notify sends the high-profit deals not yet in the ledger. The ledger is re-read
// right before sending and only written after a delivery reached someone.
func (p *Pipeline) notify(ctx context.Context, model string, assessments []score.DealAssessment, led *ledger.Ledger, mr *ModelResult, log zerolog.Logger) StepResult {
	batch := led.Eligible(score.HighProfitBatch(assessments))
	if len(batch) == 0 {
		return StepResult{Name: "Notify", Summary: "no new high-profit deals"}
	}
	if !p.opts.Notify || p.notifier == nil {
		return StepResult{Name: "Notify", Summary: fmt.Sprintf("%d deals, notifications disabled", len(batch))}
	}

	final, err := led.Recheck(ctx, batch)
	if err != nil {
		mr.StoreErrors++
		return StepResult{Name: "Notify", Err: err}
	}
	if len(final) == 0 {
		return StepResult{Name: "Notify", Summary: "all deals already notified"}
	}
	if p.opts.DryRun {
		return StepResult{Name: "Notify", Summary: fmt.Sprintf("[dry-run] would notify %d deals", len(final))}
	}

	digest := notify.Digest{Model: model, Deals: final, GeneratedAt: p.now()}
	delivery, err := p.notifier.Send(ctx, digest, p.opts.Recipients)
	if !delivery.Delivered() {
		if err == nil {
			err = delivery.Err()
		}
		log.Warn().Err(err).Int("deals", len(final)).Msg("notification not delivered, will retry next run")
		return StepResult{Name: "Notify", Err: err}
	}
	if err != nil {
		log.Warn().Err(err).Msg("notification partially delivered")
	}

	ids := score.SourceIDs(final)
	if err := led.Commit(ctx, ids); err != nil {
		mr.StoreErrors++
		return StepResult{Name: "Notify", Err: err}
	}
	mr.Notified = len(ids)
	return StepResult{
		Name: "Notify",
		Summary: fmt.Sprintf("%d deals sent to %d recipients (%d notified in total)",
			len(ids), len(delivery.Succeeded()), led.NotifiedCount()),
	}
}
