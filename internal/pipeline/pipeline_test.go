package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/carwatch/internal/analyze"
	"github.com/TobiSchelling/carwatch/internal/config"
	"github.com/TobiSchelling/carwatch/internal/database"
	"github.com/TobiSchelling/carwatch/internal/notify"
	"github.com/TobiSchelling/carwatch/internal/score"
	"github.com/TobiSchelling/carwatch/internal/source"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test db")
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeSource struct {
	pages    map[string][][]source.RawListing
	openErr  error
	countErr map[string]error
	opened   int
	closed   int
	fetched  map[string][]int
}

func (f *fakeSource) Open(context.Context) error {
	f.opened++
	return f.openErr
}

func (f *fakeSource) Close() error {
	f.closed++
	return nil
}

func (f *fakeSource) TotalPages(_ context.Context, m config.Model) (int, error) {
	if err := f.countErr[m.Name]; err != nil {
		return 0, err
	}
	return len(f.pages[m.Name]), nil
}

func (f *fakeSource) FetchPage(_ context.Context, m config.Model, page int) ([]source.RawListing, error) {
	if f.fetched == nil {
		f.fetched = make(map[string][]int)
	}
	f.fetched[m.Name] = append(f.fetched[m.Name], page)
	return f.pages[m.Name][page-1], nil
}

type fakeNotifier struct {
	fail    bool
	digests []notify.Digest
}

func (f *fakeNotifier) Send(_ context.Context, d notify.Digest, recipients []string) (notify.Delivery, error) {
	f.digests = append(f.digests, d)
	var delivery notify.Delivery
	for _, r := range recipients {
		var err error
		if f.fail {
			err = errors.New("smtp down")
		}
		delivery.Results = append(delivery.Results, notify.RecipientResult{Recipient: r, Err: err})
	}
	if !delivery.Delivered() {
		return delivery, delivery.Err()
	}
	return delivery, nil
}

func raw(id string, year int, km string, price string) source.RawListing {
	return source.RawListing{
		SourceID:  id,
		Make:      "Toyota",
		Model:     "Yaris",
		Year:      fmt.Sprint(year),
		Mileage:   km,
		Price:     price,
		URL:       "https://www.car.gr/classifieds/cars/view/" + id,
		Timestamp: time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC),
	}
}

// marketPage is six comparable 2018 cars plus one priced far below them.
// Statistics come out as p25 9125, median 9250, p75 9375; the 6000 car is
// fenced out of the statistics but still scores against them.
func marketPage() []source.RawListing {
	return []source.RawListing{
		raw("1", 2018, "10.000 Km", "9.000 €"),
		raw("2", 2018, "11.000 Km", "9.100 €"),
		raw("3", 2018, "12.000 Km", "9.200 €"),
		raw("4", 2018, "13.000 Km", "9.300 €"),
		raw("5", 2018, "14.000 Km", "9.400 €"),
		raw("6", 2018, "15.000 Km", "9.500 €"),
		raw("deal", 2018, "12.000 Km", "6.000 €"),
	}
}

func testOptions() Options {
	return Options{
		Analysis:         analyze.DefaultOptions(),
		IQRMultiplier:    1.5,
		HighlightTopN:    10,
		Thresholds:       score.DefaultThresholds(),
		MaxPagesPerModel: 2,
		Notify:           true,
		Recipients:       []string{"me@example.com"},
	}
}

var yaris = config.Model{Name: "Yaris", Make: "Toyota"}

func TestRunScoresAndNotifies(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}

	res, err := New(db, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Models, 1)

	mr := res.Models[0]
	require.NoError(t, mr.Err)
	assert.Equal(t, 7, mr.Scraped)
	assert.Equal(t, 7, mr.New)
	assert.Equal(t, 1, mr.Bins)
	assert.Equal(t, 7, mr.Classified)
	assert.Equal(t, 1, mr.Notified)

	require.Len(t, n.digests, 1)
	assert.Equal(t, []string{"deal"}, score.SourceIDs(n.digests[0].Deals))

	deal, err := db.GetListing("Yaris", "deal")
	require.NoError(t, err)
	require.NotNil(t, deal.DealScore)
	assert.Equal(t, score.ClassExcellent, *deal.DealScore)
	assert.True(t, deal.Highlighted)
	assert.True(t, deal.EmailSent)

	stats, err := db.StatisticsByModel("Yaris")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.InDelta(t, 9125, stats[0].P25Price, 1e-9)
	assert.InDelta(t, 9250, stats[0].MedianPrice, 1e-9)
	assert.InDelta(t, 9375, stats[0].P75Price, 1e-9)

	runs, err := db.GetRecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].RunID)
	assert.Equal(t, 1, src.opened)
	assert.Equal(t, 1, src.closed)
}

func TestNotifyOnceAcrossRuns(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}
	p := New(db, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop())

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	second, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, n.digests, 1, "a notified listing is never sent again")
	mr := second.Models[0]
	assert.Zero(t, mr.New)
	assert.Equal(t, 7, mr.Updated)
	assert.Zero(t, mr.Notified)
}

func TestNotifierFailureKeepsListingEligible(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{fail: true}
	p := New(db, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop())

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NoError(t, first.Models[0].Err, "a failed send does not fail the model")
	assert.Zero(t, first.Models[0].Notified)

	deal, err := db.GetListing("Yaris", "deal")
	require.NoError(t, err)
	assert.False(t, deal.EmailSent)

	n.fail = false
	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Models[0].Notified)
	require.Len(t, n.digests, 2)
	assert.Equal(t, []string{"deal"}, score.SourceIDs(n.digests[1].Deals))
}

func TestModelFailureIsIsolated(t *testing.T) {
	db := openTestDB(t)
	corsa := config.Model{Name: "Corsa", Make: "Opel"}
	src := &fakeSource{
		pages:    map[string][][]source.RawListing{"Yaris": {marketPage()}},
		countErr: map[string]error{"Corsa": errors.New("navigation timeout")},
	}
	n := &fakeNotifier{}

	res, err := New(db, src, n, []config.Model{corsa, yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	require.NoError(t, err, "partial success is success")
	require.Len(t, res.Models, 2)
	assert.Equal(t, 1, res.Failed())

	var me *ModelError
	require.ErrorAs(t, res.Models[0].Err, &me)
	assert.Equal(t, "Corsa", me.Model)
	assert.Equal(t, "Scrape", me.Step)

	assert.NoError(t, res.Models[1].Err)
	assert.Equal(t, 1, res.Models[1].Notified)

	runs, err := db.GetRecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs[0].Models, 2)
	assert.NotNil(t, runs[0].Models[0].Error)
}

func TestSourceUnavailableIsFatal(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{openErr: errors.New("chrome not found")}

	_, err := New(db, src, nil, []config.Model{yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestScrapeCapsPagesAndDropsMalformed(t *testing.T) {
	db := openTestDB(t)
	page2 := []source.RawListing{
		raw("7", 2019, "5.000 Km", "11.000 €"),
		raw("1", 2018, "10.000 Km", "8.000 €"),
		raw("bad", 2019, "5.000 Km", "Call"),
	}
	page3 := []source.RawListing{raw("8", 2019, "5.000 Km", "11.000 €")}
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage(), page2, page3}}}

	res, err := New(db, src, nil, []config.Model{yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	mr := res.Models[0]
	assert.Equal(t, []int{1, 2}, src.fetched["Yaris"])
	assert.Equal(t, 10, mr.Scraped)
	assert.Equal(t, 1, mr.Malformed)
	assert.Equal(t, 8, mr.New, "a repeated id keeps its first record")

	first, err := db.GetListing("Yaris", "1")
	require.NoError(t, err)
	assert.Equal(t, 9000.0, first.Price)
}

func TestDryRunWritesNothing(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}
	opts := testOptions()
	opts.DryRun = true

	res, err := New(db, src, n, []config.Model{yaris}, opts, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 7, res.Models[0].New)
	assert.Empty(t, n.digests)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalListings)
	assert.Zero(t, stats.Runs)
}

func TestHighlightsAreReplacedEachRun(t *testing.T) {
	db := openTestDB(t)
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	opts := testOptions()
	opts.Notify = false
	p := New(db, src, nil, []config.Model{yaris}, opts, zerolog.Nop())

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	before, err := db.HighlightedListings("Yaris")
	require.NoError(t, err)
	assert.NotEmpty(t, before)

	// The next scan sees only expensive cars, so nothing stays highlighted.
	src.pages["Yaris"] = [][]source.RawListing{{raw("6", 2018, "15.000 Km", "9.500 €")}}
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	after, err := db.HighlightedListings("Yaris")
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Analysis: config.Analysis{
			BucketWidth: 20000, MinimumSampleThreshold: 3, IQRMultiplier: 2,
			HighlightTopN: 5, HighProfitMarginPercentFloor: 15, HighProfitAbsoluteFloor: 1500,
		},
		Scrape: config.Scrape{MaxPagesPerModel: 4},
		Notify: config.Notify{Enabled: true, Recipients: []string{"a@example.com"}},
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 20000, opts.Analysis.BucketWidth)
	assert.Equal(t, 3, opts.Analysis.MinimumSampleThreshold)
	assert.Equal(t, 2.0, opts.IQRMultiplier)
	assert.Equal(t, 5, opts.HighlightTopN)
	assert.Equal(t, score.Thresholds{MarginPercentFloor: 15, AbsoluteFloor: 1500}, opts.Thresholds)
	assert.Equal(t, 4, opts.MaxPagesPerModel)
	assert.True(t, opts.Notify)
}

// faultyStore fails selected writes of an otherwise real database.
type faultyStore struct {
	*database.DB
	failInsert    map[string]bool
	failScore     map[string]bool
	failHighlight bool
	failMarkSent  bool
}

var errDiskFull = errors.New("disk full")

func (s *faultyStore) InsertListing(l database.Listing) (int64, error) {
	if s.failInsert[l.SourceID] {
		return 0, errDiskFull
	}
	return s.DB.InsertListing(l)
}

func (s *faultyStore) UpdateDealScore(model, sourceID string, class *int) error {
	if s.failScore[sourceID] {
		return errDiskFull
	}
	return s.DB.UpdateDealScore(model, sourceID, class)
}

func (s *faultyStore) SetHighlighted(model string, sourceIDs []string) error {
	if s.failHighlight {
		return errDiskFull
	}
	return s.DB.SetHighlighted(model, sourceIDs)
}

func (s *faultyStore) MarkEmailSent(model string, sourceIDs []string) error {
	if s.failMarkSent {
		return errDiskFull
	}
	return s.DB.MarkEmailSent(model, sourceIDs)
}

func stepNamed(mr ModelResult, name string) StepResult {
	for _, s := range mr.Steps {
		if s.Name == name {
			return s
		}
	}
	return StepResult{}
}

func TestFailedInsertSkipsListing(t *testing.T) {
	store := &faultyStore{DB: openTestDB(t), failInsert: map[string]bool{"deal": true}}
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}
	p := New(store, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop())

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	mr := first.Models[0]
	require.NoError(t, mr.Err, "a store failure does not fail the model")
	assert.Equal(t, 1, mr.StoreErrors)
	assert.Equal(t, 6, mr.New)
	assert.Equal(t, 6, mr.Classified, "the unstored listing is not scored")
	assert.Zero(t, mr.Notified)
	assert.Empty(t, n.digests, "the unstored listing is not sent")
	assert.Contains(t, stepNamed(mr, "Ingest").Summary, "1 skipped")

	deal, err := store.GetListing("Yaris", "deal")
	require.NoError(t, err)
	assert.Nil(t, deal)

	store.failInsert = nil
	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Models[0].New)
	assert.Equal(t, 1, second.Models[0].Notified)

	third, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, third.Models[0].Notified)
	require.Len(t, n.digests, 1, "the deal is sent exactly once")
	assert.Equal(t, []string{"deal"}, score.SourceIDs(n.digests[0].Deals))
}

func TestFailedScoreUpdateIsCounted(t *testing.T) {
	store := &faultyStore{DB: openTestDB(t), failScore: map[string]bool{"1": true}}
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}

	res, err := New(store, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	mr := res.Models[0]
	require.NoError(t, mr.Err)
	assert.Equal(t, 1, mr.StoreErrors)
	assert.Equal(t, 1, mr.Notified, "the other listings carry on")

	one, err := store.GetListing("Yaris", "1")
	require.NoError(t, err)
	assert.Nil(t, one.DealScore)
}

func TestFailedHighlightStillNotifies(t *testing.T) {
	store := &faultyStore{DB: openTestDB(t), failHighlight: true}
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}

	res, err := New(store, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	mr := res.Models[0]
	require.NoError(t, mr.Err)
	assert.Equal(t, 1, mr.StoreErrors)
	assert.Zero(t, mr.Highlighted)
	assert.ErrorIs(t, stepNamed(mr, "Highlight").Err, errDiskFull)
	assert.Equal(t, 1, mr.Notified)
}

func TestFailedLedgerCommitResendsNextRun(t *testing.T) {
	store := &faultyStore{DB: openTestDB(t), failMarkSent: true}
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {marketPage()}}}
	n := &fakeNotifier{}
	p := New(store, src, n, []config.Model{yaris}, testOptions(), zerolog.Nop())

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	mr := first.Models[0]
	require.NoError(t, mr.Err)
	assert.Equal(t, 1, mr.StoreErrors)
	assert.Zero(t, mr.Notified)
	require.Len(t, n.digests, 1)

	deal, err := store.GetListing("Yaris", "deal")
	require.NoError(t, err)
	assert.False(t, deal.EmailSent, "nothing is recorded that was not written")

	store.failMarkSent = false
	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Models[0].Notified)
	assert.Len(t, n.digests, 2, "delivery is at least once")
}

func TestRunReportKeepsSuppressedAndUnscored(t *testing.T) {
	db := openTestDB(t)
	page := append(marketPage(), raw("old", 2009, "150.000 Km", "3.000 €"))
	src := &fakeSource{pages: map[string][][]source.RawListing{"Yaris": {page}}}

	res, err := New(db, src, &fakeNotifier{}, []config.Model{yaris}, testOptions(), zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	mr := res.Models[0]
	assert.Equal(t, 1, mr.Suppressed)
	assert.Equal(t, 1, mr.Unscored)

	runs, err := db.GetRecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs[0].Models, 1)
	assert.Equal(t, 1, runs[0].Models[0].Suppressed)
	assert.Equal(t, 1, runs[0].Models[0].Unscored)
}
