package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/carwatch/internal/config"
	"github.com/TobiSchelling/carwatch/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test db")
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Models: []config.Model{
			{Name: "Yaris", Make: "Toyota", URLTemplate: "https://www.car.gr/yaris?pg={page}"},
			{Name: "Corsa", Make: "Opel", URLTemplate: "https://www.car.gr/corsa?pg={page}"},
		},
		Analysis: config.Analysis{
			BucketWidth:                  25000,
			MinimumSampleThreshold:       5,
			IQRMultiplier:                1.5,
			HighlightTopN:                10,
			HighProfitMarginPercentFloor: 20,
			HighProfitAbsoluteFloor:      2000,
		},
		Notify: config.Notify{SubjectPrefix: "[carwatch]"},
	}
}

// seed stores one statistics bin for 2018 Yaris cars in the 50000-75000 band and
// two highlighted listings: a deep discount and a marginal one.
func seed(t *testing.T, db *database.DB) {
	t.Helper()
	ts := time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.ReplaceStatistics("Yaris", []database.PriceStatistic{{
		Model: "Yaris", Year: 2018, MileageBin: "50000-75000", BandLower: 50000, BandUpper: 75000,
		MedianPrice: 9250, P25Price: 9125, P75Price: 9375, MinPrice: 9000, MaxPrice: 9500, MeanPrice: 9250,
		Count: 6, LastUpdated: ts,
	}}))

	for _, l := range []database.Listing{
		{SourceID: "deal", Make: "Toyota", Model: "Yaris", Year: 2018, Mileage: 60000, Price: 7000, URL: "https://www.car.gr/deal", Timestamp: ts},
		{SourceID: "near", Make: "Toyota", Model: "Yaris", Year: 2018, Mileage: 62000, Price: 9000, Timestamp: ts},
	} {
		_, err := db.InsertListing(l)
		require.NoError(t, err)
	}
	require.NoError(t, db.SetHighlighted("Yaris", []string{"deal", "near"}))
}

func newTestServer(t *testing.T, db *database.DB) *Server {
	t.Helper()
	srv, err := New(Config{DB: db, Config: testConfig(), Log: zerolog.Nop()})
	require.NoError(t, err, "failed to create server")
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIndexRoute(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Watched models")
	assert.Contains(t, body, `href="/models/Yaris"`)
	assert.Contains(t, body, `href="/models/Corsa"`)
	assert.Contains(t, body, "No runs yet.")
}

func TestModelRoute(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/models/yaris")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Toyota Yaris")
	assert.Contains(t, body, "50000-75000")
	assert.Contains(t, body, "7.000 €")
	assert.Contains(t, body, "10/10")
	assert.Contains(t, body, `class="high-profit"`)
}

func TestUnknownModel(t *testing.T) {
	srv := newTestServer(t, openTestDB(t))

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/models/Beetle").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/models/Beetle/digest").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/models/Beetle/deals").Code)
}

func TestDigestRoute(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	srv := newTestServer(t, db)
	srv.now = func() time.Time { return time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC) }

	rec := get(t, srv, "/models/Yaris/digest")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "[carwatch] 1 high-profit deal for Yaris")
	assert.Contains(t, body, "<table>")
	assert.Contains(t, body, `href="https://www.car.gr/deal"`)
}

func TestDigestRouteWithoutDeals(t *testing.T) {
	srv := newTestServer(t, openTestDB(t))

	rec := get(t, srv, "/models/Corsa/digest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No high-profit deals")
}

func TestDealsAPI(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/api/models/Yaris/deals")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var deals []dealJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deals))
	require.Len(t, deals, 2)

	assert.Equal(t, "deal", deals[0].SourceID, "highest priority first")
	assert.Equal(t, 10, deals[0].PriorityScore)
	assert.True(t, deals[0].HighProfit)
	assert.InDelta(t, 2125.0, deals[0].DiscountVsP25, 0.001)
	assert.Equal(t, "50000-75000", deals[0].MileageBin)

	assert.Equal(t, "near", deals[1].SourceID)
	assert.Equal(t, 3, deals[1].PriorityScore)
	assert.False(t, deals[1].HighProfit)
}

func TestStatsAPI(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	srv := newTestServer(t, db)

	rec := get(t, srv, "/api/models/Yaris/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []statJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 9125.0, stats[0].P25Price)
	assert.Equal(t, 6, stats[0].Count)
}

func TestRunsRoute(t *testing.T) {
	db := openTestDB(t)
	srv := newTestServer(t, db)

	assert.Contains(t, get(t, srv, "/runs").Body.String(), "No runs recorded.")

	msg := "scrape: browser crashed"
	finished := time.Date(2026, 2, 6, 10, 5, 0, 0, time.UTC)
	require.NoError(t, db.SaveRunReport(database.RunReport{
		RunID:      "run-1",
		StartedAt:  time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC),
		FinishedAt: &finished,
		Models: []database.ModelRun{
			{Model: "Yaris", Scraped: 48, New: 3},
			{Model: "Corsa", Error: &msg},
		},
	}))

	body := get(t, srv, "/runs").Body.String()
	assert.Contains(t, body, "run-1")
	assert.Contains(t, body, "browser crashed")
	assert.Contains(t, body, `class="failed"`)
}

func TestHealthAndStatic(t *testing.T) {
	srv := newTestServer(t, openTestDB(t))

	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"ok"`))

	rec = get(t, srv, "/static/style.css")
	assert.Equal(t, http.StatusOK, rec.Code)
}
