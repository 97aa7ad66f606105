package database

import "time"

// Listing is one observed offer for a car model.
type Listing struct {
	ID          int64
	SourceID    string
	Make        string
	Model       string
	Year        int
	Mileage     int
	Price       float64
	URL         string
	ImageURL    string
	Description string
	Timestamp   time.Time
	DealScore   *int // quartile class 1-4, nil when unscored
	Highlighted bool
	EmailSent   bool
}

// PriceStatistic summarises prices for one (year, mileage band) bucket of a model.
type PriceStatistic struct {
	Model       string
	Year        int
	MileageBin  string
	BandLower   int
	BandUpper   int
	MedianPrice float64
	P25Price    float64
	P75Price    float64
	MinPrice    float64
	MaxPrice    float64
	MeanPrice   float64
	Count       int
	LastUpdated time.Time
}

// RunReport holds metadata about one pipeline run.
type RunReport struct {
	ID         int64
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Models     []ModelRun
}

// ModelRun holds the per-model counters of a run.
type ModelRun struct {
	Model       string
	Scraped     int
	Malformed   int
	New         int
	Updated     int
	StoreErrors int
	Bins        int
	Suppressed  int // bins below the sample threshold
	Classified  int
	Unscored    int // listings without a matching bin
	Highlighted int
	Notified    int
	Error       *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalListings int
	Scored        int
	Highlighted   int
	Notified      int
	StatBins      int
	Runs          int
	LastRunAt     *time.Time
}

// ModelStats contains per-model counts for the dashboard and status output.
type ModelStats struct {
	Model       string
	Listings    int
	Highlighted int
	Notified    int
	Bins        int
}
