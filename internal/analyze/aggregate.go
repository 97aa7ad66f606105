package analyze

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/TobiSchelling/carwatch/internal/database"
)

// Options controls bucketing and sample suppression.
type Options struct {
	BucketWidth            int
	MinimumSampleThreshold int
}

// DefaultOptions matches the shipped configuration.
func DefaultOptions() Options {
	return Options{BucketWidth: 25000, MinimumSampleThreshold: 5}
}

type binKey struct {
	year int
	band Band
}

// Aggregate groups listings by (year, mileage band) and summarises the price
// distribution of every group holding at least MinimumSampleThreshold listings.
// Rows are stamped with now and ordered by year then band. The second return value
// counts the groups suppressed for being too small.
func Aggregate(listings []database.Listing, opts Options, now time.Time) ([]database.PriceStatistic, int) {
	if len(listings) == 0 {
		return nil, 0
	}

	groups := make(map[binKey][]float64)
	models := make(map[binKey]string)
	for _, l := range listings {
		k := binKey{year: l.Year, band: BandOf(l.Mileage, opts.BucketWidth)}
		groups[k] = append(groups[k], l.Price)
		if _, ok := models[k]; !ok {
			models[k] = l.Model
		}
	}

	rows := make([]database.PriceStatistic, 0, len(groups))
	suppressed := 0
	for k, prices := range groups {
		if len(prices) < opts.MinimumSampleThreshold {
			suppressed++
			continue
		}
		sorted := sortedCopy(prices)
		rows = append(rows, database.PriceStatistic{
			Model:       models[k],
			Year:        k.year,
			MileageBin:  k.band.Label(),
			BandLower:   k.band.Lower,
			BandUpper:   k.band.Upper,
			MedianPrice: Percentile(sorted, 0.5),
			P25Price:    Percentile(sorted, 0.25),
			P75Price:    Percentile(sorted, 0.75),
			MinPrice:    floats.Min(sorted),
			MaxPrice:    floats.Max(sorted),
			MeanPrice:   stat.Mean(sorted, nil),
			Count:       len(sorted),
			LastUpdated: now,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Year != rows[j].Year {
			return rows[i].Year < rows[j].Year
		}
		return rows[i].BandLower < rows[j].BandLower
	})
	return rows, suppressed
}
