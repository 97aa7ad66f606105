package analyze

import (
	"github.com/TobiSchelling/carwatch/internal/database"
)

// Bounds is the inclusive price window kept by the outlier filter.
type Bounds struct {
	Lower float64
	Upper float64
}

// Contains reports whether price lies inside the window, edges included.
func (b Bounds) Contains(price float64) bool {
	return price >= b.Lower && price <= b.Upper
}

// YearBounds computes the IQR fence for every model year present in listings.
func YearBounds(listings []database.Listing, multiplier float64) map[int]Bounds {
	prices := make(map[int][]float64)
	for _, l := range listings {
		prices[l.Year] = append(prices[l.Year], l.Price)
	}

	bounds := make(map[int]Bounds, len(prices))
	for year, p := range prices {
		q1, _, q3 := Quartiles(p)
		iqr := q3 - q1
		bounds[year] = Bounds{Lower: q1 - multiplier*iqr, Upper: q3 + multiplier*iqr}
	}
	return bounds
}

// FilterOutliers drops listings whose price falls outside the IQR fence of their
// own model year. Input order is preserved and the input slice is not modified.
func FilterOutliers(listings []database.Listing, multiplier float64) []database.Listing {
	if len(listings) == 0 {
		return nil
	}

	bounds := YearBounds(listings, multiplier)
	kept := make([]database.Listing, 0, len(listings))
	for _, l := range listings {
		if bounds[l.Year].Contains(l.Price) {
			kept = append(kept, l)
		}
	}
	return kept
}

// CleanReport counts what Clean removed.
type CleanReport struct {
	Input      int
	Incomplete int
	Duplicates int
	Outliers   int
	Kept       int
}

// Clean prepares stored listings for aggregation: it drops records missing a core
// field, keeps the first record of each source id, then filters price outliers.
func Clean(listings []database.Listing, multiplier float64) ([]database.Listing, CleanReport) {
	report := CleanReport{Input: len(listings)}

	seen := make(map[string]struct{}, len(listings))
	usable := make([]database.Listing, 0, len(listings))
	for _, l := range listings {
		if !complete(l) {
			report.Incomplete++
			continue
		}
		id := database.NormalizeID(l.SourceID)
		if _, dup := seen[id]; dup {
			report.Duplicates++
			continue
		}
		seen[id] = struct{}{}
		usable = append(usable, l)
	}

	kept := FilterOutliers(usable, multiplier)
	report.Outliers = len(usable) - len(kept)
	report.Kept = len(kept)
	return kept, report
}

func complete(l database.Listing) bool {
	return database.NormalizeID(l.SourceID) != "" && l.Year > 0 && l.Mileage >= 0 && l.Price > 0
}
