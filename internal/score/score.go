package score

import (
	"sort"

	"github.com/TobiSchelling/carwatch/internal/analyze"
	"github.com/TobiSchelling/carwatch/internal/database"
)

// Quartile classes persisted as a listing's deal score.
const (
	ClassNone      = 0
	ClassExcellent = 1
	ClassGood      = 2
	ClassFair      = 3
	ClassExpensive = 4
)

// ClassLabel names a quartile class for display.
func ClassLabel(class int) string {
	switch class {
	case ClassExcellent:
		return "Excellent"
	case ClassGood:
		return "Good"
	case ClassFair:
		return "Fair"
	case ClassExpensive:
		return "Expensive"
	default:
		return "Unscored"
	}
}

type tableKey struct {
	year int
	bin  string
}

// Table indexes a model's statistics by (year, mileage band label).
type Table struct {
	width int
	rows  map[tableKey]database.PriceStatistic
}

// NewTable builds a lookup table. bucketWidth must match the width the rows were built with.
func NewTable(rows []database.PriceStatistic, bucketWidth int) *Table {
	t := &Table{width: bucketWidth, rows: make(map[tableKey]database.PriceStatistic, len(rows))}
	for _, r := range rows {
		t.rows[tableKey{year: r.Year, bin: r.MileageBin}] = r
	}
	return t
}

// Lookup returns the statistic of the bucket a car of this year and mileage falls into.
func (t *Table) Lookup(year, mileage int) (database.PriceStatistic, bool) {
	r, ok := t.rows[tableKey{year: year, bin: analyze.BandOf(mileage, t.width).Label()}]
	return r, ok
}

// Len returns the number of indexed buckets.
func (t *Table) Len() int {
	return len(t.rows)
}

// QuartileClass places price against the bucket quartiles. Each boundary belongs to the
// more expensive class.
func QuartileClass(price float64, s database.PriceStatistic) int {
	switch {
	case price < s.P25Price:
		return ClassExcellent
	case price < s.MedianPrice:
		return ClassGood
	case price < s.P75Price:
		return ClassFair
	default:
		return ClassExpensive
	}
}

// PriorityScore maps a discount ratio below p25 to a 3-10 ranking score.
func PriorityScore(discountRatio float64) int {
	switch {
	case discountRatio >= 0.20:
		return 10
	case discountRatio >= 0.15:
		return 9
	case discountRatio >= 0.10:
		return 8
	case discountRatio >= 0.07:
		return 7
	case discountRatio >= 0.05:
		return 6
	case discountRatio >= 0.03:
		return 4
	default:
		return 3
	}
}

// Thresholds are the two floors a deal must clear to count as high profit.
type Thresholds struct {
	MarginPercentFloor float64
	AbsoluteFloor      float64
}

// DefaultThresholds matches the shipped configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{MarginPercentFloor: 20, AbsoluteFloor: 2000}
}

// DealAssessment is the comparison of one listing against its bucket.
type DealAssessment struct {
	Listing             database.Listing
	Statistic           *database.PriceStatistic
	QuartileClass       int
	DiscountVsP25       float64
	ProfitMarginPercent float64
	PriorityScore       int // 0 when the price is not below p25
	HighProfit          bool
}

// Matched reports whether a statistic was found for the listing.
func (d DealAssessment) Matched() bool {
	return d.Statistic != nil
}

// Classifier assesses listings against one model's statistics.
type Classifier struct {
	table      *Table
	thresholds Thresholds
}

// NewClassifier creates a classifier over table.
func NewClassifier(table *Table, thresholds Thresholds) *Classifier {
	return &Classifier{table: table, thresholds: thresholds}
}

// Assess scores a listing. A listing without a matching bucket gets ClassNone and no
// priority; that is not an error.
func (c *Classifier) Assess(l database.Listing) DealAssessment {
	a := DealAssessment{Listing: l}
	stat, ok := c.table.Lookup(l.Year, l.Mileage)
	if !ok {
		return a
	}
	a.Statistic = &stat
	a.QuartileClass = QuartileClass(l.Price, stat)

	p25 := stat.P25Price
	a.DiscountVsP25 = p25 - l.Price
	if p25 > 0 {
		ratio := a.DiscountVsP25 / p25
		a.ProfitMarginPercent = ratio * 100
		if l.Price < p25 {
			a.PriorityScore = PriorityScore(ratio)
		}
	}
	a.HighProfit = a.PriorityScore > 0 &&
		a.ProfitMarginPercent >= c.thresholds.MarginPercentFloor &&
		a.DiscountVsP25 >= c.thresholds.AbsoluteFloor
	return a
}

// AssessAll scores every listing in order.
func (c *Classifier) AssessAll(listings []database.Listing) []DealAssessment {
	out := make([]DealAssessment, len(listings))
	for i, l := range listings {
		out[i] = c.Assess(l)
	}
	return out
}

// SelectHighlights returns the n best deals by priority score then absolute discount.
// Listings without a priority score never qualify.
func SelectHighlights(assessments []DealAssessment, n int) []DealAssessment {
	if n <= 0 {
		return nil
	}
	var candidates []DealAssessment
	for _, a := range assessments {
		if a.PriorityScore > 0 {
			candidates = append(candidates, a)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].PriorityScore != candidates[j].PriorityScore {
			return candidates[i].PriorityScore > candidates[j].PriorityScore
		}
		return candidates[i].DiscountVsP25 > candidates[j].DiscountVsP25
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// HighProfitBatch returns the high-profit deals, largest margin first.
func HighProfitBatch(assessments []DealAssessment) []DealAssessment {
	var batch []DealAssessment
	for _, a := range assessments {
		if a.HighProfit {
			batch = append(batch, a)
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].ProfitMarginPercent > batch[j].ProfitMarginPercent
	})
	return batch
}

// SourceIDs lists the source ids of assessments in order.
func SourceIDs(assessments []DealAssessment) []string {
	ids := make([]string, len(assessments))
	for i, a := range assessments {
		ids[i] = a.Listing.SourceID
	}
	return ids
}
