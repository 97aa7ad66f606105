// Package export writes stored listings and price statistics as CSV and reads
// listing snapshots back for offline analysis.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/TobiSchelling/carwatch/internal/database"
)

// ListingRow is the CSV shape of a listing. The column names follow the marketplace
// scrape files: id, title-derived make/model, year, mileage, price.
type ListingRow struct {
	SourceID    string    `csv:"id"`
	Make        string    `csv:"make"`
	Model       string    `csv:"model"`
	Year        int       `csv:"year"`
	Mileage     int       `csv:"mileage"`
	Price       float64   `csv:"price"`
	URL         string    `csv:"url,omitempty"`
	ImageURL    string    `csv:"image_url,omitempty"`
	Description string    `csv:"description,omitempty"`
	Timestamp   time.Time `csv:"timestamp"`
	DealScore   *int      `csv:"deal_score,omitempty"`
	Highlighted bool      `csv:"highlighted"`
	EmailSent   bool      `csv:"email_sent"`
}

// StatRow is the CSV shape of one statistics bin.
type StatRow struct {
	Model       string    `csv:"model"`
	Year        int       `csv:"year"`
	MileageBin  string    `csv:"mileage_bin"`
	MedianPrice float64   `csv:"median_price"`
	P25Price    float64   `csv:"p25_price"`
	P75Price    float64   `csv:"p75_price"`
	MinPrice    float64   `csv:"min_price"`
	MaxPrice    float64   `csv:"max_price"`
	MeanPrice   float64   `csv:"mean_price"`
	Count       int       `csv:"count"`
	LastUpdated time.Time `csv:"last_updated"`
}

// WriteListings writes listings with a header row.
func WriteListings(w io.Writer, listings []database.Listing) error {
	rows := make([]ListingRow, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, ListingRow{
			SourceID:    l.SourceID,
			Make:        l.Make,
			Model:       l.Model,
			Year:        l.Year,
			Mileage:     l.Mileage,
			Price:       l.Price,
			URL:         l.URL,
			ImageURL:    l.ImageURL,
			Description: l.Description,
			Timestamp:   l.Timestamp.UTC(),
			DealScore:   l.DealScore,
			Highlighted: l.Highlighted,
			EmailSent:   l.EmailSent,
		})
	}
	return encode(w, rows, ListingRow{})
}

// WriteStats writes statistics bins with a header row.
func WriteStats(w io.Writer, stats []database.PriceStatistic) error {
	rows := make([]StatRow, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, StatRow{
			Model:       s.Model,
			Year:        s.Year,
			MileageBin:  s.MileageBin,
			MedianPrice: s.MedianPrice,
			P25Price:    s.P25Price,
			P75Price:    s.P75Price,
			MinPrice:    s.MinPrice,
			MaxPrice:    s.MaxPrice,
			MeanPrice:   s.MeanPrice,
			Count:       s.Count,
			LastUpdated: s.LastUpdated.UTC(),
		})
	}
	return encode(w, rows, StatRow{})
}

// encode always emits the header, even for zero rows.
func encode[T any](w io.Writer, rows []T, zero T) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(zero); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadListings decodes a listing CSV as produced by WriteListings. Rows without an
// id are skipped. model overrides the model column when non-empty.
func ReadListings(r io.Reader, model string) ([]database.Listing, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create CSV decoder: %w", err)
	}

	var rows []ListingRow
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode listing CSV: %w", err)
	}

	out := make([]database.Listing, 0, len(rows))
	for _, row := range rows {
		id := database.NormalizeID(row.SourceID)
		if id == "" {
			continue
		}
		l := database.Listing{
			SourceID:    id,
			Make:        row.Make,
			Model:       row.Model,
			Year:        row.Year,
			Mileage:     row.Mileage,
			Price:       row.Price,
			URL:         row.URL,
			ImageURL:    row.ImageURL,
			Description: row.Description,
			Timestamp:   row.Timestamp,
		}
		if model != "" {
			l.Model = model
		}
		out = append(out, l)
	}
	return out, nil
}
