// Package source yields raw listing records for a car model, page by page.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/TobiSchelling/carwatch/internal/config"
)

// ErrMalformedListing marks a raw record with a missing or unparsable required field.
var ErrMalformedListing = errors.New("malformed listing")

// RawListing is a record as scraped, before any parsing.
type RawListing struct {
	SourceID    string
	Make        string
	Model       string
	Year        string
	Mileage     string
	Price       string
	URL         string
	ImageURL    string
	Description string
	Timestamp   time.Time
}

// Source produces raw listings. Open must succeed before any other call and Close
// releases whatever Open acquired.
type Source interface {
	Open(ctx context.Context) error
	Close() error
	TotalPages(ctx context.Context, m config.Model) (int, error)
	FetchPage(ctx context.Context, m config.Model, page int) ([]RawListing, error)
}
