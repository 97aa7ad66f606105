package source

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/TobiSchelling/carwatch/internal/config"
	"github.com/TobiSchelling/carwatch/internal/database"
)

var validate = validator.New()

type record struct {
	SourceID string  `validate:"required"`
	Make     string  `validate:"required"`
	Model    string  `validate:"required"`
	Year     int     `validate:"gte=1950,lte=2100"`
	Mileage  int     `validate:"gte=0"`
	Price    float64 `validate:"gt=0"`
	URL      string  `validate:"omitempty,url"`
}

// Normalize parses a raw record into a listing stored under the model namespace. A
// record whose title yielded no make takes the configured make of m. Any missing or
// unparsable required field yields an error wrapping ErrMalformedListing.
func Normalize(raw RawListing, m config.Model) (database.Listing, error) {
	year, err := strconv.Atoi(strings.TrimSpace(raw.Year))
	if err != nil {
		return database.Listing{}, fmt.Errorf("%w: %s: year %q", ErrMalformedListing, raw.SourceID, raw.Year)
	}
	mileage, err := ParseMileage(raw.Mileage)
	if err != nil {
		return database.Listing{}, fmt.Errorf("%w: %s: %v", ErrMalformedListing, raw.SourceID, err)
	}
	price, err := ParsePrice(raw.Price)
	if err != nil {
		return database.Listing{}, fmt.Errorf("%w: %s: %v", ErrMalformedListing, raw.SourceID, err)
	}

	brand := strings.TrimSpace(raw.Make)
	if brand == "" {
		brand = strings.TrimSpace(m.Make)
	}
	r := record{
		SourceID: database.NormalizeID(raw.SourceID),
		Make:     brand,
		Model:    strings.TrimSpace(m.Name),
		Year:     year,
		Mileage:  mileage,
		Price:    price,
		URL:      strings.TrimSpace(raw.URL),
	}
	if err := validate.Struct(r); err != nil {
		return database.Listing{}, fmt.Errorf("%w: %s: %v", ErrMalformedListing, raw.SourceID, err)
	}

	return database.Listing{
		SourceID:    r.SourceID,
		Make:        r.Make,
		Model:       r.Model,
		Year:        r.Year,
		Mileage:     r.Mileage,
		Price:       r.Price,
		URL:         r.URL,
		ImageURL:    strings.TrimSpace(raw.ImageURL),
		Description: strings.TrimSpace(raw.Description),
		Timestamp:   raw.Timestamp.UTC(),
	}, nil
}

// ParsePrice reads a European formatted amount such as "12.500 €" or "9.990,50€".
func ParsePrice(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ',':
			b.WriteRune('.')
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("price %q has no digits", s)
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	return v, nil
}

// ParseMileage reads a distance such as "125.000 Km".
func ParseMileage(s string) (int, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return 0, fmt.Errorf("mileage %q has no digits", s)
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("mileage %q: %w", s, err)
	}
	return v, nil
}

// ParseTitle splits a "Make Model ... Year" heading. The year is the first later token
// that reads as a four digit number.
func ParseTitle(title string) (brand, model, year string) {
	parts := strings.Fields(title)
	if len(parts) == 0 {
		return "", "", ""
	}
	brand = parts[0]
	var modelParts []string
	for _, p := range parts[1:] {
		if year == "" && len(p) == 4 {
			if _, err := strconv.Atoi(p); err == nil {
				year = p
				continue
			}
		}
		if year == "" {
			modelParts = append(modelParts, p)
		}
	}
	return brand, strings.Join(modelParts, " "), year
}
