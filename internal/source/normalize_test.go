package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/carwatch/internal/config"
)

var yaris = config.Model{Name: "Yaris", Make: "Toyota"}

func goodRaw() RawListing {
	return RawListing{
		SourceID:  " 40123456 ",
		Make:      "Toyota",
		Model:     "Yaris",
		Year:      "2018",
		Mileage:   "125.000 Km",
		Price:     "12.500 €",
		URL:       "https://www.car.gr/classifieds/cars/view/40123456",
		Timestamp: time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC),
	}
}

func TestNormalize(t *testing.T) {
	l, err := Normalize(goodRaw(), yaris)
	require.NoError(t, err)
	assert.Equal(t, "40123456", l.SourceID)
	assert.Equal(t, "Yaris", l.Model)
	assert.Equal(t, 2018, l.Year)
	assert.Equal(t, 125000, l.Mileage)
	assert.Equal(t, 12500.0, l.Price)
	assert.Nil(t, l.DealScore)
	assert.False(t, l.EmailSent)
}

func TestNormalizeZeroMileageIsValid(t *testing.T) {
	raw := goodRaw()
	raw.Mileage = "0 Km"
	l, err := Normalize(raw, yaris)
	require.NoError(t, err)
	assert.Zero(t, l.Mileage)
}

func TestNormalizeFallsBackToConfiguredMake(t *testing.T) {
	raw := goodRaw()
	raw.Make = "  "
	l, err := Normalize(raw, yaris)
	require.NoError(t, err)
	assert.Equal(t, "Toyota", l.Make)

	raw.Make = "Toyota Motor"
	l, err = Normalize(raw, yaris)
	require.NoError(t, err)
	assert.Equal(t, "Toyota Motor", l.Make, "a parsed make wins over the configured one")
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawListing)
	}{
		{"missing id", func(r *RawListing) { r.SourceID = "  " }},
		{"missing make without fallback", func(r *RawListing) { r.Make = "" }},
		{"year not a number", func(r *RawListing) { r.Year = "" }},
		{"year out of range", func(r *RawListing) { r.Year = "1890" }},
		{"price text", func(r *RawListing) { r.Price = "Call" }},
		{"zero price", func(r *RawListing) { r.Price = "0 €" }},
		{"mileage missing", func(r *RawListing) { r.Mileage = "" }},
		{"bad url", func(r *RawListing) { r.URL = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := goodRaw()
			tt.mutate(&raw)
			_, err := Normalize(raw, config.Model{Name: "Yaris"})
			assert.ErrorIs(t, err, ErrMalformedListing)
		})
	}
}

func TestParsePrice(t *testing.T) {
	tests := map[string]float64{
		"12.500 €":   12500,
		"€ 7.000":    7000,
		"9.990,50€":  9990.5,
		"1.250.000€": 1250000,
	}
	for in, want := range tests {
		got, err := ParsePrice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePrice("Call for price")
	assert.Error(t, err)
}

func TestParseMileage(t *testing.T) {
	got, err := ParseMileage("125.000 Km")
	require.NoError(t, err)
	assert.Equal(t, 125000, got)

	_, err = ParseMileage("n/a")
	assert.Error(t, err)
}

func TestParseTitle(t *testing.T) {
	tests := []struct {
		title, brand, model, year string
	}{
		{"Toyota Yaris 2018", "Toyota", "Yaris", "2018"},
		{"Peugeot 208 2019", "Peugeot", "208", "2019"},
		{"Hyundai i20 Active 2017 facelift", "Hyundai", "i20 Active", "2017"},
		{"Fiat", "Fiat", "", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		brand, model, year := ParseTitle(tt.title)
		assert.Equal(t, tt.brand, brand, tt.title)
		assert.Equal(t, tt.model, model, tt.title)
		assert.Equal(t, tt.year, year, tt.title)
	}
}
