package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrListingNotFound is returned when an update names a listing that is not stored.
var ErrListingNotFound = errors.New("listing not found")

const listingColumns = `id, source_id, make, model, year, mileage, price, url, image_url, description,
		timestamp, deal_score, highlighted, email_sent`

// InsertListing inserts a newly observed listing with email_sent = false.
// Returns the row ID, or 0 if the (model, source_id) pair already exists.
func (db *DB) InsertListing(l Listing) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO listings (source_id, make, model, year, mileage, price, url, image_url, description,
			timestamp, deal_score, highlighted, email_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT (model, source_id) DO NOTHING`,
		NormalizeID(l.SourceID), l.Make, l.Model, l.Year, l.Mileage, l.Price, l.URL, l.ImageURL,
		l.Description, formatTime(l.Timestamp), l.DealScore,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting listing %s: %w", l.SourceID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// ListingsByModel returns every stored listing of a model.
func (db *DB) ListingsByModel(model string) ([]Listing, error) {
	rows, err := db.conn.Query(
		`SELECT `+listingColumns+` FROM listings WHERE model = ? ORDER BY id`, model,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", model, err)
	}
	defer rows.Close()
	return scanListings(rows)
}

// HighlightedListings returns the highlighted listings of a model, cheapest first.
func (db *DB) HighlightedListings(model string) ([]Listing, error) {
	rows, err := db.conn.Query(
		`SELECT `+listingColumns+` FROM listings WHERE model = ? AND highlighted = 1 ORDER BY price`, model,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

// GetListing returns a single listing, or nil if it does not exist.
func (db *DB) GetListing(model, sourceID string) (*Listing, error) {
	row := db.conn.QueryRow(
		`SELECT `+listingColumns+` FROM listings WHERE model = ? AND source_id = ?`,
		model, NormalizeID(sourceID),
	)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ExistingIDs returns the normalised source ids already stored for a model.
func (db *DB) ExistingIDs(model string) (map[string]struct{}, error) {
	return db.querySourceIDs(`SELECT source_id FROM listings WHERE model = ?`, model)
}

// NotifiedIDs returns the source ids of a model that already triggered a notification.
func (db *DB) NotifiedIDs(model string) (map[string]struct{}, error) {
	return db.querySourceIDs(`SELECT source_id FROM listings WHERE model = ? AND email_sent = 1`, model)
}

// UpdateDealScore sets the quartile class of a listing. A nil score clears it.
func (db *DB) UpdateDealScore(model, sourceID string, score *int) error {
	result, err := db.conn.Exec(
		"UPDATE listings SET deal_score = ? WHERE model = ? AND source_id = ?",
		score, model, NormalizeID(sourceID),
	)
	if err != nil {
		return fmt.Errorf("updating deal score of %s: %w", sourceID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("updating deal score of %s/%s: %w", model, sourceID, ErrListingNotFound)
	}
	return nil
}

// ClearHighlights resets the highlight flag on every listing of a model.
func (db *DB) ClearHighlights(model string) error {
	_, err := db.conn.Exec("UPDATE listings SET highlighted = 0 WHERE model = ?", model)
	if err != nil {
		return fmt.Errorf("clearing highlights of %s: %w", model, err)
	}
	return nil
}

// SetHighlighted flags the given listings of a model as highlighted.
func (db *DB) SetHighlighted(model string, sourceIDs []string) error {
	return db.setFlag("highlighted", model, sourceIDs)
}

// MarkEmailSent records the given listings in the notification ledger.
func (db *DB) MarkEmailSent(model string, sourceIDs []string) error {
	return db.setFlag("email_sent", model, sourceIDs)
}

// setFlag sets column on every named listing or on none of them. Naming a listing
// that is not stored fails with ErrListingNotFound.
func (db *DB) setFlag(column, model string, sourceIDs []string) error {
	unique := make(map[string]struct{}, len(sourceIDs))
	placeholders := make([]string, 0, len(sourceIDs))
	args := make([]any, 0, len(sourceIDs)+1)
	args = append(args, model)
	for _, id := range sourceIDs {
		id = NormalizeID(id)
		if _, dup := unique[id]; dup {
			continue
		}
		unique[id] = struct{}{}
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	if len(unique) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin setting %s: %w", column, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		"UPDATE listings SET %s = 1 WHERE model = ? AND source_id IN (%s)",
		column, strings.Join(placeholders, ", "),
	)
	result, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("setting %s on %d listings: %w", column, len(unique), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(unique) {
		return fmt.Errorf("setting %s: %d of %d listings of %s stored: %w",
			column, n, len(unique), model, ErrListingNotFound)
	}
	return tx.Commit()
}

func (db *DB) querySourceIDs(query string, model string) (map[string]struct{}, error) {
	rows, err := db.conn.Query(query, model)
	if err != nil {
		return nil, fmt.Errorf("loading source ids of %s: %w", model, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[NormalizeID(id)] = struct{}{}
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListings(rows *sql.Rows) ([]Listing, error) {
	var listings []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func scanListing(row scanner) (*Listing, error) {
	var l Listing
	var url, imageURL, description sql.NullString
	var ts string
	var score sql.NullInt64
	var highlighted, emailSent int
	if err := row.Scan(&l.ID, &l.SourceID, &l.Make, &l.Model, &l.Year, &l.Mileage, &l.Price,
		&url, &imageURL, &description, &ts, &score, &highlighted, &emailSent); err != nil {
		return nil, err
	}
	l.URL = url.String
	l.ImageURL = imageURL.String
	l.Description = description.String
	l.Timestamp = parseTime(ts)
	if score.Valid {
		s := int(score.Int64)
		l.DealScore = &s
	}
	l.Highlighted = highlighted != 0
	l.EmailSent = emailSent != 0
	return &l, nil
}
