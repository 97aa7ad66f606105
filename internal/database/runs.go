package database

import (
	"database/sql"
	"fmt"
)

// SaveRunReport stores a run and its per-model counters.
func (db *DB) SaveRunReport(r RunReport) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin run report: %w", err)
	}
	defer tx.Rollback()

	var finished *string
	if r.FinishedAt != nil {
		f := formatTime(*r.FinishedAt)
		finished = &f
	}

	if _, err := tx.Exec(
		`INSERT INTO run_reports (run_id, started_at, finished_at) VALUES (?, ?, ?)`,
		r.RunID, formatTime(r.StartedAt), finished,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", r.RunID, err)
	}

	for _, m := range r.Models {
		if _, err := tx.Exec(
			`INSERT INTO run_models (run_id, model, scraped, malformed, new_listings, updated,
				store_errors, bins, suppressed, classified, unscored, highlighted, notified, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, m.Model, m.Scraped, m.Malformed, m.New, m.Updated, m.StoreErrors,
			m.Bins, m.Suppressed, m.Classified, m.Unscored, m.Highlighted, m.Notified, m.Error,
		); err != nil {
			return fmt.Errorf("inserting run %s model %s: %w", r.RunID, m.Model, err)
		}
	}

	return tx.Commit()
}

// GetRecentRuns returns the latest runs, newest first, with their model counters.
func (db *DB) GetRecentRuns(limit int) ([]RunReport, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, started_at, finished_at FROM run_reports ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}

	var reports []RunReport
	for rows.Next() {
		var r RunReport
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &started, &finished); err != nil {
			rows.Close()
			return nil, err
		}
		r.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		reports = append(reports, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range reports {
		models, err := db.runModels(reports[i].RunID)
		if err != nil {
			return nil, err
		}
		reports[i].Models = models
	}
	return reports, nil
}

func (db *DB) runModels(runID string) ([]ModelRun, error) {
	rows, err := db.conn.Query(
		`SELECT model, scraped, malformed, new_listings, updated, store_errors, bins, suppressed,
			classified, unscored, highlighted, notified, error
		FROM run_models WHERE run_id = ? ORDER BY model`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []ModelRun
	for rows.Next() {
		var m ModelRun
		if err := rows.Scan(&m.Model, &m.Scraped, &m.Malformed, &m.New, &m.Updated, &m.StoreErrors,
			&m.Bins, &m.Suppressed, &m.Classified, &m.Unscored, &m.Highlighted, &m.Notified,
			&m.Error); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	var scored, highlighted, notified sql.NullInt64
	err := db.conn.QueryRow(`SELECT
			COUNT(*),
			SUM(CASE WHEN deal_score IS NOT NULL THEN 1 ELSE 0 END),
			SUM(highlighted),
			SUM(email_sent)
		FROM listings`).Scan(&s.TotalListings, &scored, &highlighted, &notified)
	if err != nil {
		return nil, err
	}
	s.Scored = int(scored.Int64)
	s.Highlighted = int(highlighted.Int64)
	s.Notified = int(notified.Int64)

	if err := db.conn.QueryRow("SELECT COUNT(*) FROM price_stats").Scan(&s.StatBins); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM run_reports").Scan(&s.Runs); err != nil {
		return nil, err
	}

	var last sql.NullString
	if err := db.conn.QueryRow("SELECT MAX(started_at) FROM run_reports").Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		t := parseTime(last.String)
		s.LastRunAt = &t
	}
	return &s, nil
}

// GetModelStats returns listing and statistics counts for one model.
func (db *DB) GetModelStats(model string) (*ModelStats, error) {
	ms := ModelStats{Model: model}
	var highlighted, notified sql.NullInt64
	err := db.conn.QueryRow(
		`SELECT COUNT(*), SUM(highlighted), SUM(email_sent) FROM listings WHERE model = ?`, model,
	).Scan(&ms.Listings, &highlighted, &notified)
	if err != nil {
		return nil, err
	}
	ms.Highlighted = int(highlighted.Int64)
	ms.Notified = int(notified.Int64)

	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM price_stats WHERE model = ?", model,
	).Scan(&ms.Bins); err != nil {
		return nil, err
	}
	return &ms, nil
}
