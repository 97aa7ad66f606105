package database

import (
	"fmt"
)

// ReplaceStatistics swaps the whole statistics set of a model for rows.
// The delete and the inserts share one transaction, so readers never see a partial table.
func (db *DB) ReplaceStatistics(model string, rows []PriceStatistic) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin statistics replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM price_stats WHERE model = ?", model); err != nil {
		return fmt.Errorf("clearing statistics of %s: %w", model, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO price_stats
		(model, year, mileage_bin, band_lower, band_upper, median_price, p25_price, p75_price,
		min_price, max_price, mean_price, count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statistics insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(model, r.Year, r.MileageBin, r.BandLower, r.BandUpper,
			r.MedianPrice, r.P25Price, r.P75Price, r.MinPrice, r.MaxPrice, r.MeanPrice,
			r.Count, formatTime(r.LastUpdated)); err != nil {
			return fmt.Errorf("inserting statistic %d/%s: %w", r.Year, r.MileageBin, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit statistics of %s: %w", model, err)
	}
	return nil
}

// StatisticsByModel returns the statistics of a model ordered by year and band.
func (db *DB) StatisticsByModel(model string) ([]PriceStatistic, error) {
	rows, err := db.conn.Query(`SELECT model, year, mileage_bin, band_lower, band_upper, median_price,
		p25_price, p75_price, min_price, max_price, mean_price, count, last_updated
		FROM price_stats WHERE model = ? ORDER BY year, band_lower`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []PriceStatistic
	for rows.Next() {
		var s PriceStatistic
		var updated string
		if err := rows.Scan(&s.Model, &s.Year, &s.MileageBin, &s.BandLower, &s.BandUpper,
			&s.MedianPrice, &s.P25Price, &s.P75Price, &s.MinPrice, &s.MaxPrice, &s.MeanPrice,
			&s.Count, &updated); err != nil {
			return nil, err
		}
		s.LastUpdated = parseTime(updated)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
