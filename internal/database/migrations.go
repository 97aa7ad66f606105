package database

import (
	"database/sql"
	"fmt"
)

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS listings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id TEXT NOT NULL,
    make TEXT NOT NULL,
    model TEXT NOT NULL,
    year INTEGER NOT NULL,
    mileage INTEGER NOT NULL,
    price REAL NOT NULL,
    url TEXT,
    image_url TEXT,
    description TEXT,
    timestamp TEXT NOT NULL,
    deal_score INTEGER,
    highlighted INTEGER NOT NULL DEFAULT 0,
    email_sent INTEGER NOT NULL DEFAULT 0,
    UNIQUE (model, source_id)
);

CREATE TABLE IF NOT EXISTS price_stats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    year INTEGER NOT NULL,
    mileage_bin TEXT NOT NULL,
    band_lower INTEGER NOT NULL,
    band_upper INTEGER NOT NULL,
    median_price REAL NOT NULL,
    p25_price REAL NOT NULL,
    p75_price REAL NOT NULL,
    min_price REAL NOT NULL,
    max_price REAL NOT NULL,
    mean_price REAL NOT NULL,
    count INTEGER NOT NULL,
    last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT UNIQUE NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS run_models (
    run_id TEXT NOT NULL REFERENCES run_reports(run_id),
    model TEXT NOT NULL,
    scraped INTEGER DEFAULT 0,
    malformed INTEGER DEFAULT 0,
    new_listings INTEGER DEFAULT 0,
    updated INTEGER DEFAULT 0,
    store_errors INTEGER DEFAULT 0,
    bins INTEGER DEFAULT 0,
    classified INTEGER DEFAULT 0,
    highlighted INTEGER DEFAULT 0,
    notified INTEGER DEFAULT 0,
    error TEXT,
    PRIMARY KEY (run_id, model)
);

CREATE INDEX IF NOT EXISTS idx_listings_model ON listings(model);
CREATE INDEX IF NOT EXISTS idx_listings_email_sent ON listings(model, email_sent);
CREATE INDEX IF NOT EXISTS idx_price_stats_model ON price_stats(model, year, band_lower);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "suppressed bins and unscored listings per run model",
		Up: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "run_models", "suppressed", "INTEGER DEFAULT 0"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "run_models", "unscored", "INTEGER DEFAULT 0")
		},
	},
}

// addColumnIfMissing keeps ALTER TABLE ADD COLUMN safe to re-run.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid              int
			name, typ        string
			notNull, primary int
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primary); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
