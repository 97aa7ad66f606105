package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/carwatch/internal/config"
	"github.com/TobiSchelling/carwatch/internal/database"
	"github.com/TobiSchelling/carwatch/internal/logger"
	"github.com/TobiSchelling/carwatch/internal/notify"
	"github.com/TobiSchelling/carwatch/internal/source"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "carwatch",
	Short:   "Used-car price statistics and deal alerts",
	Long:    "carwatch scrapes used-car listings per model, keeps price statistics per year and mileage band, scores every listing against them and mails the best deals once.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = logger.New(logger.Config{Level: "info", Pretty: true})

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadEnv(); err != nil {
			return err
		}
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		log = logger.New(logger.Config{Level: level, Pretty: cfg.Logging.Pretty})
		logger.SetGlobalLogger(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("carwatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/carwatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure models, SMTP and recipients.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Listings:")
		fmt.Printf("  Total: %d\n", stats.TotalListings)
		fmt.Printf("  Scored: %d\n", stats.Scored)
		fmt.Printf("  Highlighted: %d\n", stats.Highlighted)
		fmt.Printf("  Notified: %d\n", stats.Notified)
		fmt.Println("\nStatistics:")
		fmt.Printf("  Price bins: %d\n", stats.StatBins)
		fmt.Println("\nRuns:")
		fmt.Printf("  Total: %d\n", stats.Runs)
		if stats.LastRunAt != nil {
			fmt.Printf("  Last: %s\n", stats.LastRunAt.Local().Format("2006-01-02 15:04"))
		}

		runs, err := db.GetRecentRuns(1)
		if err != nil {
			return fmt.Errorf("getting last run: %w", err)
		}
		if len(runs) == 1 {
			fmt.Printf("\nLast run %s:\n", runs[0].RunID)
			for _, m := range runs[0].Models {
				fmt.Printf("  %-10s scraped %d, new %d, bins %d (%d suppressed), classified %d (%d unscored), notified %d, store errors %d\n",
					m.Model, m.Scraped, m.New, m.Bins, m.Suppressed, m.Classified, m.Unscored, m.Notified, m.StoreErrors)
				if m.Error != nil {
					fmt.Printf("  %-10s error: %s\n", "", *m.Error)
				}
			}
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured models with their stored counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Printf("%-10s %-12s %9s %5s %12s %9s\n", "MODEL", "MAKE", "LISTINGS", "BINS", "HIGHLIGHTED", "NOTIFIED")
		for _, m := range cfg.Models {
			ms, err := db.GetModelStats(m.Name)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-12s %9d %5d %12d %9d\n", m.Name, m.Make, ms.Listings, ms.Bins, ms.Highlighted, ms.Notified)
		}
		return nil
	},
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "carwatch.db")
	return database.Open(dbPath)
}

// selectModels narrows the configured models to the names given, in config order.
func selectModels(names []string) ([]config.Model, error) {
	if len(names) == 0 {
		return cfg.Models, nil
	}
	var out []config.Model
	for _, name := range names {
		m, ok := cfg.Model(name)
		if !ok {
			return nil, fmt.Errorf("unknown model %q (configured: %s)", name, strings.Join(modelNames(), ", "))
		}
		out = append(out, m)
	}
	return out, nil
}

func modelNames() []string {
	names := make([]string, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		names = append(names, m.Name)
	}
	return names
}

// newSource builds the listing source selected by scrape.source.
func newSource() source.Source {
	s := cfg.Scrape
	if s.Source == "feed" {
		return source.NewFeedSource(log)
	}
	renderer := source.NewChromeRenderer(source.BrowserConfig{
		ChromeBin:   s.ChromeBin,
		UserAgent:   s.UserAgent,
		Headless:    s.Headless,
		PageTimeout: s.PageTimeout,
	}, log)
	return source.NewPageSource(renderer, s.RateLimit, log)
}

// newNotifier returns nil when notifications are disabled.
func newNotifier() notify.Notifier {
	n := cfg.Notify
	if !n.Enabled {
		return nil
	}
	return notify.NewMailer(notify.SMTPConfig{
		Host:          n.SMTP.Host,
		Port:          n.SMTP.Port,
		Username:      n.SMTP.Username,
		Password:      n.SMTP.Password(),
		From:          n.SMTP.From,
		FromName:      n.SMTP.FromName,
		UseTLS:        n.SMTP.UseTLS,
		SubjectPrefix: n.SubjectPrefix,
	}, log)
}
