package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/carwatch/internal/analyze"
	"github.com/TobiSchelling/carwatch/internal/database"
	"github.com/TobiSchelling/carwatch/internal/export"
	"github.com/TobiSchelling/carwatch/internal/pipeline"
	"github.com/TobiSchelling/carwatch/internal/retry"
	"github.com/TobiSchelling/carwatch/internal/scheduler"
	"github.com/TobiSchelling/carwatch/internal/server"
)

// --- run command ---

var (
	runModels []string
	dryRun    bool
	noNotify  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline once: scrape -> ingest -> analyze -> classify -> highlight -> notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe, err := newPipeline(db, runModels)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := pipe.Run(ctx)
		if err != nil {
			return err
		}
		printResult(result)
		if dryRun {
			fmt.Println("\nDry run: nothing was written or sent.")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runModels, "model", "m", nil, "Only process these models")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Scrape and score without writing or sending")
	runCmd.Flags().BoolVar(&noNotify, "no-notify", false, "Skip e-mail notifications")
}

func newPipeline(db *database.DB, names []string) (*pipeline.Pipeline, error) {
	models, err := selectModels(names)
	if err != nil {
		return nil, err
	}
	opts := pipeline.OptionsFromConfig(cfg)
	opts.DryRun = dryRun
	if noNotify {
		opts.Notify = false
	}
	return pipeline.New(db, newSource(), newNotifier(), models, opts, log), nil
}

func printResult(r *pipeline.Result) {
	fmt.Printf("Run %s (%s)\n", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	for _, m := range r.Models {
		fmt.Printf("\n%s\n", m.Model)
		for _, step := range m.Steps {
			if step.Err != nil {
				fmt.Printf("  %-9s error: %v\n", step.Name, step.Err)
			} else {
				fmt.Printf("  %-9s %s\n", step.Name, step.Summary)
			}
		}
		if m.Err != nil {
			fmt.Printf("  failed: %v\n", m.Err)
		}
	}
	if n := r.Failed(); n > 0 {
		fmt.Printf("\n%d of %d models failed\n", n, len(r.Models))
	}
}

// --- analyze command ---

var analyzeModels []string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Rebuild price statistics from stored listings without scraping",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		models, err := selectModels(analyzeModels)
		if err != nil {
			return err
		}

		opts := pipeline.OptionsFromConfig(cfg)
		a := analyze.NewAnalyzer(db, opts.Analysis, opts.IQRMultiplier, log)
		ctx := context.Background()
		for _, m := range models {
			res, err := a.Run(ctx, m.Name)
			if err != nil {
				fmt.Printf("%-10s error: %v\n", m.Name, err)
				continue
			}
			fmt.Printf("%-10s %d listings, %d outliers, %d bins (%d suppressed)\n",
				m.Name, res.Clean.Input, res.Clean.Outliers, res.Bins, res.Suppressed)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringSliceVarP(&analyzeModels, "model", "m", nil, "Only analyze these models")
}

// --- watch command ---

var (
	watchSchedule string
	watchServe    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the pipeline on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe, err := newPipeline(db, nil)
		if err != nil {
			return err
		}

		schedule := cfg.Schedule.Cron
		if watchSchedule != "" {
			schedule = watchSchedule
		}

		job := scheduler.NewPipelineJob(pipe, retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}, log)

		sched := scheduler.New(log)
		if err := sched.AddJob(schedule, job); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}

		var srv *server.Server
		if watchServe {
			srv, err = server.New(server.Config{Port: cfg.Server.Port, Log: log, DB: db, Config: cfg})
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("HTTP server failed")
				}
			}()
		}

		sched.Start()
		go func() {
			if err := sched.RunNow(job); err != nil {
				log.Error().Err(err).Msg("initial run failed")
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		log.Info().Msg("Shutting down")
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("server shutdown")
			}
		}
		sched.Stop()
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "Cron schedule overriding schedule.cron")
	watchCmd.Flags().BoolVar(&watchServe, "serve", false, "Also serve the dashboard")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if servePort > 0 {
			port = servePort
		}
		srv, err := server.New(server.Config{Port: port, Log: log, DB: db, Config: cfg})
		if err != nil {
			return err
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default server.port)")
}

// --- export / import commands ---

var (
	exportModel string
	exportOut   string
)

var exportCmd = &cobra.Command{
	Use:       "export listings|stats",
	Short:     "Write a model's listings or statistics as CSV",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"listings", "stats"},
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ok := cfg.Model(exportModel)
		if !ok {
			return fmt.Errorf("unknown model %q", exportModel)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var w io.Writer = os.Stdout
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		switch args[0] {
		case "listings":
			listings, err := db.ListingsByModel(m.Name)
			if err != nil {
				return err
			}
			return export.WriteListings(w, listings)
		default:
			stats, err := db.StatisticsByModel(m.Name)
			if err != nil {
				return err
			}
			return export.WriteStats(w, stats)
		}
	},
}

var importModel string

var importCmd = &cobra.Command{
	Use:   "import [file.csv]",
	Short: "Load listings from a CSV snapshot into a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ok := cfg.Model(importModel)
		if !ok {
			return fmt.Errorf("unknown model %q", importModel)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		listings, err := export.ReadListings(f, m.Name)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		added := 0
		for _, l := range listings {
			if l.Make == "" {
				l.Make = m.Make
			}
			if l.Timestamp.IsZero() {
				l.Timestamp = time.Now().UTC()
			}
			id, err := db.InsertListing(l)
			if err != nil {
				return err
			}
			if id != 0 {
				added++
			}
		}
		fmt.Printf("Imported %d new listings (%d already known)\n", added, len(listings)-added)
		fmt.Println("Run 'carwatch analyze' to rebuild statistics.")
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportModel, "model", "m", "", "Model to export")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("model")

	importCmd.Flags().StringVarP(&importModel, "model", "m", "", "Model to import into")
	_ = importCmd.MarkFlagRequired("model")
}
