package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mauv0809/snapval/internal/db"
	"github.com/mauv0809/snapval/internal/fundamentals"
	"github.com/mauv0809/snapval/internal/ingest"
	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/pipeline"
)

var runFlags struct {
	asOf        string
	snapshotID  string
	stages      string
	rate        float64
	note        string
	dartLimit   int
	persistence float64
	noClamp     bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run pipeline stages for one snapshot",
	Long: `Run pipeline stages for one snapshot.

Stages:
  0  create the snapshot and store the discount rate given with --r
  1  load the KRX market table (tickers, close, market cap, listed shares)
  2  resolve DART fundamentals and share counts (needs stage 1)
  3  compute fair prices and store results

Monthly runs use 0,1,2,3; recomputing after a model change needs only 3.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		stages, err := parseStages(runFlags.stages)
		if err != nil {
			return err
		}
		asOf := time.Now()
		if runFlags.asOf != "" {
			if asOf, err = time.Parse("2006-01-02", runFlags.asOf); err != nil {
				return fmt.Errorf("invalid --as-of: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo := db.NewRepository(pool)

		var (
			market   pipeline.MarketSource
			resolver pipeline.Resolver
		)
		for _, s := range stages {
			switch s {
			case 1:
				market = ingest.NewKRXClient(ingest.WithLogger(logg))
			case 2:
				if cfg.DARTAPIKey == "" {
					return fmt.Errorf("DART_API_KEY is required for stage 2")
				}
				dart := ingest.NewDARTClient(cfg.DARTAPIKey,
					ingest.WithCorpCodeCache(cfg.CorpCodeCache),
					ingest.WithRateLimit(cfg.RateLimit),
					ingest.WithLogger(logg),
				)
				resolver = fundamentals.NewResolver(dart, cfg.Policy(), logg)
			}
		}

		classifier, err := cfg.Classifier()
		if err != nil {
			return err
		}
		p := pipeline.New(repo, market, resolver, classifier, pipeline.Settings{
			Concurrency:           cfg.Concurrency,
			LookbackDays:          cfg.LookbackDays,
			FinanceSectorKeywords: cfg.FinanceSectorKeywords,
		}, logg)

		req := pipeline.Request{
			SnapshotID: runFlags.snapshotID,
			AsOf:       asOf,
			Stages:     stages,
			DARTLimit:  runFlags.dartLimit,
			Params:     pipeline.NewParams(cfg.Valuation(), cfg.DefaultDiscountRate),
		}
		if runFlags.noClamp {
			req.Params.ClampNegativeResidual = false
		}
		if cmd.Flags().Changed("r") {
			r := runFlags.rate
			req.Rate = &r
		} else if containsStage(stages, 0) {
			r := cfg.DefaultDiscountRate
			req.Rate = &r
			req.RateSource = models.RateSourceDefault
		}
		if runFlags.note != "" {
			req.Note = &runFlags.note
		}
		if cmd.Flags().Changed("persistence") {
			req.Params.Persistence = runFlags.persistence
		}

		rep, err := p.Run(ctx, req)
		if err != nil {
			return err
		}
		logg.WithField("report", rep).Info("Run complete")
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.asOf, "as-of", "", "as-of date YYYY-MM-DD (default today)")
	f.StringVar(&runFlags.snapshotID, "snapshot-id", "", "snapshot id (default derived from --as-of, e.g. 2026Q1)")
	f.StringVar(&runFlags.stages, "stages", "0,1,2,3", "comma-separated stages to run")
	f.Float64Var(&runFlags.rate, "r", 0, "discount rate stored by stage 0 (default: configured default rate)")
	f.StringVar(&runFlags.note, "note", "", "snapshot note")
	f.IntVar(&runFlags.dartLimit, "dart-limit", 0, "resolve at most this many tickers in stage 2 (0 = all)")
	f.Float64Var(&runFlags.persistence, "persistence", 1.0, "residual income persistence factor in [0, 1]")
	f.BoolVar(&runFlags.noClamp, "no-clamp-negative-residual", false, "keep negative residual income instead of flooring it at zero")
}

func parseStages(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 3 {
			return nil, fmt.Errorf("invalid stage %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no stages selected")
	}
	return out, nil
}

func containsStage(stages []int, s int) bool {
	for _, v := range stages {
		if v == s {
			return true
		}
	}
	return false
}
