// Package pipeline runs the snapshot stages: 0 snapshot and discount rate,
// 1 market universe, 2 fundamentals and share counts, 3 valuation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mauv0809/snapval/internal/fundamentals"
	"github.com/mauv0809/snapval/internal/ingest"
	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/quality"
	"github.com/mauv0809/snapval/internal/snapshot"
)

// ErrStageOrder is returned when stage 2 is requested without stage 1.
var ErrStageOrder = errors.New("stage 2 needs the market universe of stage 1 in the same run")

// ErrInvalidParams is returned for valuation settings outside their domain.
var ErrInvalidParams = errors.New("invalid valuation parameters")

// Store is the persistence the stages need.
type Store interface {
	UpsertSnapshot(ctx context.Context, s models.Snapshot) error
	UpsertDiscountRate(ctx context.Context, d models.DiscountRate) error
	LoadDiscountRate(ctx context.Context, snapshotID string) (models.DiscountRate, bool, error)
	UpsertTickers(ctx context.Context, tickers []models.Ticker) (int, error)
	UpsertMarketRecords(ctx context.Context, rows []models.MarketRecord) (int, error)
	UpdateShareCounts(ctx context.Context, snapshotID string, counts []models.ShareCount) (int, error)
	UpsertFundamentals(ctx context.Context, rows []models.FundamentalRecord) (int, error)
	LoadCalcRows(ctx context.Context, snapshotID string) ([]models.CalcRow, error)
	UpsertValuationResults(ctx context.Context, snapshotID string, results []models.ValuationResult) (int, error)
}

// MarketSource supplies the daily market table.
type MarketSource interface {
	FetchUniverse(ctx context.Context, market string, asOf time.Time, lookbackDays int) (time.Time, []ingest.MarketRow, error)
}

// Resolver finds fundamentals and share counts for one ticker.
type Resolver interface {
	Resolve(ctx context.Context, ticker string, asOf time.Time) fundamentals.Result
	ResolveShares(ctx context.Context, ticker string, asOf time.Time, preferred *fundamentals.Attempt) fundamentals.SharesResult
}

// Settings are the run-wide knobs of the pipeline.
type Settings struct {
	Concurrency           int
	LookbackDays          int
	Market                string
	FinanceSectorKeywords []string
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	store      Store
	market     MarketSource
	resolver   Resolver
	classifier *quality.Classifier
	settings   Settings
	log        logrus.FieldLogger
}

// New creates a pipeline. market and resolver may be nil when only
// stages 0 and 3 are run.
func New(store Store, market MarketSource, resolver Resolver, classifier *quality.Classifier, settings Settings, log logrus.FieldLogger) *Pipeline {
	if classifier == nil {
		classifier = quality.NewClassifier(nil, nil)
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if settings.LookbackDays <= 0 {
		settings.LookbackDays = 14
	}
	if settings.Market == "" {
		settings.Market = ingest.MarketKOSPI
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		store:      store,
		market:     market,
		resolver:   resolver,
		classifier: classifier,
		settings:   settings,
		log:        log,
	}
}

// NormalizeTicker left-pads numeric codes to six digits.
func NormalizeTicker(s string) string {
	s = strings.TrimSpace(s)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// Request selects the stages of one run and their inputs.
type Request struct {
	SnapshotID string
	AsOf       time.Time
	Stages     []int
	// Rate is the discount rate stored by stage 0. Nil stores none.
	Rate *float64
	// RateSource tags the stored rate. Empty means models.RateSourceManual.
	RateSource string
	Note       *string
	// DARTLimit caps the tickers sent to stage 2. Zero means all.
	DARTLimit int
	Params    Params
}

// Report collects what each stage did.
type Report struct {
	SnapshotID   string         `json:"snapshot_id"`
	AsOf         time.Time      `json:"as_of"`
	TradingDay   *time.Time     `json:"trading_day,omitempty"`
	MarketRows   int            `json:"market_rows"`
	Fundamentals *Stage2Summary `json:"fundamentals,omitempty"`
	Valuation    *Summary       `json:"valuation,omitempty"`
}

// Run executes the requested stages in ascending order.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	if req.AsOf.IsZero() {
		req.AsOf = time.Now()
	}
	asOf := dateOf(req.AsOf)
	sid := req.SnapshotID
	if sid == "" {
		sid = snapshot.IDFor(asOf)
	}
	rep := Report{SnapshotID: sid, AsOf: asOf}

	want := make(map[int]bool, len(req.Stages))
	for _, s := range req.Stages {
		if s < 0 || s > 3 {
			return rep, fmt.Errorf("unknown stage %d", s)
		}
		want[s] = true
	}
	if want[2] && !want[1] {
		return rep, ErrStageOrder
	}

	log := p.log.WithFields(logrus.Fields{"snapshot_id": sid, "as_of": asOf.Format("2006-01-02")})

	if want[0] {
		if err := p.Stage0(ctx, sid, asOf, req.Rate, req.RateSource, req.Note); err != nil {
			return rep, err
		}
		log.Info("Stage 0 complete")
	}

	var universe []ingest.MarketRow
	if want[1] {
		day, rows, err := p.Stage1(ctx, sid, asOf)
		if err != nil {
			return rep, err
		}
		universe = rows
		rep.TradingDay = &day
		rep.MarketRows = len(rows)
		log.WithField("rows", len(rows)).Info("Stage 1 complete")
	}

	if want[2] {
		tickers := make([]string, 0, len(universe))
		for _, r := range universe {
			tickers = append(tickers, NormalizeTicker(r.Ticker))
		}
		if req.DARTLimit > 0 && len(tickers) > req.DARTLimit {
			tickers = tickers[:req.DARTLimit]
		}
		sum, err := p.Stage2(ctx, sid, asOf, tickers)
		if err != nil {
			return rep, err
		}
		rep.Fundamentals = &sum
		log.WithFields(logrus.Fields{
			"fundamental_rows": sum.FundamentalRows,
			"shares_updated":   sum.SharesUpdated,
		}).Info("Stage 2 complete")
	}

	if want[3] {
		params := req.Params
		if params.AsOf.IsZero() {
			params.AsOf = asOf
		}
		sum, err := p.RunValuation(ctx, sid, params)
		if err != nil {
			return rep, err
		}
		rep.Valuation = &sum
	}

	return rep, nil
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
