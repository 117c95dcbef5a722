package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mauv0809/snapval/internal/flags"
	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/quality"
	"github.com/mauv0809/snapval/internal/sanitize"
	"github.com/mauv0809/snapval/internal/snapshot"
	"github.com/mauv0809/snapval/internal/valuation"
)

// ROEMethod describes how ROE is derived; it is stored with every result.
const ROEMethod = "NI_PARENT / EQUITY_PARENT"

// Params are the settings of one valuation run.
type Params struct {
	Persistence           float64
	ClampNegativeResidual bool
	// DefaultRate is used when the snapshot has no stored discount rate.
	DefaultRate float64
	// AsOf dates a defaulted rate. Zero means today.
	AsOf time.Time
}

// NewParams builds run settings from engine options and the fallback rate.
func NewParams(o valuation.Options, defaultRate float64) Params {
	return Params{
		Persistence:           o.Persistence,
		ClampNegativeResidual: o.ClampNegativeResidual,
		DefaultRate:           defaultRate,
	}
}

// DefaultParams returns full persistence, clamping on and a 10% default rate.
func DefaultParams() Params {
	return NewParams(valuation.DefaultOptions(), 0.10)
}

// Summary describes a finished valuation run.
type Summary struct {
	SnapshotID     string                  `json:"snapshot_id"`
	DiscountRate   float64                 `json:"discount_rate"`
	RateSource     string                  `json:"rate_source"`
	RowsConsidered int                     `json:"rows_considered"`
	RowsUpserted   int                     `json:"rows_upserted"`
	Quality        map[quality.Verdict]int `json:"quality"`
}

// RunValuation values every ticker of the snapshot that has both market and
// fundamentals records and stores all results as one batch. The discount
// rate is read once, before any row is valued. Per-row problems end up in
// the row's flags; only rate resolution and storage failures are returned.
func (p *Pipeline) RunValuation(ctx context.Context, snapshotID string, params Params) (Summary, error) {
	if params.Persistence < 0 || params.Persistence > 1 || math.IsNaN(params.Persistence) {
		return Summary{}, fmt.Errorf("%w: persistence must be within [0, 1], got %v", ErrInvalidParams, params.Persistence)
	}
	if params.AsOf.IsZero() {
		params.AsOf = dateOf(time.Now())
	}

	sc, err := snapshot.Resolve(ctx, p.store, snapshotID, params.AsOf, params.DefaultRate)
	if err != nil {
		return Summary{}, err
	}
	log := p.log.WithFields(logrus.Fields{
		"snapshot_id":   sc.SnapshotID,
		"discount_rate": sc.DiscountRate,
		"rate_source":   sc.RateSource,
	})

	rows, err := p.store.LoadCalcRows(ctx, sc.SnapshotID)
	if err != nil {
		return Summary{}, fmt.Errorf("loading rows for %s: %w", sc.SnapshotID, err)
	}

	opts := valuation.Options{
		Persistence:           params.Persistence,
		ClampNegativeResidual: params.ClampNegativeResidual,
	}
	sum := Summary{
		SnapshotID:     sc.SnapshotID,
		DiscountRate:   sc.DiscountRate,
		RateSource:     sc.RateSource,
		RowsConsidered: len(rows),
		Quality:        map[quality.Verdict]int{quality.Exclude: 0, quality.Warn: 0, quality.OK: 0},
	}

	results := make([]models.ValuationResult, 0, len(rows))
	for _, row := range rows {
		res, verdict := p.valueRow(sc, row, opts)
		sum.Quality[verdict.Verdict]++
		if verdict.Verdict != quality.OK {
			log.WithFields(logrus.Fields{
				"ticker":  res.Ticker,
				"verdict": verdict.Verdict,
				"reasons": verdict.Reasons,
			}).Debug("Row flagged")
		}
		results = append(results, res)
	}

	n, err := p.store.UpsertValuationResults(ctx, sc.SnapshotID, results)
	if err != nil {
		log.WithError(err).Error("Storing valuation results failed")
		return Summary{}, fmt.Errorf("storing results for %s: %w", sc.SnapshotID, err)
	}
	sum.RowsUpserted = n

	log.WithFields(logrus.Fields{
		"rows_considered": sum.RowsConsidered,
		"rows_upserted":   sum.RowsUpserted,
		"exclude":         sum.Quality[quality.Exclude],
		"warn":            sum.Quality[quality.Warn],
		"ok":              sum.Quality[quality.OK],
	}).Info("Valuation complete")
	return sum, nil
}

// valueRow computes one result and its verdict.
func (p *Pipeline) valueRow(sc snapshot.Context, row models.CalcRow, opts valuation.Options) (models.ValuationResult, quality.Result) {
	in := valuation.Input{
		Equity:       toFloat(row.EquityParent),
		NetIncome:    toFloat(row.NetIncomeParent),
		Shares:       toFloat(row.SharesOut),
		MarketPrice:  toFloat(row.MarketPrice),
		DiscountRate: sc.Rate(),
	}
	out := valuation.Compute(in, opts)

	dq, wellFormed := row.DataQuality.(map[string]any)
	if row.DataQuality == nil {
		wellFormed = true
	}
	fs, unknown := flags.FromMap(dq)
	if !wellFormed {
		p.log.WithFields(logrus.Fields{"ticker": row.Ticker, "data_quality": row.DataQuality}).Warn("Data quality is not an object")
		fs.Add(flags.InvalidFormat)
	}
	if len(unknown) > 0 {
		p.log.WithFields(logrus.Fields{"ticker": row.Ticker, "keys": unknown}).Warn("Dropping unknown data quality keys")
	}
	fs.Merge(out.Flags)
	if in.Shares == nil {
		fs.Add(flags.MissingSharesOut)
	}
	if in.Equity == nil {
		fs.Add(flags.MissingEquity)
	}
	if in.NetIncome == nil {
		fs.Add(flags.MissingNetIncome)
	}
	fs.AddValue(flags.MarketPriceUsed, floatValue(in.MarketPrice))
	fs.AddValue(flags.PersistenceUsed, opts.Persistence)
	fs.AddValue(flags.ROEMethod, ROEMethod)
	if row.Name != "" {
		fs.AddValue(flags.CompanyName, row.Name)
	}

	res := models.ValuationResult{
		SnapshotID:   sc.SnapshotID,
		Ticker:       row.Ticker,
		BPS:          sanitize.Float(out.BPS),
		ROE:          sanitize.Float(out.ROE),
		DiscountRate: sanitize.Float(sc.Rate()),
		FairPrice:    sanitize.Float(out.FairPrice),
		GapPct:       sanitize.Float(out.GapPct),
	}
	if res.BPS == nil || res.ROE == nil ||
		(out.FairPrice != nil && res.FairPrice == nil) ||
		(out.GapPct != nil && res.GapPct == nil) {
		fs.Add(flags.SuspiciousNumeric)
	}
	if p.financeSector(row.Sector) {
		fs.Add(flags.FinanceOrHolding)
	}

	res.Flags = sanitize.Map(fs.Map())
	if !wellFormed {
		return res, p.classifier.ClassifyRaw(row.DataQuality)
	}
	return res, p.classifier.Classify(fs)
}

func (p *Pipeline) financeSector(sector string) bool {
	if sector == "" {
		return false
	}
	for _, k := range p.settings.FinanceSectorKeywords {
		if k != "" && strings.Contains(sector, k) {
			return true
		}
	}
	return false
}

func toFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func floatValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
