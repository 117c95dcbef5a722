package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mauv0809/snapval/internal/fundamentals"
	"github.com/mauv0809/snapval/internal/ingest"
	"github.com/mauv0809/snapval/internal/models"
)

// Stage0 creates the snapshot and, when rate is given, stores it as the
// snapshot's discount rate tagged with source, manual when source is empty.
func (p *Pipeline) Stage0(ctx context.Context, snapshotID string, asOf time.Time, rate *float64, source string, note *string) error {
	if rate != nil && (!(*rate > 0) || math.IsInf(*rate, 0)) {
		return fmt.Errorf("%w: discount rate must be positive, got %v", ErrInvalidParams, *rate)
	}
	if err := p.store.UpsertSnapshot(ctx, models.Snapshot{
		SnapshotID: snapshotID,
		AsOfDate:   asOf,
		Note:       note,
	}); err != nil {
		return fmt.Errorf("stage 0: %w", err)
	}
	if rate == nil {
		return nil
	}
	if source == "" {
		source = models.RateSourceManual
	}
	if err := p.store.UpsertDiscountRate(ctx, models.DiscountRate{
		SnapshotID: snapshotID,
		Rate:       *rate,
		Source:     source,
		AsOfDate:   asOf,
	}); err != nil {
		return fmt.Errorf("stage 0: %w", err)
	}
	return nil
}

// Stage1 loads the market table of the last trading day on or before asOf
// and stores tickers and market records.
func (p *Pipeline) Stage1(ctx context.Context, snapshotID string, asOf time.Time) (time.Time, []ingest.MarketRow, error) {
	if p.market == nil {
		return time.Time{}, nil, errors.New("stage 1: no market source configured")
	}
	day, rows, err := p.market.FetchUniverse(ctx, p.settings.Market, asOf, p.settings.LookbackDays)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("stage 1: %w", err)
	}

	tickers := make([]models.Ticker, 0, len(rows))
	records := make([]models.MarketRecord, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for i := range rows {
		r := &rows[i]
		r.Ticker = NormalizeTicker(r.Ticker)
		if seen[r.Ticker] {
			continue
		}
		seen[r.Ticker] = true
		tickers = append(tickers, models.Ticker{
			Ticker:       r.Ticker,
			Name:         r.Name,
			Market:       r.Market,
			Sector:       r.Sector,
			LastSeenDate: day,
		})
		records = append(records, models.MarketRecord{
			SnapshotID: snapshotID,
			Ticker:     r.Ticker,
			ClosePrice: r.ClosePrice,
			MarketCap:  r.MarketCap,
			SharesOut:  r.SharesOut,
		})
	}

	if _, err := p.store.UpsertTickers(ctx, tickers); err != nil {
		return day, nil, fmt.Errorf("stage 1: %w", err)
	}
	if _, err := p.store.UpsertMarketRecords(ctx, records); err != nil {
		return day, nil, fmt.Errorf("stage 1: %w", err)
	}
	return day, rows, nil
}

// Stage2Summary counts what stage 2 stored.
type Stage2Summary struct {
	Tickers         int `json:"tickers"`
	Resolved        int `json:"resolved"`
	FundamentalRows int `json:"fundamental_rows"`
	SharesUpdated   int `json:"shares_updated"`
}

// Stage2 resolves fundamentals and share counts for each ticker with at most
// Concurrency lookups in flight. A fundamentals record is stored for every
// ticker, including those whose sourcing failed.
func (p *Pipeline) Stage2(ctx context.Context, snapshotID string, asOf time.Time, tickers []string) (Stage2Summary, error) {
	sum := Stage2Summary{Tickers: len(tickers)}
	if p.resolver == nil {
		return sum, errors.New("stage 2: no fundamentals resolver configured")
	}

	records := make([]models.FundamentalRecord, len(tickers))
	shares := make([]*models.ShareCount, len(tickers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.settings.Concurrency)
	for i, ticker := range tickers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := p.resolver.Resolve(gctx, ticker, asOf)
			sr := p.resolver.ResolveShares(gctx, ticker, asOf, res.Used)
			res.Flags.Merge(sr.Flags)
			records[i] = res.Record(snapshotID)

			if !sr.Count.Empty() {
				shares[i] = &models.ShareCount{
					Ticker:   ticker,
					Issued:   sr.Count.Issued,
					Treasury: sr.Count.Treasury,
					Float:    sr.Count.Float,
				}
			}
			p.log.WithFields(logrus.Fields{
				"snapshot_id": snapshotID,
				"ticker":      ticker,
				"attempts":    len(res.Flags.Attempts()),
				"resolved":    res.Used != nil,
			}).Debug("Fundamentals resolved")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, fmt.Errorf("stage 2: %w", err)
	}

	counts := make([]models.ShareCount, 0, len(shares))
	for i, sc := range shares {
		if records[i].FiscalYear != nil {
			sum.Resolved++
		}
		if sc != nil {
			counts = append(counts, *sc)
		}
	}

	n, err := p.store.UpsertFundamentals(ctx, records)
	if err != nil {
		return sum, fmt.Errorf("stage 2: %w", err)
	}
	sum.FundamentalRows = n

	if sum.SharesUpdated, err = p.store.UpdateShareCounts(ctx, snapshotID, counts); err != nil {
		return sum, fmt.Errorf("stage 2: %w", err)
	}
	return sum, nil
}

var _ Resolver = (*fundamentals.Resolver)(nil)
