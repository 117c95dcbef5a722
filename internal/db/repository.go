package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/sanitize"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for snapshot data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertSnapshot creates the snapshot row. An existing snapshot only has its
// note replaced.
func (r *Repository) UpsertSnapshot(ctx context.Context, s models.Snapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO snapshots (snapshot_id, as_of_date, note)
		VALUES ($1, $2, $3)
		ON CONFLICT (snapshot_id) DO UPDATE SET
			note = COALESCE(EXCLUDED.note, snapshots.note)
	`, s.SnapshotID, s.AsOfDate, s.Note)
	if err != nil {
		return fmt.Errorf("upserting snapshot: %w", err)
	}
	return nil
}

// UpsertDiscountRate stores the discount rate of a snapshot.
func (r *Repository) UpsertDiscountRate(ctx context.Context, d models.DiscountRate) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO discount_rate_snapshot (snapshot_id, rate, source, as_of_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id) DO UPDATE SET
			rate = EXCLUDED.rate,
			source = EXCLUDED.source,
			as_of_date = EXCLUDED.as_of_date
	`, d.SnapshotID, decimal.NewFromFloat(d.Rate), d.Source, d.AsOfDate)
	if err != nil {
		return fmt.Errorf("upserting discount rate: %w", err)
	}
	return nil
}

// LoadDiscountRate returns the stored discount rate of a snapshot. found is
// false when none is stored.
func (r *Repository) LoadDiscountRate(ctx context.Context, snapshotID string) (models.DiscountRate, bool, error) {
	d := models.DiscountRate{SnapshotID: snapshotID}
	var rate string
	err := r.pool.QueryRow(ctx, `
		SELECT rate::text, source, as_of_date
		FROM discount_rate_snapshot
		WHERE snapshot_id = $1
	`, snapshotID).Scan(&rate, &d.Source, &d.AsOfDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, false, nil
	}
	if err != nil {
		return d, false, fmt.Errorf("querying discount rate: %w", err)
	}
	v, err := decimal.NewFromString(rate)
	if err != nil {
		return d, false, fmt.Errorf("parsing discount rate %q: %w", rate, err)
	}
	d.Rate = v.InexactFloat64()
	return d, true, nil
}

// UpsertTickers inserts or updates the ticker master.
// Returns the number of rows affected.
func (r *Repository) UpsertTickers(ctx context.Context, tickers []models.Ticker) (int, error) {
	if len(tickers) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, t := range tickers {
		batch.Queue(`
			INSERT INTO tickers (ticker, name, market, sector_name, last_seen_date)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ticker) DO UPDATE SET
				name = EXCLUDED.name,
				market = EXCLUDED.market,
				sector_name = COALESCE(EXCLUDED.sector_name, tickers.sector_name),
				last_seen_date = GREATEST(tickers.last_seen_date, EXCLUDED.last_seen_date)
		`, t.Ticker, t.Name, t.Market, nullString(t.Sector), t.LastSeenDate)
	}

	return r.execBatch(ctx, batch, len(tickers), "upserting ticker")
}

// UpsertMarketRecords inserts or updates market data for a snapshot.
func (r *Repository) UpsertMarketRecords(ctx context.Context, rows []models.MarketRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range rows {
		batch.Queue(`
			INSERT INTO market_snapshot (
				snapshot_id, ticker, close_price, market_cap,
				shares_out, treasury_shares, float_shares
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (snapshot_id, ticker) DO UPDATE SET
				close_price = EXCLUDED.close_price,
				market_cap = EXCLUDED.market_cap,
				shares_out = COALESCE(EXCLUDED.shares_out, market_snapshot.shares_out),
				treasury_shares = COALESCE(EXCLUDED.treasury_shares, market_snapshot.treasury_shares),
				float_shares = COALESCE(EXCLUDED.float_shares, market_snapshot.float_shares)
		`,
			m.SnapshotID, m.Ticker,
			decimalPtr(m.ClosePrice), decimalPtr(m.MarketCap),
			decimalPtr(m.SharesOut), decimalPtr(m.TreasuryShares), decimalPtr(m.FloatShares),
		)
	}

	return r.execBatch(ctx, batch, len(rows), "upserting market record")
}

// UpdateShareCounts overwrites the share breakdown of existing market rows
// with filing data. Missing parts keep their stored value. Returns the number
// of rows that matched.
func (r *Repository) UpdateShareCounts(ctx context.Context, snapshotID string, counts []models.ShareCount) (int, error) {
	if len(counts) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range counts {
		batch.Queue(`
			UPDATE market_snapshot SET
				shares_out = COALESCE($3, shares_out),
				treasury_shares = COALESCE($4, treasury_shares),
				float_shares = COALESCE($5, float_shares)
			WHERE snapshot_id = $1 AND ticker = $2
		`, snapshotID, c.Ticker, decimalPtr(c.Issued), decimalPtr(c.Treasury), decimalPtr(c.Float))
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	count := 0
	for range counts {
		tag, err := br.Exec()
		if err != nil {
			return count, fmt.Errorf("updating share count: %w", err)
		}
		count += int(tag.RowsAffected())
	}

	return count, nil
}

// UpsertFundamentals inserts or updates fundamentals for a snapshot.
func (r *Repository) UpsertFundamentals(ctx context.Context, rows []models.FundamentalRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, f := range rows {
		dq, err := sanitize.MarshalFlags(sanitize.Map(f.DataQuality))
		if err != nil {
			return 0, fmt.Errorf("encoding data quality for %s: %w", f.Ticker, err)
		}
		batch.Queue(`
			INSERT INTO fundamental_snapshot (
				snapshot_id, ticker, fs_year, report_code, is_consolidated,
				equity_parent, net_income_parent, data_quality
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
			ON CONFLICT (snapshot_id, ticker) DO UPDATE SET
				fs_year = EXCLUDED.fs_year,
				report_code = EXCLUDED.report_code,
				is_consolidated = EXCLUDED.is_consolidated,
				equity_parent = EXCLUDED.equity_parent,
				net_income_parent = EXCLUDED.net_income_parent,
				data_quality = EXCLUDED.data_quality
		`,
			f.SnapshotID, f.Ticker, f.FiscalYear, f.ReportCode, f.IsConsolidated,
			decimalPtr(f.EquityParent), decimalPtr(f.NetIncomeParent), string(dq),
		)
	}

	return r.execBatch(ctx, batch, len(rows), "upserting fundamentals")
}

// LoadCalcRows returns every ticker of a snapshot that has both a market
// and a fundamentals row, ordered by ticker.
func (r *Repository) LoadCalcRows(ctx context.Context, snapshotID string) ([]models.CalcRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			m.ticker,
			COALESCE(t.name, ''),
			COALESCE(t.sector_name, ''),
			m.close_price::text,
			m.shares_out::text,
			f.equity_parent::text,
			f.net_income_parent::text,
			f.data_quality
		FROM market_snapshot m
		JOIN fundamental_snapshot f
			ON f.snapshot_id = m.snapshot_id AND f.ticker = m.ticker
		LEFT JOIN tickers t ON t.ticker = m.ticker
		WHERE m.snapshot_id = $1
		ORDER BY m.ticker
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("querying calc rows: %w", err)
	}
	defer rows.Close()

	var out []models.CalcRow
	for rows.Next() {
		var (
			row                       = models.CalcRow{SnapshotID: snapshotID}
			price, shares, equity, ni *string
		)
		if err := rows.Scan(
			&row.Ticker, &row.Name, &row.Sector,
			&price, &shares, &equity, &ni, &row.DataQuality,
		); err != nil {
			return nil, fmt.Errorf("scanning calc row: %w", err)
		}
		if row.MarketPrice, err = parseDecimal(price); err != nil {
			return nil, fmt.Errorf("close price for %s: %w", row.Ticker, err)
		}
		if row.SharesOut, err = parseDecimal(shares); err != nil {
			return nil, fmt.Errorf("shares for %s: %w", row.Ticker, err)
		}
		if row.EquityParent, err = parseDecimal(equity); err != nil {
			return nil, fmt.Errorf("equity for %s: %w", row.Ticker, err)
		}
		if row.NetIncomeParent, err = parseDecimal(ni); err != nil {
			return nil, fmt.Errorf("net income for %s: %w", row.Ticker, err)
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// UpsertValuationResults writes all results of a run for snapshotID in one
// transaction. Re-running replaces the numbers and flags and moves
// computed_at forward. Any failure rolls the whole batch back.
func (r *Repository) UpsertValuationResults(ctx context.Context, snapshotID string, results []models.ValuationResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, v := range results {
		fl, err := sanitize.MarshalFlags(v.Flags)
		if err != nil {
			return 0, fmt.Errorf("encoding flags for %s: %w", v.Ticker, err)
		}
		batch.Queue(`
			INSERT INTO valuation_result (
				snapshot_id, ticker, bps, roe, discount_rate,
				fair_price, gap_pct, flags, computed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, NOW())
			ON CONFLICT (snapshot_id, ticker) DO UPDATE SET
				bps = EXCLUDED.bps,
				roe = EXCLUDED.roe,
				discount_rate = EXCLUDED.discount_rate,
				fair_price = EXCLUDED.fair_price,
				gap_pct = EXCLUDED.gap_pct,
				flags = EXCLUDED.flags,
				computed_at = GREATEST(valuation_result.computed_at, NOW())
		`,
			snapshotID, v.Ticker,
			floatParam(v.BPS), floatParam(v.ROE), floatParam(v.DiscountRate),
			floatParam(v.FairPrice), floatParam(v.GapPct), string(fl),
		)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	count := 0
	for _, v := range results {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("upserting result for %s: %w", v.Ticker, err)
		}
		count++
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing results: %w", err)
	}
	return count, nil
}

// GetSnapshotStatus counts what is stored for a snapshot.
func (r *Repository) GetSnapshotStatus(ctx context.Context, snapshotID string) (models.SnapshotStatus, error) {
	st := models.SnapshotStatus{SnapshotID: snapshotID}

	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM snapshots WHERE snapshot_id = $1)", snapshotID).Scan(&exists)
	if err != nil {
		return st, fmt.Errorf("querying snapshot: %w", err)
	}
	if !exists {
		return st, ErrNotFound
	}

	var last *time.Time
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM market_snapshot WHERE snapshot_id = $1),
			(SELECT COUNT(*) FROM fundamental_snapshot WHERE snapshot_id = $1),
			(SELECT COUNT(*) FROM valuation_result WHERE snapshot_id = $1),
			(SELECT MAX(computed_at) FROM valuation_result WHERE snapshot_id = $1)
	`, snapshotID).Scan(&st.Markets, &st.Fundamentals, &st.Results, &last)
	if err != nil {
		return st, fmt.Errorf("counting snapshot rows: %w", err)
	}
	st.LastComputed = last

	rate, found, err := r.LoadDiscountRate(ctx, snapshotID)
	if err != nil {
		return st, err
	}
	if found {
		st.DiscountRate = &rate
	}
	return st, nil
}

func (r *Repository) execBatch(ctx context.Context, batch *pgx.Batch, n int, what string) (int, error) {
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	count := 0
	for i := 0; i < n; i++ {
		_, err := br.Exec()
		if err != nil {
			return count, fmt.Errorf("%s: %w", what, err)
		}
		count++
	}

	return count, nil
}

// decimalPtr converts a *decimal.Decimal to interface{} for database insertion.
func decimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

// floatParam stores a float through decimal so NUMERIC columns keep the
// shortest exact representation. Non-finite values become NULL.
func floatParam(f *float64) interface{} {
	f = sanitize.Float(f)
	if f == nil {
		return nil
	}
	return decimal.NewFromFloat(*f)
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
