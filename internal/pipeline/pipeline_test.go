package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauv0809/snapval/internal/flags"
	"github.com/mauv0809/snapval/internal/fundamentals"
	"github.com/mauv0809/snapval/internal/ingest"
	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/quality"
	"github.com/mauv0809/snapval/internal/snapshot"
	"github.com/mauv0809/snapval/internal/valuation"
)

// memStore keeps every table in maps keyed like the database primary keys.
type memStore struct {
	mu        sync.Mutex
	snapshots map[string]models.Snapshot
	rates     map[string]models.DiscountRate
	tickers   map[string]models.Ticker
	markets   map[string]models.MarketRecord
	funds     map[string]models.FundamentalRecord
	results   map[string]models.ValuationResult
	rateReads int
	failWrite error
	clock     func() time.Time

	// rawQuality replaces the decoded data_quality of a row, keyed like markets.
	rawQuality map[string]any
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: map[string]models.Snapshot{},
		rates:     map[string]models.DiscountRate{},
		tickers:   map[string]models.Ticker{},
		markets:   map[string]models.MarketRecord{},
		funds:     map[string]models.FundamentalRecord{},
		results:   map[string]models.ValuationResult{},
		clock:     time.Now,
	}
}

func key(sid, ticker string) string { return sid + "|" + ticker }

func (m *memStore) UpsertSnapshot(ctx context.Context, s models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.snapshots[s.SnapshotID]; ok {
		if s.Note != nil {
			old.Note = s.Note
		}
		m.snapshots[s.SnapshotID] = old
		return nil
	}
	m.snapshots[s.SnapshotID] = s
	return nil
}

func (m *memStore) UpsertDiscountRate(ctx context.Context, d models.DiscountRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[d.SnapshotID] = d
	return nil
}

func (m *memStore) LoadDiscountRate(ctx context.Context, sid string) (models.DiscountRate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateReads++
	d, ok := m.rates[sid]
	return d, ok, nil
}

func (m *memStore) UpsertTickers(ctx context.Context, ts []models.Ticker) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		m.tickers[t.Ticker] = t
	}
	return len(ts), nil
}

func (m *memStore) UpsertMarketRecords(ctx context.Context, rows []models.MarketRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.markets[key(r.SnapshotID, r.Ticker)] = r
	}
	return len(rows), nil
}

func (m *memStore) UpdateShareCounts(ctx context.Context, sid string, counts []models.ShareCount) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range counts {
		r, ok := m.markets[key(sid, c.Ticker)]
		if !ok {
			continue
		}
		if c.Issued != nil {
			r.SharesOut = c.Issued
		}
		if c.Treasury != nil {
			r.TreasuryShares = c.Treasury
		}
		if c.Float != nil {
			r.FloatShares = c.Float
		}
		m.markets[key(sid, c.Ticker)] = r
		n++
	}
	return n, nil
}

func (m *memStore) UpsertFundamentals(ctx context.Context, rows []models.FundamentalRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.funds[key(r.SnapshotID, r.Ticker)] = r
	}
	return len(rows), nil
}

func (m *memStore) LoadCalcRows(ctx context.Context, sid string) ([]models.CalcRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CalcRow
	for k, mr := range m.markets {
		if mr.SnapshotID != sid {
			continue
		}
		f, ok := m.funds[k]
		if !ok {
			continue
		}
		t := m.tickers[mr.Ticker]
		var dq any = f.DataQuality
		if raw, ok := m.rawQuality[k]; ok {
			dq = raw
		}
		out = append(out, models.CalcRow{
			SnapshotID:      sid,
			Ticker:          mr.Ticker,
			Name:            t.Name,
			Sector:          t.Sector,
			MarketPrice:     mr.ClosePrice,
			SharesOut:       mr.SharesOut,
			EquityParent:    f.EquityParent,
			NetIncomeParent: f.NetIncomeParent,
			DataQuality:     dq,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (m *memStore) UpsertValuationResults(ctx context.Context, sid string, rs []models.ValuationResult) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return 0, m.failWrite
	}
	now := m.clock()
	for _, r := range rs {
		k := key(sid, r.Ticker)
		r.SnapshotID = sid
		r.ComputedAt = now
		if old, ok := m.results[k]; ok && old.ComputedAt.After(now) {
			r.ComputedAt = old.ComputedAt
		}
		m.results[k] = r
	}
	return len(rs), nil
}

func (m *memStore) result(sid, ticker string) (models.ValuationResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[key(sid, ticker)]
	return r, ok
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func seedRow(m *memStore, sid, ticker, sector string, price, shares, equity, ni *decimal.Decimal, dq map[string]any) {
	m.tickers[ticker] = models.Ticker{Ticker: ticker, Name: "name-" + ticker, Sector: sector}
	m.markets[key(sid, ticker)] = models.MarketRecord{SnapshotID: sid, Ticker: ticker, ClosePrice: price, SharesOut: shares}
	if dq == nil {
		dq = map[string]any{}
	}
	m.funds[key(sid, ticker)] = models.FundamentalRecord{
		SnapshotID: sid, Ticker: ticker, EquityParent: equity, NetIncomeParent: ni, DataQuality: dq,
	}
}

func newPipeline(store Store, market MarketSource, resolver Resolver, settings Settings) *Pipeline {
	log, _ := test.NewNullLogger()
	return New(store, market, resolver, quality.NewClassifier(nil, nil), settings, log)
}

const sid = "2026Q1"

func TestRunValuationHandExample(t *testing.T) {
	store := newMemStore()
	store.rates[sid] = models.DiscountRate{SnapshotID: sid, Rate: 0.10, Source: models.RateSourceManual}
	seedRow(store, sid, "005930", "전기전자", dec("12"), dec("100"), dec("1000"), dec("150"),
		map[string]any{"report_code_used": "11011", "ERR_11011_2024_CFS": "transient failure"})
	p := newPipeline(store, nil, nil, Settings{})

	sum, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, Summary{
		SnapshotID:     sid,
		DiscountRate:   0.10,
		RateSource:     models.RateSourceManual,
		RowsConsidered: 1,
		RowsUpserted:   1,
		Quality:        map[quality.Verdict]int{quality.Exclude: 0, quality.Warn: 0, quality.OK: 1},
	}, sum)

	res, ok := store.result(sid, "005930")
	require.True(t, ok)
	assert.InDelta(t, 10.0, *res.BPS, 1e-9)
	assert.InDelta(t, 0.15, *res.ROE, 1e-9)
	assert.InDelta(t, 15.0, *res.FairPrice, 1e-9)
	assert.InDelta(t, 25.0, *res.GapPct, 1e-9)
	assert.Equal(t, 0.10, *res.DiscountRate)

	assert.Equal(t, 12.0, res.Flags["market_price_used"])
	assert.Equal(t, 1.0, res.Flags["persistence_used"])
	assert.Equal(t, ROEMethod, res.Flags["roe_method"])
	assert.Equal(t, "11011", res.Flags["report_code_used"])
	assert.Equal(t, "transient failure", res.Flags["ERR_11011_2024_CFS"])
	assert.NotContains(t, res.Flags, "FLAG_SUSPICIOUS_NUMERIC")
}

func TestRunValuationMissingInputs(t *testing.T) {
	store := newMemStore()
	seedRow(store, sid, "000001", "", dec("10"), dec("50"), nil, nil,
		map[string]any{"FLAG_NO_FS": true, "ERR_11011_2024_CFS": "no data"})
	p := newPipeline(store, nil, nil, Settings{})

	sum, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Quality[quality.Exclude])

	res, _ := store.result(sid, "000001")
	assert.Nil(t, res.BPS)
	assert.Nil(t, res.ROE)
	assert.Nil(t, res.FairPrice)
	assert.Nil(t, res.GapPct)
	for _, k := range []string{
		"FLAG_MISSING_INPUT", "FLAG_MISSING_EQUITY", "FLAG_MISSING_NET_INCOME",
		"FLAG_SUSPICIOUS_NUMERIC", "FLAG_NO_FS", "ERR_11011_2024_CFS",
	} {
		assert.Contains(t, res.Flags, k)
	}
	assert.NotContains(t, res.Flags, "FLAG_MISSING_SHARES_OUT")
}

func TestRunValuationAdvisoryKeepsFairPrice(t *testing.T) {
	store := newMemStore()
	seedRow(store, sid, "000002", "", dec("5"), dec("100"), dec("1000"), dec("-50"), nil)
	p := newPipeline(store, nil, nil, Settings{})

	sum, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Quality[quality.Warn])

	res, _ := store.result(sid, "000002")
	require.NotNil(t, res.FairPrice)
	assert.InDelta(t, 10.0, *res.FairPrice, 1e-9)
	assert.Contains(t, res.Flags, "FLAG_ROE_NEGATIVE")
	assert.Contains(t, res.Flags, "FLAG_ROE_BELOW_R")
	assert.Contains(t, res.Flags, "FLAG_NEGATIVE_RESIDUAL_CLAMPED")
}

func TestRunValuationOverflowIsFlagged(t *testing.T) {
	store := newMemStore()
	store.rates[sid] = models.DiscountRate{SnapshotID: sid, Rate: 1e-310, Source: models.RateSourceManual}
	seedRow(store, sid, "000003", "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
	p := newPipeline(store, nil, nil, Settings{})

	_, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)

	res, _ := store.result(sid, "000003")
	assert.Nil(t, res.FairPrice)
	assert.Nil(t, res.GapPct)
	assert.Equal(t, true, res.Flags["FLAG_SUSPICIOUS_NUMERIC"])
	assert.Contains(t, res.Flags, "pv_residual_total")
	assert.Nil(t, res.Flags["pv_residual_total"])
}

func TestRunValuationMalformedDataQuality(t *testing.T) {
	store := newMemStore()
	seedRow(store, sid, "000004", "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
	store.rawQuality = map[string]any{key(sid, "000004"): []any{"FLAG_NO_FS"}}
	p := newPipeline(store, nil, nil, Settings{})

	sum, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Quality[quality.Warn])

	res, _ := store.result(sid, "000004")
	require.NotNil(t, res.FairPrice)
	assert.InDelta(t, 15.0, *res.FairPrice, 1e-9)
	assert.Equal(t, true, res.Flags["FLAG_INVALID_FLAGS_FORMAT"])
}

func TestRunValuationFinanceSector(t *testing.T) {
	store := newMemStore()
	seedRow(store, sid, "105560", "금융업", dec("60000"), dec("100"), dec("1000"), dec("150"), nil)
	seedRow(store, sid, "005380", "운수장비", dec("60000"), dec("100"), dec("1000"), dec("150"), nil)
	p := newPipeline(store, nil, nil, Settings{FinanceSectorKeywords: []string{"금융", "지주"}})

	_, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)

	bank, _ := store.result(sid, "105560")
	car, _ := store.result(sid, "005380")
	assert.Equal(t, true, bank.Flags["FLAG_FINANCE_OR_HOLDING"])
	assert.NotContains(t, car.Flags, "FLAG_FINANCE_OR_HOLDING")
}

func TestRunValuationRate(t *testing.T) {
	t.Run("default used when none stored", func(t *testing.T) {
		store := newMemStore()
		seedRow(store, sid, "005930", "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
		p := newPipeline(store, nil, nil, Settings{})
		params := DefaultParams()
		params.DefaultRate = 0.08

		sum, err := p.RunValuation(context.Background(), sid, params)
		require.NoError(t, err)
		assert.Equal(t, 0.08, sum.DiscountRate)
		assert.Equal(t, models.RateSourceDefault, sum.RateSource)
		assert.Equal(t, 1, store.rateReads)
	})

	t.Run("no rate aborts", func(t *testing.T) {
		store := newMemStore()
		seedRow(store, sid, "005930", "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
		p := newPipeline(store, nil, nil, Settings{})
		params := DefaultParams()
		params.DefaultRate = 0

		_, err := p.RunValuation(context.Background(), sid, params)
		assert.ErrorIs(t, err, snapshot.ErrNoDiscountRate)
		assert.Empty(t, store.results)
	})

	t.Run("rate read once for many rows", func(t *testing.T) {
		store := newMemStore()
		store.rates[sid] = models.DiscountRate{SnapshotID: sid, Rate: 0.09, Source: models.RateSourceManual}
		for _, tk := range []string{"000010", "000020", "000030"} {
			seedRow(store, sid, tk, "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
		}
		p := newPipeline(store, nil, nil, Settings{})

		_, err := p.RunValuation(context.Background(), sid, DefaultParams())
		require.NoError(t, err)
		assert.Equal(t, 1, store.rateReads)
		for _, tk := range []string{"000010", "000020", "000030"} {
			r, _ := store.result(sid, tk)
			assert.Equal(t, 0.09, *r.DiscountRate)
		}
	})
}

func TestRunValuationIdempotent(t *testing.T) {
	store := newMemStore()
	seedRow(store, sid, "005930", "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
	seedRow(store, "2025Q4", "005930", "", dec("9"), dec("100"), dec("1000"), dec("150"), nil)
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	tick := 0
	store.clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	p := newPipeline(store, nil, nil, Settings{})

	_, err := p.RunValuation(context.Background(), "2025Q4", DefaultParams())
	require.NoError(t, err)
	other, _ := store.result("2025Q4", "005930")

	_, err = p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)
	first, _ := store.result(sid, "005930")

	_, err = p.RunValuation(context.Background(), sid, DefaultParams())
	require.NoError(t, err)
	second, _ := store.result(sid, "005930")

	assert.Len(t, store.results, 2)
	assert.Equal(t, first.FairPrice, second.FairPrice)
	assert.Equal(t, first.GapPct, second.GapPct)
	assert.Equal(t, first.Flags, second.Flags)
	assert.False(t, second.ComputedAt.Before(first.ComputedAt))

	untouched, _ := store.result("2025Q4", "005930")
	assert.Equal(t, other, untouched)
}

func TestRunValuationStoreFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.failWrite = errors.New("connection reset")
	seedRow(store, sid, "005930", "", dec("12"), dec("100"), dec("1000"), dec("150"), nil)
	p := newPipeline(store, nil, nil, Settings{})

	_, err := p.RunValuation(context.Background(), sid, DefaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunValuationRejectsPersistence(t *testing.T) {
	p := newPipeline(newMemStore(), nil, nil, Settings{})
	params := DefaultParams()
	params.Persistence = 1.2

	_, err := p.RunValuation(context.Background(), sid, params)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

type fakeMarket struct {
	day  time.Time
	rows []ingest.MarketRow
}

func (f *fakeMarket) FetchUniverse(ctx context.Context, market string, asOf time.Time, lookbackDays int) (time.Time, []ingest.MarketRow, error) {
	rows := make([]ingest.MarketRow, len(f.rows))
	copy(rows, f.rows)
	return f.day, rows, nil
}

type fakeResolver struct {
	results  map[string]fundamentals.Result
	shares   map[string]ingest.ShareCount
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeResolver) Resolve(ctx context.Context, ticker string, asOf time.Time) fundamentals.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	if r, ok := f.results[ticker]; ok {
		r.Ticker = ticker
		return r
	}
	return fundamentals.Result{Ticker: ticker, Flags: flags.New(flags.NoFinancialStatements)}
}

func (f *fakeResolver) ResolveShares(ctx context.Context, ticker string, asOf time.Time, preferred *fundamentals.Attempt) fundamentals.SharesResult {
	if sc, ok := f.shares[ticker]; ok {
		return fundamentals.SharesResult{Ticker: ticker, Count: sc, Used: preferred}
	}
	return fundamentals.SharesResult{Ticker: ticker, Flags: flags.New(flags.NoShares)}
}

func TestRunAllStages(t *testing.T) {
	store := newMemStore()
	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	market := &fakeMarket{day: day, rows: []ingest.MarketRow{
		{Ticker: "5930", Name: "삼성전자", Market: "KOSPI", ClosePrice: dec("12"), SharesOut: dec("90")},
		{Ticker: "000660", Name: "SK하이닉스", Market: "KOSPI", ClosePrice: dec("20"), SharesOut: dec("100")},
	}}
	used := &fundamentals.Attempt{ReportType: ingest.ReportAnnual, Year: 2024, Basis: ingest.Consolidated}
	resolver := &fakeResolver{
		results: map[string]fundamentals.Result{
			"005930": {Used: used, Equity: dec("1000"), NetIncome: dec("150")},
		},
		shares: map[string]ingest.ShareCount{"005930": {Issued: dec("100"), Treasury: dec("4")}},
	}
	p := newPipeline(store, market, resolver, Settings{Concurrency: 2})
	rate := 0.10
	note := "quarterly"

	rep, err := p.Run(context.Background(), Request{
		AsOf:   time.Date(2026, 1, 4, 15, 0, 0, 0, time.UTC),
		Stages: []int{0, 1, 2, 3},
		Rate:   &rate,
		Note:   &note,
		Params: DefaultParams(),
	})
	require.NoError(t, err)

	assert.Equal(t, sid, rep.SnapshotID)
	require.NotNil(t, rep.TradingDay)
	assert.Equal(t, day, *rep.TradingDay)
	assert.Equal(t, 2, rep.MarketRows)
	require.NotNil(t, rep.Fundamentals)
	assert.Equal(t, Stage2Summary{Tickers: 2, Resolved: 1, FundamentalRows: 2, SharesUpdated: 1}, *rep.Fundamentals)
	require.NotNil(t, rep.Valuation)
	assert.Equal(t, 2, rep.Valuation.RowsConsidered)
	assert.Equal(t, models.RateSourceManual, rep.Valuation.RateSource)

	assert.Equal(t, "quarterly", *store.snapshots[sid].Note)
	assert.Equal(t, day, store.tickers["005930"].LastSeenDate)
	assert.True(t, decimal.NewFromInt(100).Equal(*store.markets[key(sid, "005930")].SharesOut))
	assert.True(t, decimal.NewFromInt(4).Equal(*store.markets[key(sid, "005930")].TreasuryShares))

	fund := store.funds[key(sid, "000660")]
	assert.Nil(t, fund.EquityParent)
	assert.Equal(t, true, fund.DataQuality["FLAG_NO_FS"])
	assert.Equal(t, true, fund.DataQuality["FLAG_NO_SHARES"])

	good, _ := store.result(sid, "005930")
	assert.InDelta(t, 15.0, *good.FairPrice, 1e-9)
	bad, _ := store.result(sid, "000660")
	assert.Nil(t, bad.FairPrice)
	assert.Contains(t, bad.Flags, "FLAG_NO_FS")
	assert.Equal(t, 1, rep.Valuation.Quality[quality.Exclude])
}

func TestStage2BoundsConcurrency(t *testing.T) {
	store := newMemStore()
	resolver := &fakeResolver{}
	p := newPipeline(store, nil, resolver, Settings{Concurrency: 3})

	tickers := make([]string, 20)
	for i := range tickers {
		tickers[i] = NormalizeTicker(string(rune('1' + i%9)))
	}
	sum, err := p.Stage2(context.Background(), sid, time.Now(), tickers)
	require.NoError(t, err)

	assert.Equal(t, 20, sum.Tickers)
	assert.LessOrEqual(t, resolver.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, resolver.peak.Load(), int32(1))
}

func TestRunRejectsStage2WithoutStage1(t *testing.T) {
	p := newPipeline(newMemStore(), nil, &fakeResolver{}, Settings{})

	_, err := p.Run(context.Background(), Request{Stages: []int{2, 3}})
	assert.ErrorIs(t, err, ErrStageOrder)

	_, err = p.Run(context.Background(), Request{Stages: []int{4}})
	assert.Error(t, err)
}

func TestStage0RejectsBadRate(t *testing.T) {
	store := newMemStore()
	p := newPipeline(store, nil, nil, Settings{})
	zero := 0.0

	err := p.Stage0(context.Background(), sid, time.Now(), &zero, "", nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Empty(t, store.snapshots)
}

func TestStage0TagsRateSource(t *testing.T) {
	store := newMemStore()
	p := newPipeline(store, nil, nil, Settings{})
	rate := 0.09

	require.NoError(t, p.Stage0(context.Background(), sid, time.Now(), &rate, models.RateSourceDefault, nil))
	assert.Equal(t, models.RateSourceDefault, store.rates[sid].Source)

	require.NoError(t, p.Stage0(context.Background(), sid, time.Now(), &rate, "", nil))
	assert.Equal(t, models.RateSourceManual, store.rates[sid].Source)
}

func TestNewParams(t *testing.T) {
	p := NewParams(valuation.Options{Persistence: 0.6, ClampNegativeResidual: false}, 0.085)
	assert.Equal(t, Params{Persistence: 0.6, DefaultRate: 0.085}, p)
	assert.Equal(t, NewParams(valuation.DefaultOptions(), 0.10), DefaultParams())
}

func TestNormalizeTicker(t *testing.T) {
	assert.Equal(t, "005930", NormalizeTicker("5930"))
	assert.Equal(t, "005930", NormalizeTicker(" 005930 "))
	assert.Equal(t, "000660", NormalizeTicker("660"))
}
