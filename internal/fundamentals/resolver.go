// Package fundamentals finds, for each ticker, the best available equity and
// net income figures by walking an ordered list of (report type, fiscal year,
// consolidation basis) lookups.
package fundamentals

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mauv0809/snapval/internal/flags"
	"github.com/mauv0809/snapval/internal/ingest"
	"github.com/mauv0809/snapval/internal/models"
	"github.com/mauv0809/snapval/internal/sanitize"
)

// Source is the external fundamentals provider.
type Source interface {
	ResolveCorpCode(ctx context.Context, ticker string) (string, bool, error)
	FetchFinancialStatements(ctx context.Context, corpCode string, year int, reportCode string, basis ingest.Basis) ([]ingest.AccountRow, error)
	FetchShareCount(ctx context.Context, corpCode string, year int, reportCode string) (ingest.ShareCount, error)
}

// Result is the outcome of resolving one ticker. It is always populated;
// failures show up in Flags, never as an error.
type Result struct {
	Ticker    string
	CorpCode  string
	Used      *Attempt
	Equity    *decimal.Decimal
	NetIncome *decimal.Decimal
	Flags     flags.Set
}

// Record converts the result to the stored fundamentals row.
func (r Result) Record(snapshotID string) models.FundamentalRecord {
	rec := models.FundamentalRecord{
		SnapshotID:      snapshotID,
		Ticker:          r.Ticker,
		EquityParent:    r.Equity,
		NetIncomeParent: r.NetIncome,
		DataQuality:     sanitize.Map(r.Flags.Map()),
	}
	if r.Used != nil {
		year := r.Used.Year
		code := r.Used.ReportType
		consolidated := r.Used.Basis == ingest.Consolidated
		rec.FiscalYear = &year
		rec.ReportCode = &code
		rec.IsConsolidated = &consolidated
	}
	return rec
}

// SharesResult is the outcome of a share-count lookup.
type SharesResult struct {
	Ticker string
	Count  ingest.ShareCount
	Used   *Attempt
	Flags  flags.Set
}

// Resolver runs the fallback search. It holds no per-ticker state and is safe
// for concurrent use if the Source is.
type Resolver struct {
	src    Source
	policy Policy
	log    logrus.FieldLogger
	wait   func(ctx context.Context, d time.Duration)
}

// NewResolver creates a resolver with a fixed policy.
func NewResolver(src Source, policy Policy, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{
		src:    src,
		policy: policy,
		log:    log,
		wait:   sleep,
	}
}

// Policy returns the resolver's search policy.
func (r *Resolver) Policy() Policy { return r.policy }

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ValidTicker reports whether s is a 6-digit numeric stock code.
func ValidTicker(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// corpCode runs the identifier checks shared by both lookups. ok is false
// when a terminal flag was recorded.
func (r *Resolver) corpCode(ctx context.Context, ticker string, fs *flags.Set) (string, bool) {
	if !ValidTicker(ticker) {
		fs.Add(flags.BadTicker)
		return "", false
	}
	code, found, err := r.src.ResolveCorpCode(ctx, ticker)
	if err != nil {
		fs.AddAttempt("corp_code", err)
	}
	if err != nil || !found {
		fs.Add(flags.NoCorpCode)
		return "", false
	}
	return code, true
}

// afterFailure pauses after transient failures. A plain "no data" answer
// moves straight on to the next candidate.
func (r *Resolver) afterFailure(ctx context.Context, err error) {
	if !ingest.IsTransient(err) {
		return
	}
	r.wait(ctx, r.policy.Backoff)
}

// Resolve finds equity and net income attributable to the controlling
// owners of ticker. The first lookup that returns rows wins; every earlier
// failure is recorded as an attempt flag, in order.
func (r *Resolver) Resolve(ctx context.Context, ticker string, asOf time.Time) Result {
	res := Result{Ticker: ticker}
	log := r.log.WithField("ticker", ticker)

	code, ok := r.corpCode(ctx, ticker, &res.Flags)
	if !ok {
		log.Debug("No corp code for ticker")
		return res
	}
	res.CorpCode = code

	var rows []ingest.AccountRow
	for _, a := range r.policy.Candidates(asOf) {
		got, err := r.src.FetchFinancialStatements(ctx, code, a.Year, a.ReportType, a.Basis)
		if err == nil && len(got) == 0 {
			err = ingest.ErrNoData
		}
		if err != nil {
			res.Flags.AddAttempt(a.String(), err)
			log.WithError(err).WithField("attempt", a.String()).Debug("Statement lookup failed")
			if ctx.Err() != nil {
				break
			}
			r.afterFailure(ctx, err)
			continue
		}
		used := a
		res.Used = &used
		rows = got
		break
	}

	if res.Used == nil {
		res.Flags.Add(flags.NoFinancialStatements)
		log.Info("No financial statements found")
		return res
	}
	res.Flags.AddValue(flags.ReportCodeUsed, res.Used.ReportType)
	res.Flags.AddValue(flags.FiscalYearUsed, res.Used.Year)
	res.Flags.AddValue(flags.Consolidated, res.Used.Basis == ingest.Consolidated)

	max := r.policy.MaxAbsAmount
	res.Equity = equityParent.pick(rows, max)
	if res.Equity == nil {
		if res.Equity = equityTotal.pick(rows, max); res.Equity != nil {
			res.Flags.Add(flags.EquitySubstituted)
		}
	}
	res.NetIncome = netIncomeParent.pick(rows, max)
	if res.NetIncome == nil {
		if res.NetIncome = netIncomeTotal.pick(rows, max); res.NetIncome != nil {
			res.Flags.Add(flags.NetIncomeSubstituted)
		}
	}
	return res
}

// ResolveShares finds issued, treasury and float share counts. The
// (report type, year) that already worked for statements is tried first.
func (r *Resolver) ResolveShares(ctx context.Context, ticker string, asOf time.Time, preferred *Attempt) SharesResult {
	res := SharesResult{Ticker: ticker}

	code, ok := r.corpCode(ctx, ticker, &res.Flags)
	if !ok {
		return res
	}

	for _, a := range r.policy.ShareCandidates(asOf, preferred) {
		sc, err := r.src.FetchShareCount(ctx, code, a.Year, a.ReportType)
		if err == nil && sc.Empty() {
			err = ingest.ErrNoData
		}
		if err != nil {
			res.Flags.AddAttempt("SHARES_"+a.String(), err)
			if ctx.Err() != nil {
				break
			}
			r.afterFailure(ctx, err)
			continue
		}
		used := a
		res.Used = &used
		res.Count = sc
		return res
	}

	res.Flags.Add(flags.NoShares)
	return res
}
