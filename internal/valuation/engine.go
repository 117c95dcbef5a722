// Package valuation implements the residual-income fair price model.
//
//	BPS        = equity / shares
//	ROE        = net income / equity
//	residual   = (ROE - r) * equity
//	PV         = residual / r * persistence
//	fair price = (equity + PV) / shares
//	gap %      = (fair price / market price - 1) * 100
package valuation

import "github.com/mauv0809/snapval/internal/flags"

// Input holds the per-entity figures. Nil means the figure is unavailable.
type Input struct {
	Equity       *float64
	NetIncome    *float64
	Shares       *float64
	MarketPrice  *float64
	DiscountRate *float64
}

// Options are the run-wide model settings.
type Options struct {
	// Persistence in [0,1] scales the perpetual residual income; 1 is full perpetuity.
	Persistence float64
	// ClampNegativeResidual floors negative residual income at zero.
	ClampNegativeResidual bool
}

// DefaultOptions returns full persistence with clamping on.
func DefaultOptions() Options {
	return Options{Persistence: 1.0, ClampNegativeResidual: true}
}

// Output is the valuation of one entity. Derived figures are nil when a
// precondition failed; Flags then carries exactly one blocking flag.
type Output struct {
	BPS       *float64
	ROE       *float64
	Spread    *float64
	FairPrice *float64
	GapPct    *float64
	Flags     flags.Set
}

// Blocking lists the flags that stop a computation.
var Blocking = []flags.Kind{
	flags.MissingInput,
	flags.EquityNonPositive,
	flags.SharesNonPositive,
	flags.DiscountRateNonPositive,
}

func rejected(k flags.Kind) Output {
	return Output{Flags: flags.New(k)}
}

// Compute values one entity. It has no side effects.
func Compute(in Input, opts Options) Output {
	if in.Equity == nil || in.NetIncome == nil || in.Shares == nil || in.DiscountRate == nil {
		return rejected(flags.MissingInput)
	}
	equity, ni, shares, r := *in.Equity, *in.NetIncome, *in.Shares, *in.DiscountRate

	// NaN fails every comparison below, so reject it explicitly as missing.
	if equity != equity || ni != ni || shares != shares || r != r {
		return rejected(flags.MissingInput)
	}
	if equity <= 0 {
		return rejected(flags.EquityNonPositive)
	}
	if shares <= 0 {
		return rejected(flags.SharesNonPositive)
	}
	if r <= 0 {
		return rejected(flags.DiscountRateNonPositive)
	}

	var out Output
	bps := equity / shares
	roe := ni / equity
	spread := roe - r

	residual := spread * equity
	out.Flags.AddValue(flags.ResidualIncomeTotal, residual)
	if opts.ClampNegativeResidual && residual < 0 {
		out.Flags.Add(flags.NegativeResidualClamped)
		residual = 0
	}

	pv := residual / r * opts.Persistence
	out.Flags.AddValue(flags.PVResidualTotal, pv)

	fair := (equity + pv) / shares

	out.BPS = &bps
	out.ROE = &roe
	out.Spread = &spread
	out.FairPrice = &fair

	if in.MarketPrice != nil && *in.MarketPrice > 0 {
		gap := (fair / *in.MarketPrice - 1) * 100
		out.GapPct = &gap
	} else {
		out.Flags.Add(flags.BadMarketPrice)
	}

	if roe < 0 {
		out.Flags.Add(flags.ROENegative)
	}
	if spread < 0 {
		out.Flags.Add(flags.ROEBelowRate)
	}
	return out
}
