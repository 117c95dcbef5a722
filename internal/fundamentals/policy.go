package fundamentals

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mauv0809/snapval/internal/ingest"
)

// Attempt is one (report type, fiscal year, basis) lookup.
type Attempt struct {
	ReportType string
	Year       int
	Basis      ingest.Basis
}

// String renders the attempt as used in attempt flag keys, e.g. "11011_2024_CFS".
func (a Attempt) String() string {
	if a.Basis == "" {
		return fmt.Sprintf("%s_%d", a.ReportType, a.Year)
	}
	return fmt.Sprintf("%s_%d_%s", a.ReportType, a.Year, a.Basis)
}

// Policy is the fallback search order and its pacing. It is fixed per run and
// handed to the resolver at construction.
type Policy struct {
	// ReportTypes in preference order.
	ReportTypes []string
	// YearOffsets are subtracted from the as-of year, in preference order.
	YearOffsets []int
	// Bases in preference order for each (report type, year) pair.
	Bases []ingest.Basis
	// Backoff is the pause after a failed attempt that was not a plain "no data".
	Backoff time.Duration
	// MaxAbsAmount discards implausible statement amounts. Zero disables the check.
	MaxAbsAmount decimal.Decimal
}

// DefaultPolicy tries the annual report first, then Q3, half-year and Q1.
// Years go Y-2, Y-3, then Y-1 last: early in the year the latest annual
// report is usually not filed yet.
func DefaultPolicy() Policy {
	return Policy{
		ReportTypes:  []string{ingest.ReportAnnual, ingest.ReportQ3, ingest.ReportHalf, ingest.ReportQ1},
		YearOffsets:  []int{2, 3, 1},
		Bases:        []ingest.Basis{ingest.Consolidated, ingest.Standalone},
		Backoff:      200 * time.Millisecond,
		MaxAbsAmount: decimal.New(1, 18),
	}
}

// Years returns the candidate fiscal years for a run as of asOf.
func (p Policy) Years(asOf time.Time) []int {
	years := make([]int, 0, len(p.YearOffsets))
	for _, off := range p.YearOffsets {
		years = append(years, asOf.Year()-off)
	}
	return years
}

// Candidates lists every statement lookup in search order: report type,
// then year, then basis.
func (p Policy) Candidates(asOf time.Time) []Attempt {
	years := p.Years(asOf)
	out := make([]Attempt, 0, len(p.ReportTypes)*len(years)*len(p.Bases))
	for _, rt := range p.ReportTypes {
		for _, y := range years {
			for _, b := range p.Bases {
				out = append(out, Attempt{ReportType: rt, Year: y, Basis: b})
			}
		}
	}
	return out
}

// ShareCandidates lists share-count lookups, which have no basis. The
// preferred (report type, year) comes first when given.
func (p Policy) ShareCandidates(asOf time.Time, preferred *Attempt) []Attempt {
	var out []Attempt
	seen := make(map[Attempt]bool)
	add := func(a Attempt) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if preferred != nil {
		add(Attempt{ReportType: preferred.ReportType, Year: preferred.Year})
	}
	for _, rt := range p.ReportTypes {
		for _, y := range p.Years(asOf) {
			add(Attempt{ReportType: rt, Year: y})
		}
	}
	return out
}

// Validate rejects policies that cannot produce a candidate.
func (p Policy) Validate() error {
	if len(p.ReportTypes) == 0 {
		return fmt.Errorf("no report types configured")
	}
	if len(p.YearOffsets) == 0 {
		return fmt.Errorf("no candidate years configured")
	}
	if len(p.Bases) == 0 {
		return fmt.Errorf("no consolidation bases configured")
	}
	if p.Backoff < 0 {
		return fmt.Errorf("backoff cannot be negative")
	}
	return nil
}
