// Package flags defines the closed set of data-quality and computation flags
// attached to fundamentals and valuation records.
//
// Inside the pipeline a flag is a Kind plus an optional payload. At the storage
// and API boundary a Set is rendered as a flat JSON object keyed by the
// FLAG_* names used in the persisted rows.
package flags

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Kind identifies one flag.
type Kind int

const (
	// Sourcing: terminal failures of the fundamentals resolver.
	BadTicker Kind = iota + 1
	NoCorpCode
	NoFinancialStatements
	// Sourcing: degraded but usable.
	EquitySubstituted
	NetIncomeSubstituted
	NoShares
	AttemptFailed

	// Valuation: blocking preconditions.
	MissingInput
	EquityNonPositive
	SharesNonPositive
	DiscountRateNonPositive

	// Valuation: policy and advisory.
	NegativeResidualClamped
	BadMarketPrice
	ROENegative
	ROEBelowRate

	// Assembly of the result row.
	MissingSharesOut
	MissingEquity
	MissingNetIncome
	SuspiciousNumeric
	FinanceOrHolding
	InvalidFormat

	// Explanatory values.
	ResidualIncomeTotal
	PVResidualTotal
	MarketPriceUsed
	PersistenceUsed
	ROEMethod
	ReportCodeUsed
	Consolidated
	FiscalYearUsed
	CompanyName
)

// AttemptPrefix starts the key of every AttemptFailed flag.
const AttemptPrefix = "ERR_"

var keys = map[Kind]string{
	BadTicker:               "FLAG_BAD_TICKER",
	NoCorpCode:              "FLAG_NO_CORP_CODE",
	NoFinancialStatements:   "FLAG_NO_FS",
	EquitySubstituted:       "FLAG_EQUITY_SUB_TOTAL_EQUITY",
	NetIncomeSubstituted:    "FLAG_NI_SUB_NET_INCOME",
	NoShares:                "FLAG_NO_SHARES",
	MissingInput:            "FLAG_MISSING_INPUT",
	EquityNonPositive:       "FLAG_EQUITY_NON_POSITIVE",
	SharesNonPositive:       "FLAG_SHARES_NON_POSITIVE",
	DiscountRateNonPositive: "FLAG_DISCOUNT_RATE_NON_POSITIVE",
	NegativeResidualClamped: "FLAG_NEGATIVE_RESIDUAL_CLAMPED",
	BadMarketPrice:          "FLAG_BAD_MARKET_PRICE",
	ROENegative:             "FLAG_ROE_NEGATIVE",
	ROEBelowRate:            "FLAG_ROE_BELOW_R",
	MissingSharesOut:        "FLAG_MISSING_SHARES_OUT",
	MissingEquity:           "FLAG_MISSING_EQUITY",
	MissingNetIncome:        "FLAG_MISSING_NET_INCOME",
	SuspiciousNumeric:       "FLAG_SUSPICIOUS_NUMERIC",
	FinanceOrHolding:        "FLAG_FINANCE_OR_HOLDING",
	InvalidFormat:           "FLAG_INVALID_FLAGS_FORMAT",
	ResidualIncomeTotal:     "residual_income_total",
	PVResidualTotal:         "pv_residual_total",
	MarketPriceUsed:         "market_price_used",
	PersistenceUsed:         "persistence_used",
	ROEMethod:               "roe_method",
	ReportCodeUsed:          "report_code_used",
	Consolidated:            "is_consolidated",
	FiscalYearUsed:          "fs_year_used",
	CompanyName:             "name",
}

var kindsByKey = func() map[string]Kind {
	m := make(map[string]Kind, len(keys))
	for k, v := range keys {
		m[v] = k
	}
	return m
}()

// String returns the boundary key of the kind. AttemptFailed has no fixed key.
func (k Kind) String() string {
	if k == AttemptFailed {
		return AttemptPrefix + "*"
	}
	if s, ok := keys[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKey maps a boundary key back to its kind.
func ParseKey(key string) (Kind, bool) {
	if strings.HasPrefix(key, AttemptPrefix) {
		return AttemptFailed, true
	}
	k, ok := kindsByKey[key]
	return k, ok
}

// ParseKeys maps configured key names to kinds, failing on the first unknown name.
func ParseKeys(names []string) ([]Kind, error) {
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k, ok := ParseKey(strings.TrimSpace(n))
		if !ok {
			return nil, fmt.Errorf("unknown flag key %q", n)
		}
		out = append(out, k)
	}
	return out, nil
}

// Flag is one entry of a Set.
type Flag struct {
	Kind Kind
	// Attempt names the failed lookup for AttemptFailed flags, e.g. "11011_2024_CFS".
	Attempt string
	Value   any
}

// Key is the boundary key of the flag.
func (f Flag) Key() string {
	if f.Kind == AttemptFailed {
		return AttemptPrefix + f.Attempt
	}
	return keys[f.Kind]
}

// Set is an insertion-ordered collection of flags, unique by key.
// The zero value is ready to use. A Set is a value: copies never observe each
// other's writes.
type Set struct {
	items []Flag
}

// New builds a set holding the given boolean flags.
func New(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s.Add(k)
	}
	return s
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	return Set{items: slices.Clone(s.items)}
}

// put writes f, replacing an entry with the same key. The backing array may be
// shared with copies of s, so every write goes to a fresh one.
func (s *Set) put(f Flag) {
	key := f.Key()
	for i := range s.items {
		if s.items[i].Key() == key {
			items := slices.Clone(s.items)
			items[i] = f
			s.items = items
			return
		}
	}
	n := len(s.items)
	s.items = append(s.items[:n:n], f)
}

// Add records a boolean flag.
func (s *Set) Add(k Kind) {
	s.put(Flag{Kind: k, Value: true})
}

// AddValue records a flag carrying an explanatory value.
func (s *Set) AddValue(k Kind, v any) {
	s.put(Flag{Kind: k, Value: v})
}

// AddAttempt records a failed lookup attempt and its error text.
func (s *Set) AddAttempt(attempt string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.put(Flag{Kind: AttemptFailed, Attempt: attempt, Value: msg})
}

// Merge copies every flag of o into s; later values win on key collisions.
func (s *Set) Merge(o Set) {
	for _, f := range o.items {
		s.put(f)
	}
}

// Has reports whether a flag of kind k is present.
func (s Set) Has(k Kind) bool {
	for _, f := range s.items {
		if f.Kind == k {
			return true
		}
	}
	return false
}

// Get returns the value of the first flag of kind k.
func (s Set) Get(k Kind) (any, bool) {
	for _, f := range s.items {
		if f.Kind == k {
			return f.Value, true
		}
	}
	return nil, false
}

// Len returns the number of flags.
func (s Set) Len() int { return len(s.items) }

// Flags returns a copy of the flags in insertion order.
func (s Set) Flags() []Flag {
	out := make([]Flag, len(s.items))
	copy(out, s.items)
	return out
}

// Attempts returns the keys of AttemptFailed flags in the order they were recorded.
func (s Set) Attempts() []string {
	var out []string
	for _, f := range s.items {
		if f.Kind == AttemptFailed {
			out = append(out, f.Key())
		}
	}
	return out
}

// Map renders the set in its boundary form.
func (s Set) Map() map[string]any {
	m := make(map[string]any, len(s.items))
	for _, f := range s.items {
		m[f.Key()] = f.Value
	}
	return m
}

// FromMap parses a boundary map. Keys that are not part of the enumeration are
// returned separately, sorted, so callers can decide whether to keep them.
func FromMap(m map[string]any) (Set, []string) {
	var (
		s       Set
		unknown []string
	)
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, key := range names {
		k, ok := ParseKey(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		f := Flag{Kind: k, Value: m[key]}
		if k == AttemptFailed {
			f.Attempt = strings.TrimPrefix(key, AttemptPrefix)
		}
		s.put(f)
	}
	return s, unknown
}
