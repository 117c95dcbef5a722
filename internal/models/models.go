package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rate sources.
const (
	RateSourceManual  = "manual"
	RateSourceDefault = "default"
)

type Ticker struct {
	Ticker       string    `json:"ticker"`
	Name         string    `json:"name"`
	Market       string    `json:"market"`
	Sector       string    `json:"sector"`
	LastSeenDate time.Time `json:"last_seen_date"`
}

type Snapshot struct {
	SnapshotID string    `json:"snapshot_id"` // e.g. 2026Q1
	AsOfDate   time.Time `json:"as_of_date"`
	Note       *string   `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}

type DiscountRate struct {
	SnapshotID string    `json:"snapshot_id"`
	Rate       float64   `json:"rate"`
	Source     string    `json:"source"` // manual, default
	AsOfDate   time.Time `json:"as_of_date"`
}

type MarketRecord struct {
	SnapshotID     string           `json:"snapshot_id"`
	Ticker         string           `json:"ticker"`
	ClosePrice     *decimal.Decimal `json:"close_price"`
	MarketCap      *decimal.Decimal `json:"market_cap"`
	SharesOut      *decimal.Decimal `json:"shares_out"`
	TreasuryShares *decimal.Decimal `json:"treasury_shares"`
	FloatShares    *decimal.Decimal `json:"float_shares"`
}

// ShareCount is the issued / treasury / float breakdown reported in filings.
type ShareCount struct {
	Ticker   string           `json:"ticker"`
	Issued   *decimal.Decimal `json:"shares_out"`
	Treasury *decimal.Decimal `json:"treasury_shares"`
	Float    *decimal.Decimal `json:"float_shares"`
}

// FundamentalRecord is produced for every ticker of a snapshot, even when
// sourcing failed; the numeric fields are then nil and DataQuality says why.
type FundamentalRecord struct {
	SnapshotID      string           `json:"snapshot_id"`
	Ticker          string           `json:"ticker"`
	FiscalYear      *int             `json:"fs_year"`
	ReportCode      *string          `json:"report_code"`
	IsConsolidated  *bool            `json:"is_consolidated"`
	EquityParent    *decimal.Decimal `json:"equity_parent"`
	NetIncomeParent *decimal.Decimal `json:"net_income_parent"`
	DataQuality     map[string]any   `json:"data_quality"`
}

// CalcRow joins the market and fundamental records of one ticker.
type CalcRow struct {
	SnapshotID      string
	Ticker          string
	Name            string
	Sector          string
	MarketPrice     *decimal.Decimal
	SharesOut       *decimal.Decimal
	EquityParent    *decimal.Decimal
	NetIncomeParent *decimal.Decimal
	// DataQuality is the decoded data_quality column. It should be a JSON
	// object but is read as any value so a malformed one can be reported.
	DataQuality any
}

type ValuationResult struct {
	SnapshotID   string         `json:"snapshot_id"`
	Ticker       string         `json:"ticker"`
	BPS          *float64       `json:"bps"`
	ROE          *float64       `json:"roe"`
	DiscountRate *float64       `json:"discount_rate"`
	FairPrice    *float64       `json:"fair_price"`
	GapPct       *float64       `json:"gap_pct"`
	Flags        map[string]any `json:"flags"`
	ComputedAt   time.Time      `json:"computed_at"`
}

// SnapshotStatus counts the rows stored for one snapshot.
type SnapshotStatus struct {
	SnapshotID   string        `json:"snapshot_id"`
	Markets      int           `json:"market_rows"`
	Fundamentals int           `json:"fundamental_rows"`
	Results      int           `json:"result_rows"`
	DiscountRate *DiscountRate `json:"discount_rate,omitempty"`
	LastComputed *time.Time    `json:"last_computed_at,omitempty"`
}
