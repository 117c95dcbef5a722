package ingest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoData means the provider answered but has nothing for the request (DART status 013).
	ErrNoData = errors.New("no data")
	// ErrRateLimited means the provider refused the call because of request limits.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient marks failures worth backing off from before the next call.
	ErrTransient = errors.New("transient failure")
)

// IsTransient reports whether err should be followed by a backoff pause.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// Basis is the consolidation basis of a financial statement.
type Basis string

const (
	Consolidated Basis = "CFS"
	Standalone   Basis = "OFS"
)

// Report codes used by DART.
const (
	ReportAnnual    = "11011"
	ReportHalf      = "11012"
	ReportQ1        = "11013"
	ReportQ3        = "11014"
	statusOK        = "000"
	statusNoData    = "013"
	statusRateLimit = "020"
)

// StatusError is a non-OK status in a DART response body.
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("DART status=%s, message=%s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case statusNoData:
		return ErrNoData
	case statusRateLimit:
		return ErrRateLimited
	case "800", "900":
		return ErrTransient
	}
	return nil
}

// dartResponse is the envelope of DART JSON endpoints.
// The list holds one object per row; keys differ per endpoint.
type dartResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	List    []map[string]any `json:"list"`
}

// krxResponse is the envelope of the KRX market data JSON endpoint.
type krxResponse struct {
	OutBlock []map[string]any `json:"OutBlock_1"`
}

// CorpCode maps a listed stock code to DART's internal corporation code.
type CorpCode struct {
	CorpCode  string `xml:"corp_code"`
	CorpName  string `xml:"corp_name"`
	StockCode string `xml:"stock_code"`
}

// AccountRow is one line of a financial statement (fnlttSinglAcntAll).
type AccountRow struct {
	StatementDiv string // BS, IS, CIS, CF, SCE
	AccountID    string // e.g. ifrs-full_Equity
	AccountName  string
	Amount       *decimal.Decimal // current term
}

// ShareCount is the share breakdown of one filing (stockTotqySttus), common stock only.
type ShareCount struct {
	Issued   *decimal.Decimal
	Treasury *decimal.Decimal
	Float    *decimal.Decimal
}

// Empty reports whether no share figure was found.
func (s ShareCount) Empty() bool {
	return s.Issued == nil && s.Treasury == nil && s.Float == nil
}

// MarketRow is one ticker of the KRX daily market table.
type MarketRow struct {
	Ticker     string
	Name       string
	Market     string
	Sector     string
	ClosePrice *decimal.Decimal
	MarketCap  *decimal.Decimal
	SharesOut  *decimal.Decimal
}
