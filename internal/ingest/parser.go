package ingest

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// getString safely extracts a string from a row object.
func getString(row map[string]any, col string) string {
	v, ok := row[col]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprintf("%v", v)
}

// getDecimal safely extracts an amount. Providers send comma-grouped strings
// and use "-" or "" for absent values.
func getDecimal(row map[string]any, col string) *decimal.Decimal {
	v, ok := row[col]
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case float64:
		d := decimal.NewFromFloat(x)
		return &d
	case string:
		return parseAmount(x)
	}
	return nil
}

func parseAmount(s string) *decimal.Decimal {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" {
		return nil
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	if neg {
		d = d.Neg()
	}
	return &d
}

// ParseAccounts parses the list of fnlttSinglAcntAll into account rows.
func ParseAccounts(list []map[string]any) []AccountRow {
	rows := make([]AccountRow, 0, len(list))
	for _, row := range list {
		ar := AccountRow{
			StatementDiv: getString(row, "sj_div"),
			AccountID:    getString(row, "account_id"),
			AccountName:  getString(row, "account_nm"),
			Amount:       getDecimal(row, "thstrm_amount"),
		}
		if ar.Amount == nil {
			ar.Amount = getDecimal(row, "thstrm_add_amount")
		}
		if ar.AccountName != "" || ar.AccountID != "" {
			rows = append(rows, ar)
		}
	}
	return rows
}

// ParseShareCount picks the common-stock line of stockTotqySttus.
// Falls back to the total line when no common-stock line exists.
func ParseShareCount(list []map[string]any) ShareCount {
	var total, common map[string]any
	for _, row := range list {
		se := strings.ReplaceAll(getString(row, "se"), " ", "")
		switch {
		case strings.Contains(se, "보통주"):
			common = row
		case strings.Contains(se, "합계") && total == nil:
			total = row
		}
	}
	row := common
	if row == nil {
		row = total
	}
	if row == nil {
		return ShareCount{}
	}
	return ShareCount{
		Issued:   getDecimal(row, "istc_totqy"),
		Treasury: getDecimal(row, "tesstk_co"),
		Float:    getDecimal(row, "distb_stock_co"),
	}
}

// ParseMarket parses the KRX daily table. Rows without a ticker are skipped.
func ParseMarket(list []map[string]any) []MarketRow {
	rows := make([]MarketRow, 0, len(list))
	for _, row := range list {
		mr := MarketRow{
			Ticker:     getString(row, "ISU_SRT_CD"),
			Name:       getString(row, "ISU_ABBRV"),
			Market:     getString(row, "MKT_NM"),
			Sector:     getString(row, "SECT_TP_NM"),
			ClosePrice: getDecimal(row, "TDD_CLSPRC"),
			MarketCap:  getDecimal(row, "MKTCAP"),
			SharesOut:  getDecimal(row, "LIST_SHRS"),
		}
		if mr.Ticker != "" {
			rows = append(rows, mr)
		}
	}
	return rows
}

// ParseCorpCodes parses CORPCODE.xml, keeping listed companies only and
// zero-padding codes to their fixed widths.
func ParseCorpCodes(data []byte) ([]CorpCode, error) {
	var doc struct {
		List []CorpCode `xml:"list"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing corp codes: %w", err)
	}
	out := make([]CorpCode, 0, len(doc.List))
	for _, c := range doc.List {
		c.StockCode = strings.TrimSpace(c.StockCode)
		if c.StockCode == "" {
			continue
		}
		c.StockCode = padLeft(c.StockCode, 6)
		c.CorpCode = padLeft(strings.TrimSpace(c.CorpCode), 8)
		c.CorpName = strings.TrimSpace(c.CorpName)
		out = append(out, c)
	}
	return out, nil
}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}
