package fundamentals

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mauv0809/snapval/internal/ingest"
)

// account describes how to find one line item: by IFRS account id first,
// then by label substrings in priority order, within the given statements.
type account struct {
	ids        []string
	labels     []string
	statements []string
}

var (
	equityParent = account{
		ids:        []string{"ifrs-full_EquityAttributableToOwnersOfParent"},
		labels:     []string{"지배기업소유주지분", "지배기업의소유주에게귀속되는자본", "지배주주지분"},
		statements: []string{"BS"},
	}
	equityTotal = account{
		ids:        []string{"ifrs-full_Equity"},
		labels:     []string{"자본총계"},
		statements: []string{"BS"},
	}
	netIncomeParent = account{
		ids: []string{"ifrs-full_ProfitLossAttributableToOwnersOfParent"},
		labels: []string{
			"지배기업소유주지분당기순이익",
			"지배기업의소유주에게귀속되는당기순이익",
			"지배기업소유주지분순이익",
			"지배주주순이익",
		},
		statements: []string{"IS", "CIS"},
	}
	netIncomeTotal = account{
		ids:        []string{"ifrs-full_ProfitLoss"},
		labels:     []string{"당기순이익"},
		statements: []string{"IS", "CIS"},
	}
)

func (a account) inStatement(div string) bool {
	if div == "" {
		return true
	}
	for _, s := range a.statements {
		if s == div {
			return true
		}
	}
	return false
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// pick returns the first usable amount for the account. Amounts above max in
// absolute value are ignored.
func (a account) pick(rows []ingest.AccountRow, max decimal.Decimal) *decimal.Decimal {
	usable := func(r ingest.AccountRow) bool {
		if r.Amount == nil || !a.inStatement(r.StatementDiv) {
			return false
		}
		return max.IsZero() || r.Amount.Abs().LessThanOrEqual(max)
	}
	for _, id := range a.ids {
		for _, r := range rows {
			if r.AccountID == id && usable(r) {
				return r.Amount
			}
		}
	}
	for _, label := range a.labels {
		for _, r := range rows {
			if strings.Contains(compact(r.AccountName), label) && usable(r) {
				return r.Amount
			}
		}
	}
	return nil
}
