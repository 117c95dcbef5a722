package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mauv0809/snapval/internal/flags"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(nil, nil)

	cases := []struct {
		name    string
		set     flags.Set
		verdict Verdict
		reasons []string
	}{
		{"empty", flags.Set{}, OK, []string{}},
		{"informational only", flags.New(flags.BadMarketPrice, flags.FinanceOrHolding), OK, []string{}},
		{"warn", flags.New(flags.ROENegative, flags.ROEBelowRate), Warn, []string{"FLAG_ROE_BELOW_R", "FLAG_ROE_NEGATIVE"}},
		{"exclude", flags.New(flags.MissingEquity), Exclude, []string{"FLAG_MISSING_EQUITY"}},
		{
			"exclude wins over warn",
			flags.New(flags.ROEBelowRate, flags.NegativeResidualClamped, flags.MissingNetIncome, flags.MissingSharesOut),
			Exclude,
			[]string{"FLAG_MISSING_SHARES_OUT", "FLAG_MISSING_NET_INCOME"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.set)
			assert.Equal(t, tc.verdict, got.Verdict)
			assert.Equal(t, tc.reasons, got.Reasons)
		})
	}
}

func TestClassifyRaw(t *testing.T) {
	c := NewClassifier(nil, nil)

	got := c.ClassifyRaw([]any{"FLAG_MISSING_EQUITY"})
	assert.Equal(t, Result{Verdict: Warn, Reasons: []string{"FLAG_INVALID_FLAGS_FORMAT"}}, got)

	got = c.ClassifyRaw(nil)
	assert.Equal(t, Warn, got.Verdict)

	got = c.ClassifyRaw(map[string]any{"FLAG_ROE_NEGATIVE": true, "FLAG_MISSING_EQUITY": true, "other": 1})
	assert.Equal(t, Exclude, got.Verdict)
	assert.Equal(t, []string{"FLAG_MISSING_EQUITY"}, got.Reasons)

	got = c.ClassifyRaw(map[string]any{"residual_income_total": 1.0})
	assert.Equal(t, OK, got.Verdict)
}

func TestSetsAreConfigurable(t *testing.T) {
	c := NewClassifier([]flags.Kind{flags.BadMarketPrice}, []flags.Kind{flags.FinanceOrHolding})

	assert.Equal(t, Exclude, c.Classify(flags.New(flags.BadMarketPrice)).Verdict)
	assert.Equal(t, Warn, c.Classify(flags.New(flags.FinanceOrHolding)).Verdict)
	assert.Equal(t, OK, c.Classify(flags.New(flags.MissingEquity)).Verdict)
}
