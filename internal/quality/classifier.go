// Package quality turns a flag set into an EXCLUDE / WARN / OK verdict.
package quality

import (
	"github.com/mauv0809/snapval/internal/flags"
)

// Verdict is the three-level quality label.
type Verdict string

const (
	Exclude Verdict = "EXCLUDE"
	Warn    Verdict = "WARN"
	OK      Verdict = "OK"
)

// Result is a verdict and the flag keys that drove it.
type Result struct {
	Verdict Verdict  `json:"verdict"`
	Reasons []string `json:"reasons"`
}

// DefaultExclude are the flags that make a row unusable.
var DefaultExclude = []flags.Kind{
	flags.MissingSharesOut,
	flags.MissingEquity,
	flags.MissingNetIncome,
}

// DefaultWarn are the flags that make a row usable with caution.
var DefaultWarn = []flags.Kind{
	flags.ROEBelowRate,
	flags.ROENegative,
	flags.NegativeResidualClamped,
}

// Classifier holds the configured key sets. Reasons are reported in the
// order the kinds are listed here.
type Classifier struct {
	Exclude []flags.Kind
	Warn    []flags.Kind
}

// NewClassifier returns a classifier with the given sets. Nil sets fall back to the defaults.
func NewClassifier(exclude, warn []flags.Kind) *Classifier {
	if exclude == nil {
		exclude = DefaultExclude
	}
	if warn == nil {
		warn = DefaultWarn
	}
	return &Classifier{Exclude: exclude, Warn: warn}
}

// Classify labels a typed flag set.
func (c *Classifier) Classify(s flags.Set) Result {
	return c.classify(s.Has)
}

// ClassifyRaw labels a decoded boundary value, e.g. the flags column read back
// from storage. Anything other than a JSON object is WARN.
func (c *Classifier) ClassifyRaw(v any) Result {
	m, ok := v.(map[string]any)
	if !ok {
		return Result{Verdict: Warn, Reasons: []string{flags.InvalidFormat.String()}}
	}
	present := make(map[flags.Kind]bool, len(m))
	for key := range m {
		if k, ok := flags.ParseKey(key); ok {
			present[k] = true
		}
	}
	return c.classify(func(k flags.Kind) bool { return present[k] })
}

func (c *Classifier) classify(has func(flags.Kind) bool) Result {
	if reasons := intersect(c.Exclude, has); len(reasons) > 0 {
		return Result{Verdict: Exclude, Reasons: reasons}
	}
	if reasons := intersect(c.Warn, has); len(reasons) > 0 {
		return Result{Verdict: Warn, Reasons: reasons}
	}
	return Result{Verdict: OK, Reasons: []string{}}
}

func intersect(set []flags.Kind, has func(flags.Kind) bool) []string {
	var out []string
	for _, k := range set {
		if has(k) {
			out = append(out, k.String())
		}
	}
	return out
}
