// Package snapshot identifies a computation run and freezes its discount rate.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mauv0809/snapval/internal/models"
)

// ErrNoDiscountRate aborts a run: no stored rate and no usable default.
var ErrNoDiscountRate = errors.New("no discount rate for snapshot")

// IDFor returns the quarter id of a date, e.g. 2026-01-04 -> "2026Q1".
func IDFor(t time.Time) string {
	q := (int(t.Month())-1)/3 + 1
	return fmt.Sprintf("%dQ%d", t.Year(), q)
}

// RateLoader reads the stored discount rate of a snapshot.
// It returns ok=false when none is stored.
type RateLoader interface {
	LoadDiscountRate(ctx context.Context, snapshotID string) (models.DiscountRate, bool, error)
}

// Context is the frozen identity of one run. Build it with Resolve and pass it
// by value; nothing in it changes while the run lasts.
type Context struct {
	SnapshotID   string
	AsOf         time.Time
	DiscountRate float64
	RateSource   string
}

// Resolve reads the discount rate of snapshotID exactly once. A stored rate
// wins; otherwise defaultRate is used if it is positive and finite.
func Resolve(ctx context.Context, loader RateLoader, snapshotID string, asOf time.Time, defaultRate float64) (Context, error) {
	if snapshotID == "" {
		snapshotID = IDFor(asOf)
	}
	c := Context{SnapshotID: snapshotID, AsOf: asOf}

	stored, ok, err := loader.LoadDiscountRate(ctx, snapshotID)
	if err != nil {
		return Context{}, fmt.Errorf("loading discount rate for %s: %w", snapshotID, err)
	}
	if ok && usable(stored.Rate) {
		c.DiscountRate = stored.Rate
		c.RateSource = stored.Source
		if asOf.IsZero() {
			c.AsOf = stored.AsOfDate
		}
		return c, nil
	}

	if !usable(defaultRate) {
		return Context{}, fmt.Errorf("%w %s", ErrNoDiscountRate, snapshotID)
	}
	c.DiscountRate = defaultRate
	c.RateSource = models.RateSourceDefault
	return c, nil
}

func usable(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// Rate returns a copy of the frozen rate, for use as a valuation input.
func (c Context) Rate() *float64 {
	r := c.DiscountRate
	return &r
}
