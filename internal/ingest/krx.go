package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	krxBaseURL      = "http://data.krx.co.kr"
	krxDataPath     = "/comm/bldAttendant/getJsonData.cmd"
	krxAllPricesBld = "dbms/MDC/STAT/standard/MDCSTAT01501"
	// MarketKOSPI is the KRX market id of the KOSPI board.
	MarketKOSPI = "STK"
)

// KRXClient fetches the daily market-wide price table from KRX.
type KRXClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logrus.FieldLogger
	// backoff is the fixed pause after a transient failure.
	backoff time.Duration
}

// NewKRXClient creates a new KRX market data client.
func NewKRXClient(opts ...Option) *KRXClient {
	o := buildOptions(krxBaseURL, opts)
	return &KRXClient{
		baseURL:    o.baseURL,
		httpClient: o.httpClient,
		limiter:    newLimiter(o.rateLimit),
		log:        o.log,
		backoff:    200 * time.Millisecond,
	}
}

// FetchDay fetches close price, market cap and listed shares of every ticker
// of a market on one day. Holidays return an empty slice. A failed request is
// not repeated; FetchUniverse moves on to the previous day instead.
func (c *KRXClient) FetchDay(ctx context.Context, market string, day time.Time) ([]MarketRow, error) {
	form := url.Values{
		"bld":   {krxAllPricesBld},
		"mktId": {market},
		"trdDd": {day.Format("20060102")},
		"share": {"1"},
		"money": {"1"},
	}
	return c.fetch(ctx, form)
}

func (c *KRXClient) fetch(ctx context.Context, form url.Values) ([]MarketRow, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+krxDataPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL+"/contents/MDC/MDI/mdiLoader")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	body, err := do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	var resp krxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return ParseMarket(resp.OutBlock), nil
}

// FetchUniverse returns the market table of the last trading day on or
// before asOf, looking back at most lookbackDays.
func (c *KRXClient) FetchUniverse(ctx context.Context, market string, asOf time.Time, lookbackDays int) (time.Time, []MarketRow, error) {
	for i := 0; i <= lookbackDays; i++ {
		day := asOf.AddDate(0, 0, -i)
		rows, err := c.FetchDay(ctx, market, day)
		if err != nil {
			if ctx.Err() != nil {
				return time.Time{}, nil, ctx.Err()
			}
			c.log.WithError(err).WithField("day", day.Format("2006-01-02")).Warn("Skipping day")
			if IsTransient(err) {
				select {
				case <-time.After(c.backoff):
				case <-ctx.Done():
					return time.Time{}, nil, ctx.Err()
				}
			}
			continue
		}
		if tradingDay(rows) {
			return day, rows, nil
		}
	}
	return time.Time{}, nil, fmt.Errorf("could not resolve trading day within %d days of %s", lookbackDays, asOf.Format("2006-01-02"))
}

// tradingDay reports whether at least one row carries a close price.
func tradingDay(rows []MarketRow) bool {
	for _, r := range rows {
		if r.ClosePrice != nil && r.ClosePrice.IsPositive() {
			return true
		}
	}
	return false
}
