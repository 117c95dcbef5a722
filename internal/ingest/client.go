package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	dartBaseURL      = "https://opendart.fss.or.kr/api"
	defaultTimeout   = 60 * time.Second
	defaultRateLimit = 5 // requests per second; DART allows roughly 20k calls a day
)

// DARTClient is a rate-limited client for the Open DART disclosure API.
// It is safe for concurrent use.
type DARTClient struct {
	apiKey     string
	baseURL    string
	cachePath  string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logrus.FieldLogger

	mu    sync.Mutex
	codes map[string]string // stock code -> corp code
}

// Option configures a client.
type Option func(*options)

type options struct {
	baseURL    string
	cachePath  string
	rateLimit  float64
	httpClient *http.Client
	log        logrus.FieldLogger
}

func WithBaseURL(u string) Option            { return func(o *options) { o.baseURL = u } }
func WithCorpCodeCache(path string) Option   { return func(o *options) { o.cachePath = path } }
func WithRateLimit(perSecond float64) Option { return func(o *options) { o.rateLimit = perSecond } }
func WithHTTPClient(c *http.Client) Option   { return func(o *options) { o.httpClient = c } }
func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.log = l } }

func buildOptions(base string, opts []Option) options {
	o := options{
		baseURL:   base,
		rateLimit: defaultRateLimit,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		log: logrus.StandardLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.rateLimit <= 0 {
		o.rateLimit = defaultRateLimit
	}
	return o
}

func newLimiter(perSecond float64) *rate.Limiter {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// NewDARTClient creates a new DART API client.
func NewDARTClient(apiKey string, opts ...Option) *DARTClient {
	o := buildOptions(dartBaseURL, opts)
	return &DARTClient{
		apiKey:     apiKey,
		baseURL:    o.baseURL,
		cachePath:  o.cachePath,
		httpClient: o.httpClient,
		limiter:    newLimiter(o.rateLimit),
		log:        o.log,
	}
}

// get performs one rate-limited GET and returns the body. There is no retry
// here: callers walk their own fallback list instead.
func (c *DARTClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u, err := url.Parse(c.baseURL + "/" + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("crtfc_key", c.apiKey)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return do(c.httpClient, req)
}

// do executes req and maps transport and status failures onto the package errors.
func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, fmt.Errorf("executing request: %w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w: %w", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w (429)", ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *DARTClient) getList(ctx context.Context, endpoint string, params url.Values) ([]map[string]any, error) {
	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var resp dartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if resp.Status != statusOK {
		return nil, &StatusError{Status: resp.Status, Message: resp.Message}
	}
	return resp.List, nil
}

// FetchFinancialStatements fetches the full account list of one filing.
// An empty result is returned as ErrNoData.
func (c *DARTClient) FetchFinancialStatements(ctx context.Context, corpCode string, year int, reportCode string, basis Basis) ([]AccountRow, error) {
	list, err := c.getList(ctx, "fnlttSinglAcntAll.json", url.Values{
		"corp_code":  {corpCode},
		"bsns_year":  {strconv.Itoa(year)},
		"reprt_code": {reportCode},
		"fs_div":     {string(basis)},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching statements: %w", err)
	}
	rows := ParseAccounts(list)
	if len(rows) == 0 {
		return nil, fmt.Errorf("fetching statements: %w", ErrNoData)
	}
	return rows, nil
}

// FetchShareCount fetches issued, treasury and float share counts of one filing.
func (c *DARTClient) FetchShareCount(ctx context.Context, corpCode string, year int, reportCode string) (ShareCount, error) {
	list, err := c.getList(ctx, "stockTotqySttus.json", url.Values{
		"corp_code":  {corpCode},
		"bsns_year":  {strconv.Itoa(year)},
		"reprt_code": {reportCode},
	})
	if err != nil {
		return ShareCount{}, fmt.Errorf("fetching share count: %w", err)
	}
	sc := ParseShareCount(list)
	if sc.Empty() {
		return ShareCount{}, fmt.Errorf("fetching share count: %w", ErrNoData)
	}
	return sc, nil
}

// LoadCorpCodes loads the stock code to corp code table, from the on-disk
// cache when present, otherwise from corpCode.xml (a zip archive).
func (c *DARTClient) LoadCorpCodes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes != nil {
		return nil
	}

	data, err := c.readCorpCodeCache()
	if err != nil {
		return err
	}
	if data == nil {
		data, err = c.downloadCorpCodes(ctx)
		if err != nil {
			return err
		}
	}

	list, err := ParseCorpCodes(data)
	if err != nil {
		return err
	}
	codes := make(map[string]string, len(list))
	for _, cc := range list {
		codes[cc.StockCode] = cc.CorpCode
	}
	c.codes = codes
	c.log.WithField("count", len(codes)).Info("Loaded DART corp codes")
	return nil
}

func (c *DARTClient) readCorpCodeCache() ([]byte, error) {
	if c.cachePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.cachePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading corp code cache: %w", err)
	}
	return data, nil
}

func (c *DARTClient) downloadCorpCodes(ctx context.Context) ([]byte, error) {
	body, err := c.get(ctx, "corpCode.xml", nil)
	if err != nil {
		return nil, fmt.Errorf("downloading corp codes: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("opening corp code archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("corp code archive is empty")
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", zr.File[0].Name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", zr.File[0].Name, err)
	}

	if c.cachePath != "" {
		if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err == nil {
			if err := os.WriteFile(c.cachePath, data, 0o644); err != nil {
				c.log.WithError(err).Warn("Could not write corp code cache")
			}
		}
	}
	return data, nil
}

// ResolveCorpCode maps a 6-digit ticker to its DART corp code. Preferred
// shares (last digit not 0) fall back to the common share, 005935 -> 005930.
func (c *DARTClient) ResolveCorpCode(ctx context.Context, ticker string) (string, bool, error) {
	if err := c.LoadCorpCodes(ctx); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if code, ok := c.codes[ticker]; ok {
		return code, true, nil
	}
	if common, ok := commonStockCode(ticker); ok {
		if code, ok := c.codes[common]; ok {
			return code, true, nil
		}
	}
	return "", false, nil
}

func commonStockCode(ticker string) (string, bool) {
	if len(ticker) != 6 || ticker[5] == '0' {
		return "", false
	}
	for _, r := range ticker {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return ticker[:5] + "0", true
}
