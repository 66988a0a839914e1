// Package fundingclient implements the funding-rate aggregator client:
// it fetches per-venue funding rates from a single HTTP endpoint, normalizes
// them onto a common 8h basis, and memoizes the result for 60 seconds so a
// cycle never hammers the aggregator more than once.
package fundingclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/pkg/apperrors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const cacheTTL = 60 * time.Second

// rawRecord is one entry of the aggregator's `/funding` JSON array.
type rawRecord struct {
	Exchange        string      `json:"exchange"`
	Symbol          string      `json:"symbol"`
	FundingRate     int64       `json:"funding_rate"`
	IntervalHours   int         `json:"interval_hours"`
	OpenInterestUSD json.Number `json:"open_interest_usd"`
}

// Client fetches and caches FundingSnapshots from the aggregator endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     core.ILogger
	pipeline   failsafe.Executor[[]byte]
	limiter    *rate.Limiter

	mu       sync.Mutex
	cached   []domain.FundingSnapshot
	cachedAt time.Time
}

// NewClient builds a Client against baseURL (expected to expose GET
// /funding), making up to 3 attempts (2 retries with 0.5s/1s backoff) on
// transient failures and treating any 4xx response as terminal.
func NewClient(baseURL string, logger core.ILogger) *Client {
	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			if err == nil {
				return false
			}
			return apperrors.Classify(err) == apperrors.KindTransient
		}).
		WithBackoff(500*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger.WithField("component", "fundingclient"),
		pipeline:   failsafe.With[[]byte](retryPolicy),
		// The 60s cache already bounds steady-state traffic; the limiter
		// guards the retry path against hammering a failing aggregator.
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// FetchAll returns every venue's snapshot for every symbol the aggregator
// reports, serving the 60s cache when fresh.
func (c *Client) FetchAll(ctx context.Context) ([]domain.FundingSnapshot, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < cacheTTL {
		snaps := c.cached
		c.mu.Unlock()
		return snaps, nil
	}
	c.mu.Unlock()

	snaps, err := c.fetchAndNormalize(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = snaps
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return snaps, nil
}

// GetRate returns the most recent snapshot for a single (venue, symbol),
// using the same cache as FetchAll.
func (c *Client) GetRate(ctx context.Context, venue, symbol string) (domain.FundingSnapshot, error) {
	snaps, err := c.FetchAll(ctx)
	if err != nil {
		return domain.FundingSnapshot{}, err
	}
	canon := CanonicalSymbol(symbol)
	for _, s := range snaps {
		if s.Venue == venue && s.Symbol == canon {
			return s, nil
		}
	}
	return domain.FundingSnapshot{}, fmt.Errorf("%w: %s@%s", apperrors.ErrNotFound, symbol, venue)
}

// GetRatesBySymbols groups the cached snapshots as symbol -> venue -> snapshot,
// restricted to the requested canonical symbols.
func (c *Client) GetRatesBySymbols(ctx context.Context, symbols []string) (map[string]map[string]domain.FundingSnapshot, error) {
	snaps, err := c.FetchAll(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[CanonicalSymbol(s)] = true
	}

	out := make(map[string]map[string]domain.FundingSnapshot)
	for _, s := range snaps {
		if len(want) > 0 && !want[s.Symbol] {
			continue
		}
		if out[s.Symbol] == nil {
			out[s.Symbol] = make(map[string]domain.FundingSnapshot)
		}
		out[s.Symbol][s.Venue] = s
	}
	return out, nil
}

func (c *Client) fetchAndNormalize(ctx context.Context) ([]domain.FundingSnapshot, error) {
	body, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[[]byte]) ([]byte, error) {
		return c.doGet(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fundingclient: fetch_all: %w", err)
	}

	var records []rawRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: fundingclient: decode response: %v", apperrors.ErrServerError, err)
	}

	snaps := make([]domain.FundingSnapshot, 0, len(records))
	now := time.Now()
	for _, r := range records {
		snaps = append(snaps, normalizeRecord(r, now))
	}
	return snaps, nil
}

func (c *Client) doGet(ctx context.Context) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/funding", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d", apperrors.ErrServerError, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status=%d body=%s", apperrors.ErrBadRequest, resp.StatusCode, string(body))
	}

	return body, nil
}

// normalizeRecord scales the integer funding_rate into a decimal fraction
// and, if the venue's native cadence is shorter than 8h, further scales it
// onto the common 8h settlement basis.
func normalizeRecord(r rawRecord, observedAt time.Time) domain.FundingSnapshot {
	rate := decimal.NewFromInt(r.FundingRate).Div(decimal.NewFromInt(10000))

	interval := r.IntervalHours
	if interval <= 0 {
		interval = 8
	}
	if interval < 8 {
		rate = rate.Mul(decimal.NewFromInt(int64(interval))).Div(decimal.NewFromInt(8))
	}

	snap := domain.FundingSnapshot{
		Venue:         r.Exchange,
		Symbol:        CanonicalSymbol(r.Symbol),
		Rate:          rate,
		IntervalHours: decimal.NewFromInt(int64(interval)),
		ObservedAt:    observedAt,
	}

	if oi, err := r.OpenInterestUSD.Float64(); err == nil && r.OpenInterestUSD != "" {
		snap.OpenInterestUSD = decimal.NewFromFloat(oi)
		snap.HasOpenInterest = true
	}

	return snap
}
