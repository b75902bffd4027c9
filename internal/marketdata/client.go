// Package marketdata fetches midpoint and book prices for Polymarket
// conditions over the public Gamma/CLOB REST surface.
//
// The client wraps resty with a short timeout and a single retry, and is
// rate-limited through a token bucket so the price monitor's polling loop
// cannot exceed the public read limits. All endpoints here are
// unauthenticated reads.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Prices is the per-condition price snapshot the monitor marks positions
// against. YesPrice and NoPrice are midpoints for the two outcome tokens;
// BestBid is the executable exit price on the Yes side.
type Prices struct {
	ConditionID string    `json:"conditionId"`
	YesPrice    float64   `json:"yesPrice"`
	NoPrice     float64   `json:"noPrice"`
	BestBid     float64   `json:"bestBid"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// marketResponse is the subset of the Gamma markets payload we read.
type marketResponse struct {
	ConditionID   string   `json:"condition_id"`
	OutcomePrices []string `json:"outcome_prices"`
	BestBid       float64  `json:"best_bid"`
}

// Client is the read-only market data client.
type Client struct {
	http   *resty.Client
	rl     *TokenBucket
	logger *slog.Logger
}

// NewClient creates a price client against the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5*time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(250*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewTokenBucket(150, 15), // 1500 per 10s read window
		logger: logger.With("component", "marketdata"),
	}
}

// Prices fetches the current outcome prices for one condition.
func (c *Client) Prices(ctx context.Context, conditionID string) (*Prices, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result marketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("condition_id", conditionID).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get prices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get prices: status %d: %s", resp.StatusCode(), resp.String())
	}

	p := &Prices{
		ConditionID: conditionID,
		BestBid:     result.BestBid,
		FetchedAt:   time.Now().UTC(),
	}
	if len(result.OutcomePrices) >= 1 {
		p.YesPrice, err = strconv.ParseFloat(result.OutcomePrices[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parse yes price %q: %w", result.OutcomePrices[0], err)
		}
	}
	if len(result.OutcomePrices) >= 2 {
		p.NoPrice, err = strconv.ParseFloat(result.OutcomePrices[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parse no price %q: %w", result.OutcomePrices[1], err)
		}
	}
	return p, nil
}

// PriceForOutcome returns the mark for the named outcome ("Yes" or "No").
// Unknown outcomes fall back to the Yes midpoint.
func (p *Prices) PriceForOutcome(outcome string) float64 {
	if outcome == "No" {
		return p.NoPrice
	}
	return p.YesPrice
}
