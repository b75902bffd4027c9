package marketdata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("condition_id"); got != "0xc1" {
			t.Errorf("condition_id = %q, want %q", got, "0xc1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"condition_id":"0xc1","outcome_prices":["0.62","0.38"],"best_bid":0.61}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	p, err := c.Prices(context.Background(), "0xc1")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}

	if p.YesPrice != 0.62 {
		t.Errorf("YesPrice = %v, want 0.62", p.YesPrice)
	}
	if p.NoPrice != 0.38 {
		t.Errorf("NoPrice = %v, want 0.38", p.NoPrice)
	}
	if p.BestBid != 0.61 {
		t.Errorf("BestBid = %v, want 0.61", p.BestBid)
	}
	if p.PriceForOutcome("No") != 0.38 {
		t.Errorf("PriceForOutcome(No) = %v, want 0.38", p.PriceForOutcome("No"))
	}
	if p.PriceForOutcome("Yes") != 0.62 {
		t.Errorf("PriceForOutcome(Yes) = %v, want 0.62", p.PriceForOutcome("Yes"))
	}
}

func TestPricesRetriesOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"condition_id":"0xc1","outcome_prices":["0.5","0.5"],"best_bid":0.49}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	p, err := c.Prices(context.Background(), "0xc1")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
	if p.YesPrice != 0.5 {
		t.Errorf("YesPrice = %v, want 0.5", p.YesPrice)
	}
}

func TestPricesBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if _, err := c.Prices(context.Background(), "0xmissing"); err == nil {
		t.Fatal("expected error on 404, got nil")
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}

	// Bucket is empty; the next token takes ~10ms at 100/s.
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait after drain: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("Wait returned after %v, expected to block for refill", elapsed)
	}
}

func TestTokenBucketRespectsContext(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001)
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); err == nil {
		t.Fatal("expected context error on drained bucket, got nil")
	}
}
