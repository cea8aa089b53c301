package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the market view the engine consumes. Oracle price is the
// venue's external reference; mark is what positions are valued at.
type Snapshot struct {
	Market      string
	MarkPrice   float64
	FundingRate float64
	OraclePrice float64
	ObservedAt  time.Time
}

// Provider supplies mark prices, funding and oracle data. Consumed, not
// built here; the REST client below is the default implementation.
type Provider interface {
	Snapshot(ctx context.Context, market string) (Snapshot, error)
	// Latency reports the most recent round-trip time, fed to the
	// network-health gate.
	Latency() time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger

	mu      sync.RWMutex
	latency time.Duration
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type snapshotRequest struct {
	Type   string `json:"type"`
	Market string `json:"market"`
}

type snapshotResponse struct {
	MarkPrice   float64 `json:"mark_price"`
	FundingRate float64 `json:"funding_rate"`
	OraclePrice float64 `json:"oracle_price"`
}

func (c *Client) Snapshot(ctx context.Context, market string) (Snapshot, error) {
	var resp snapshotResponse
	start := time.Now()
	if err := c.post(ctx, "/info", snapshotRequest{Type: "marketSnapshot", Market: market}, &resp); err != nil {
		return Snapshot{}, err
	}
	c.observeLatency(time.Since(start))
	return Snapshot{
		Market:      market,
		MarkPrice:   resp.MarkPrice,
		FundingRate: resp.FundingRate,
		OraclePrice: resp.OraclePrice,
		ObservedAt:  time.Now().UTC(),
	}, nil
}

func (c *Client) Latency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

func (c *Client) observeLatency(d time.Duration) {
	c.mu.Lock()
	c.latency = d
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
