package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Position struct {
	Market            string  `json:"market"`
	Size              float64 `json:"size"`
	MarkPrice         float64 `json:"mark_price"`
	EntryPrice        float64 `json:"entry_price"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
}

// AccountState is the venue-reported truth the local ledger reconciles
// against.
type AccountState struct {
	Collateral   float64    `json:"collateral"`
	UnsettledPnL float64    `json:"unsettled_pnl"`
	SpotBalance  float64    `json:"spot_balance"`
	Positions    []Position `json:"positions"`
	ObservedAt   time.Time  `json:"-"`
}

// AccountProvider supplies authoritative collateral and positions for a
// subaccount.
type AccountProvider interface {
	AccountState(ctx context.Context, subaccount string) (AccountState, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// OrderRequest is the venue order payload. LimitPrice is the aggressive
// marketable limit the engine quotes at, never a resting price.
type OrderRequest struct {
	Market        string  `json:"market"`
	IsBuy         bool    `json:"is_buy"`
	Size          float64 `json:"size"`
	LimitPrice    float64 `json:"limit_price"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"cloid,omitempty"`
}

type OrderAck struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
}

type accountRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type orderStatusRequest struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
}

func (c *Client) AccountState(ctx context.Context, subaccount string) (AccountState, error) {
	var state AccountState
	req := accountRequest{Type: "accountState", User: subaccount}
	if err := c.post(ctx, "/info", req, &state); err != nil {
		return AccountState{}, err
	}
	state.ObservedAt = time.Now().UTC()
	return state, nil
}

// PlaceOrder submits one order and returns the venue acknowledgement. The
// signature in the ack is the handle for later status queries.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var ack OrderAck
	if err := c.post(ctx, "/exchange", req, &ack); err != nil {
		return OrderAck{}, err
	}
	return ack, nil
}

// OrderStatus reports the venue-side status for a submitted signature.
func (c *Client) OrderStatus(ctx context.Context, signature string) (string, error) {
	var resp orderStatusResponse
	req := orderStatusRequest{Type: "orderStatus", Signature: signature}
	if err := c.post(ctx, "/info", req, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
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
