package exec

import (
	"context"
	"fmt"
	"time"

	"dn-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// OrderAPI is the slice of the venue client the live backend needs.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error)
	OrderStatus(ctx context.Context, signature string) (string, error)
}

// LiveBackend routes orders to the venue and polls for their terminal
// status. A confirmation window that closes without a terminal status is
// reported as unknown, never as rejected.
type LiveBackend struct {
	api  OrderAPI
	poll time.Duration
	log  *zap.Logger
}

func NewLiveBackend(api OrderAPI, poll time.Duration, log *zap.Logger) *LiveBackend {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &LiveBackend{api: api, poll: poll, log: log}
}

func (b *LiveBackend) Submit(ctx context.Context, order Order) (string, error) {
	ack, err := b.api.PlaceOrder(ctx, venue.OrderRequest{
		Market:        order.Market,
		IsBuy:         order.IsBuy,
		Size:          order.Size,
		LimitPrice:    order.LimitPrice,
		ReduceOnly:    order.ReduceOnly,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		return "", err
	}
	if ack.Status == "rejected" {
		return "", &RejectedError{Reason: fmt.Sprintf("venue rejected %s order on %s", side(order.IsBuy), order.Market)}
	}
	return ack.Signature, nil
}

func (b *LiveBackend) Confirm(ctx context.Context, signature string, timeout time.Duration) (Outcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		status, err := b.api.OrderStatus(ctx, signature)
		if err != nil {
			b.log.Warn("order status poll failed", zap.String("signature", signature), zap.Error(err))
		} else {
			switch status {
			case "filled":
				return OutcomeConfirmed, nil
			case "rejected", "canceled":
				return OutcomeRejected, nil
			}
		}
		if time.Now().After(deadline) {
			return OutcomeUnknown, nil
		}
		select {
		case <-ctx.Done():
			return OutcomeUnknown, nil
		case <-ticker.C:
		}
	}
}

func side(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}
