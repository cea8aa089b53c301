package exec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PaperBackend simulates fills against live marks without touching the
// venue. Buys pay slippage above mark, sells below, and every fill is
// charged the taker fee on notional.
type PaperBackend struct {
	mark        func(market string) (float64, error)
	slippageBps float64
	feeBps      float64
	log         *zap.Logger

	mu    sync.Mutex
	seq   int
	fills map[string]paperFill
}

type paperFill struct {
	order  Order
	price  float64
	feeUSD float64
	at     time.Time
}

func NewPaperBackend(mark func(market string) (float64, error), slippageBps, feeBps float64, log *zap.Logger) *PaperBackend {
	return &PaperBackend{
		mark:        mark,
		slippageBps: slippageBps,
		feeBps:      feeBps,
		log:         log,
		fills:       make(map[string]paperFill),
	}
}

func (b *PaperBackend) Submit(ctx context.Context, order Order) (string, error) {
	if order.Size <= 0 {
		return "", &RejectedError{Reason: "non-positive size"}
	}
	mark, err := b.mark(order.Market)
	if err != nil {
		return "", fmt.Errorf("mark price: %w", err)
	}
	if mark <= 0 {
		return "", &RejectedError{Reason: "no mark price for " + order.Market}
	}

	slip := mark * b.slippageBps / 10000
	price := mark + slip
	if !order.IsBuy {
		price = mark - slip
	}
	notional := math.Abs(order.Size) * price
	fee := notional * b.feeBps / 10000

	b.mu.Lock()
	b.seq++
	signature := fmt.Sprintf("paper-%d", b.seq)
	b.fills[signature] = paperFill{order: order, price: price, feeUSD: fee, at: time.Now().UTC()}
	b.mu.Unlock()

	b.log.Info("paper fill",
		zap.String("market", order.Market),
		zap.Bool("is_buy", order.IsBuy),
		zap.Float64("size", order.Size),
		zap.Float64("price", price),
		zap.Float64("fee_usd", fee),
	)
	return signature, nil
}

func (b *PaperBackend) Confirm(ctx context.Context, signature string, timeout time.Duration) (Outcome, error) {
	b.mu.Lock()
	_, ok := b.fills[signature]
	b.mu.Unlock()
	if !ok {
		return OutcomeRejected, nil
	}
	return OutcomeConfirmed, nil
}

// Fill exposes the simulated fill so the coordinator can report price and
// fees on the confirmed result.
func (b *PaperBackend) Fill(signature string) (float64, float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.fills[signature]
	if !ok {
		return 0, 0, false
	}
	return f.price, f.feeUSD, true
}
