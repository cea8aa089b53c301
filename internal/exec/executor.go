package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dn-hedge-bot/internal/backoff"
	"dn-hedge-bot/internal/state"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeUnknown   Outcome = "UNKNOWN"
)

type Order struct {
	Market        string
	IsBuy         bool
	Size          float64
	LimitPrice    float64
	ReduceOnly    bool
	ClientOrderID string
}

type Result struct {
	Signature string
	Outcome   Outcome
	FillPrice float64
	FeeUSD    float64
}

// RejectedError marks a pre-flight or simulation failure. It is terminal:
// the backend will never accept this order as submitted, so the coordinator
// surfaces it immediately instead of retrying.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "order rejected: " + e.Reason
}

// UnknownOutcomeError marks a confirmation timeout with no definitive venue
// status. Retrying could double-execute, so it is terminal and flagged for
// manual reconciliation.
type UnknownOutcomeError struct {
	Signature string
}

func (e *UnknownOutcomeError) Error() string {
	return "outcome unknown for " + e.Signature + ", manual reconciliation required"
}

// Backend is the venue-specific submission surface.
type Backend interface {
	Submit(ctx context.Context, order Order) (string, error)
	Confirm(ctx context.Context, signature string, timeout time.Duration) (Outcome, error)
}

// Coordinator submits gated orders, polls confirmation, classifies the
// outcome, and runs the onConfirmed hook for confirmed fills. Submissions
// are idempotent per client order id: a replayed order returns the cached
// signature instead of hitting the backend again.
type Coordinator struct {
	backend        Backend
	store          state.Store
	policy         backoff.Policy
	confirmTimeout time.Duration
	onConfirmed    func(ctx context.Context, order Order, res Result)
	log            *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func NewCoordinator(backend Backend, store state.Store, policy backoff.Policy, confirmTimeout time.Duration, onConfirmed func(ctx context.Context, order Order, res Result), log *zap.Logger) *Coordinator {
	return &Coordinator{
		backend:        backend,
		store:          store,
		policy:         policy,
		confirmTimeout: confirmTimeout,
		onConfirmed:    onConfirmed,
		log:            log,
		cache:          make(map[string]string),
	}
}

// Execute runs the full submit-confirm cycle for one order. The returned
// Result always carries the classified outcome; err is non-nil for every
// outcome other than OutcomeConfirmed.
func (c *Coordinator) Execute(ctx context.Context, order Order) (Result, error) {
	signature, err := c.submit(ctx, order)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			c.log.Warn("order rejected pre-flight",
				zap.String("market", order.Market),
				zap.String("reason", rejected.Reason),
			)
			return Result{Outcome: OutcomeRejected}, err
		}
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("submit: %w", err)
	}

	outcome, err := c.backend.Confirm(ctx, signature, c.confirmTimeout)
	if err != nil || outcome == OutcomeUnknown {
		c.log.Error("order outcome unknown",
			zap.String("market", order.Market),
			zap.String("signature", signature),
			zap.Error(err),
		)
		c.forget(ctx, order.ClientOrderID)
		return Result{Signature: signature, Outcome: OutcomeUnknown}, &UnknownOutcomeError{Signature: signature}
	}
	if outcome == OutcomeRejected {
		c.forget(ctx, order.ClientOrderID)
		return Result{Signature: signature, Outcome: OutcomeRejected}, &RejectedError{Reason: "venue rejected " + signature}
	}

	res := Result{Signature: signature, Outcome: OutcomeConfirmed}
	if filled, ok := c.backend.(interface{ Fill(signature string) (float64, float64, bool) }); ok {
		if price, fee, found := filled.Fill(signature); found {
			res.FillPrice = price
			res.FeeUSD = fee
		}
	}
	c.log.Info("order confirmed",
		zap.String("market", order.Market),
		zap.String("signature", signature),
		zap.Float64("size", order.Size),
		zap.Bool("is_buy", order.IsBuy),
	)
	if c.onConfirmed != nil {
		c.onConfirmed(ctx, order, res)
	}
	return res, nil
}

func (c *Coordinator) submit(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return c.submitWithRetry(ctx, order)
	}
	cacheKey := "cloid:" + order.ClientOrderID
	c.mu.Lock()
	if sig, ok := c.cache[cacheKey]; ok {
		c.mu.Unlock()
		return sig, nil
	}
	c.mu.Unlock()
	if c.store != nil {
		if sig, ok, err := c.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			c.mu.Lock()
			c.cache[cacheKey] = sig
			c.mu.Unlock()
			return sig, nil
		}
	}
	signature, err := c.submitWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	if c.store != nil {
		if err := c.store.Set(ctx, cacheKey, signature); err != nil {
			c.log.Warn("failed to persist signature", zap.Error(err))
		}
	}
	c.mu.Lock()
	c.cache[cacheKey] = signature
	c.mu.Unlock()
	return signature, nil
}

func (c *Coordinator) submitWithRetry(ctx context.Context, order Order) (string, error) {
	var signature string
	err := c.policy.Retry(ctx, func(ctx context.Context) error {
		sig, err := c.backend.Submit(ctx, order)
		if err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		if sig == "" {
			return backoff.Permanent(errors.New("empty signature"))
		}
		signature = sig
		return nil
	})
	if err != nil {
		return "", err
	}
	return signature, nil
}

// forget drops the idempotency record so a deliberate resubmission after
// operator reconciliation gets a fresh attempt.
func (c *Coordinator) forget(ctx context.Context, clientOrderID string) {
	if clientOrderID == "" {
		return
	}
	cacheKey := "cloid:" + clientOrderID
	c.mu.Lock()
	delete(c.cache, cacheKey)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, cacheKey); err != nil {
			c.log.Warn("failed to drop signature record", zap.Error(err))
		}
	}
}
