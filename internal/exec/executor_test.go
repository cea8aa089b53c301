package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dn-hedge-bot/internal/backoff"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockBackend struct {
	mu          sync.Mutex
	submits     int
	failSubmits int
	signature   string
	outcome     Outcome
	confirmErr  error
}

func (m *mockBackend) Submit(ctx context.Context, order Order) (string, error) {
	_ = ctx
	_ = order
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.submits <= m.failSubmits {
		return "", errors.New("rpc timeout")
	}
	return m.signature, nil
}

func (m *mockBackend) Confirm(ctx context.Context, signature string, timeout time.Duration) (Outcome, error) {
	_ = ctx
	_ = signature
	_ = timeout
	if m.confirmErr != nil {
		return OutcomeUnknown, m.confirmErr
	}
	return m.outcome, nil
}

func testCoordinator(backend Backend, store *memoryStore, onConfirmed func(context.Context, Order, Result)) *Coordinator {
	return NewCoordinator(backend, store, backoff.New(3, time.Millisecond, 2), time.Second, onConfirmed, zap.NewNop())
}

func TestExecuteConfirmedRunsHook(t *testing.T) {
	backend := &mockBackend{signature: "sig-1", outcome: OutcomeConfirmed}
	hookCalls := 0
	c := testCoordinator(backend, newMemoryStore(), func(ctx context.Context, order Order, res Result) {
		hookCalls++
		if res.Signature != "sig-1" {
			t.Fatalf("hook signature = %s", res.Signature)
		}
	})

	res, err := c.Execute(context.Background(), Order{Market: "SOL-PERP", IsBuy: false, Size: 2, ClientOrderID: "r-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if hookCalls != 1 {
		t.Fatalf("hook calls = %d, want 1", hookCalls)
	}
}

func TestExecuteRetriesTransientSubmit(t *testing.T) {
	backend := &mockBackend{signature: "sig-1", outcome: OutcomeConfirmed, failSubmits: 2}
	c := testCoordinator(backend, nil, nil)

	if _, err := c.Execute(context.Background(), Order{Market: "SOL-PERP", Size: 1}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if backend.submits != 3 {
		t.Fatalf("submits = %d, want 3", backend.submits)
	}
}

func TestExecuteIdempotentPerClientOrderID(t *testing.T) {
	store := newMemoryStore()
	backend := &mockBackend{signature: "sig-1", outcome: OutcomeConfirmed}
	c := testCoordinator(backend, store, nil)

	order := Order{Market: "SOL-PERP", IsBuy: true, Size: 1, ClientOrderID: "abc"}
	if _, err := c.Execute(context.Background(), order); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := c.Execute(context.Background(), order); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if backend.submits != 1 {
		t.Fatalf("submits = %d, want 1", backend.submits)
	}

	// Fresh coordinator over the same store picks up the persisted record.
	backend2 := &mockBackend{signature: "sig-2", outcome: OutcomeConfirmed}
	c2 := testCoordinator(backend2, store, nil)
	res, err := c2.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("restart execute: %v", err)
	}
	if res.Signature != "sig-1" {
		t.Fatalf("signature = %s, want persisted sig-1", res.Signature)
	}
	if backend2.submits != 0 {
		t.Fatalf("submits after restart = %d, want 0", backend2.submits)
	}
}

func TestExecuteRejectedIsNotRetried(t *testing.T) {
	backend := &rejectingBackend{}
	c := testCoordinator(backend, nil, nil)

	res, err := c.Execute(context.Background(), Order{Market: "SOL-PERP", Size: 1})
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if backend.submits != 1 {
		t.Fatalf("submits = %d, want 1", backend.submits)
	}
}

type rejectingBackend struct {
	submits int
}

func (b *rejectingBackend) Submit(ctx context.Context, order Order) (string, error) {
	b.submits++
	return "", &RejectedError{Reason: "insufficient margin"}
}

func (b *rejectingBackend) Confirm(ctx context.Context, signature string, timeout time.Duration) (Outcome, error) {
	return OutcomeRejected, nil
}

func TestExecuteUnknownOutcomeIsTerminal(t *testing.T) {
	store := newMemoryStore()
	backend := &mockBackend{signature: "sig-1", confirmErr: context.DeadlineExceeded}
	hookCalls := 0
	c := testCoordinator(backend, store, func(context.Context, Order, Result) { hookCalls++ })

	res, err := c.Execute(context.Background(), Order{Market: "SOL-PERP", Size: 1, ClientOrderID: "u-1"})
	if res.Outcome != OutcomeUnknown {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	var unknown *UnknownOutcomeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownOutcomeError, got %v", err)
	}
	if hookCalls != 0 {
		t.Fatal("hook must not run on unknown outcome")
	}
	// The idempotency record is dropped so a reconciled resubmit is fresh.
	if _, ok, _ := store.Get(context.Background(), "cloid:u-1"); ok {
		t.Fatal("signature record should be dropped on unknown outcome")
	}
}

func TestPaperBackendFillsAtMarkWithCosts(t *testing.T) {
	backend := NewPaperBackend(func(market string) (float64, error) {
		return 100, nil
	}, 10, 5, zap.NewNop())

	sig, err := backend.Submit(context.Background(), Order{Market: "SOL-PERP", IsBuy: true, Size: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	outcome, err := backend.Confirm(context.Background(), sig, time.Second)
	if err != nil || outcome != OutcomeConfirmed {
		t.Fatalf("confirm = %s, %v", outcome, err)
	}
	price, fee, ok := backend.Fill(sig)
	if !ok {
		t.Fatal("fill not recorded")
	}
	if price != 100.1 {
		t.Fatalf("buy price = %v, want 100.1", price)
	}
	if diff := fee - 0.10010; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("fee = %v, want 0.10010", fee)
	}

	sig2, err := backend.Submit(context.Background(), Order{Market: "SOL-PERP", IsBuy: false, Size: 2})
	if err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	sellPrice, _, _ := backend.Fill(sig2)
	if sellPrice != 99.9 {
		t.Fatalf("sell price = %v, want 99.9", sellPrice)
	}
}
