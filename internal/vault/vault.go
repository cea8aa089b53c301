package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/backoff"
	"dn-hedge-bot/internal/events"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const ledgerKeyPrefix = "vault:ledger:"

const journalCategory = "vault_sync"

// ErrTradingDisabled is returned while the ledger is out of sync with venue
// truth; it clears only on a successful resync.
var ErrTradingDisabled = errors.New("trading disabled: vault ledger out of sync")

// Ledger is the local capital view. Owned exclusively by the Synchronizer;
// everything else reads copies.
type Ledger struct {
	FreeCollateral  float64   `json:"free_collateral"`
	DeployedCapital float64   `json:"deployed_capital"`
	LastSyncAt      time.Time `json:"last_sync_at"`
	SyncFailures    int       `json:"sync_failures"`
}

// SyncFailure is broadcast once when retries are exhausted.
type SyncFailure struct {
	Vault    string    `json:"vault" msgpack:"vault"`
	Reason   string    `json:"reason" msgpack:"reason"`
	Attempts int       `json:"attempts" msgpack:"attempts"`
	At       time.Time `json:"at" msgpack:"at"`
}

// Synchronizer reconciles one vault's ledger against the venue after every
// capital-affecting event and on a periodic schedule. Mutations are
// serialized: no two capital-affecting operations for the same vault run
// concurrently.
type Synchronizer struct {
	name       string
	subaccount string
	provider   venue.AccountProvider
	store      state.Store
	journal    state.Journal
	bus        *events.Bus
	notifier   *alerts.Notifier
	policy     backoff.Policy
	attemptTTL time.Duration
	log        *zap.Logger

	mu       sync.Mutex
	ledger   Ledger
	account  venue.AccountState
	disabled atomic.Bool
	notified atomic.Bool
}

func NewSynchronizer(name, subaccount string, provider venue.AccountProvider, store state.Store, journal state.Journal, bus *events.Bus, notifier *alerts.Notifier, policy backoff.Policy, attemptTTL time.Duration, log *zap.Logger) *Synchronizer {
	return &Synchronizer{
		name:       name,
		subaccount: subaccount,
		provider:   provider,
		store:      store,
		journal:    journal,
		bus:        bus,
		notifier:   notifier,
		policy:     policy,
		attemptTTL: attemptTTL,
		log:        log,
	}
}

// Restore loads the persisted ledger so cooldown-style guarantees survive a
// restart. A missing record is not an error.
func (s *Synchronizer) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	raw, ok, err := s.store.Get(ctx, ledgerKeyPrefix+s.name)
	if err != nil || !ok {
		return err
	}
	var ledger Ledger
	if err := json.Unmarshal([]byte(raw), &ledger); err != nil {
		return fmt.Errorf("corrupt ledger record: %w", err)
	}
	s.mu.Lock()
	s.ledger = ledger
	s.mu.Unlock()
	return nil
}

// Sync fetches authoritative account state with bounded retries. Exhausted
// retries disable trading for this vault and emit a SyncFailure exactly
// once; the ledger keeps its last known-good capital values.
func (s *Synchronizer) Sync(ctx context.Context, reason string) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acct venue.AccountState
	err := s.policy.Retry(ctx, func(ctx context.Context) error {
		attemptCtx := ctx
		if s.attemptTTL > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.attemptTTL)
			defer cancel()
		}
		var err error
		acct, err = s.provider.AccountState(attemptCtx, s.subaccount)
		return err
	})
	if err != nil {
		s.ledger.SyncFailures++
		s.disabled.Store(true)
		s.log.Error("vault sync failed, trading disabled",
			zap.String("vault", s.name),
			zap.String("reason", reason),
			zap.Int("sync_failures", s.ledger.SyncFailures),
			zap.Error(err),
		)
		if s.notified.CompareAndSwap(false, true) {
			failure := SyncFailure{
				Vault:    s.name,
				Reason:   fmt.Sprintf("%s: %v", reason, err),
				Attempts: s.policy.MaxAttempts,
				At:       time.Now().UTC(),
			}
			if s.bus != nil {
				s.bus.Publish(events.EngineError, failure)
			}
			if s.journal != nil {
				if jerr := s.journal.Append(ctx, journalCategory, failure); jerr != nil {
					s.log.Warn("failed to journal sync failure", zap.Error(jerr))
				}
			}
			if s.notifier != nil {
				s.notifier.SyncFailure(ctx, s.name, failure.Attempts, failure.Reason)
			}
		}
		return s.ledger, fmt.Errorf("vault sync: %w", err)
	}

	deployed := 0.0
	for _, p := range acct.Positions {
		deployed += math.Abs(p.Size * p.MarkPrice)
	}
	s.ledger.DeployedCapital = deployed
	s.ledger.FreeCollateral = math.Max(0, acct.Collateral-deployed)
	s.ledger.LastSyncAt = time.Now().UTC()
	s.ledger.SyncFailures = 0
	s.account = acct
	s.disabled.Store(false)
	s.notified.Store(false)
	if err := s.persist(ctx); err != nil {
		s.log.Warn("failed to persist ledger", zap.Error(err))
	}
	s.log.Info("vault synced",
		zap.String("vault", s.name),
		zap.String("reason", reason),
		zap.Float64("free_collateral", s.ledger.FreeCollateral),
		zap.Float64("deployed_capital", s.ledger.DeployedCapital),
	)
	return s.ledger, nil
}

func (s *Synchronizer) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	payload, err := json.Marshal(s.ledger)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, ledgerKeyPrefix+s.name, string(payload))
}

// Snapshot returns a copy of the current ledger.
func (s *Synchronizer) Snapshot() Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

// AccountSnapshot is the last venue state a successful sync observed.
func (s *Synchronizer) AccountSnapshot() venue.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Synchronizer) TradingEnabled() bool {
	return !s.disabled.Load()
}

// Guard is checked before any capital-affecting operation.
func (s *Synchronizer) Guard() error {
	if s.disabled.Load() {
		return ErrTradingDisabled
	}
	return nil
}
