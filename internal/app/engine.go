package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/backoff"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/events"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/liquidation"
	"dn-hedge-bot/internal/market"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/position"
	"dn-hedge-bot/internal/rebalance"
	"dn-hedge-bot/internal/risk"
	"dn-hedge-bot/internal/safety"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/timescale"
	"dn-hedge-bot/internal/vault"
	"dn-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)

const (
	cooldownKey          = "engine:last_rebalance_at"
	fundingIntervalsPday = 24
	submitRetryBase      = 200 * time.Millisecond
)

// Deps are the collaborators the engine is wired with. Everything is
// injected so the loop can be driven against fakes.
type Deps struct {
	Market     market.Provider
	Account    venue.AccountProvider
	Vault      *vault.Synchronizer
	BackendFor func(mode string) (exec.Backend, error)
	Store      state.Store
	Journal    state.Journal
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Notifier   *alerts.Notifier
	Timescale  *timescale.Writer
}

// Engine is the per-vault control loop: one poll-decide-act cycle at a
// fixed interval, with only one decision in flight at a time.
type Engine struct {
	cfg  *config.Config
	log  *zap.Logger
	deps Deps

	monitor    *position.Monitor
	riskEngine *risk.Engine
	limits     *risk.LimitsHolder
	gates      *safety.Chain
	calc       *rebalance.Calculator
	liq        *liquidation.Monitor

	spotReturns *risk.Window
	perpReturns *risk.Window

	mu          sync.Mutex
	running     bool
	mode        string
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	coordinator *exec.Coordinator
	cooldown    rebalance.CooldownState
	lastEquity  float64
	lastSpot    float64
	lastPerp    float64
	lastSync    time.Time
	lastStatus  Status
}

func New(cfg *config.Config, log *zap.Logger, deps Deps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	limits := risk.NewLimitsHolder(risk.Limits{
		MaxLeverage:       cfg.Gates.MaxLeverage,
		MaxDriftPct:       cfg.Engine.DriftTolerancePct,
		MinHealthRatioPct: cfg.Gates.MinHealthRatioPct,
		CooldownSeconds:   cfg.Engine.CooldownSeconds,
		MinTradeSize:      cfg.Engine.MinTradeSize,
	})
	return &Engine{
		cfg:         cfg,
		log:         log,
		deps:        deps,
		monitor:     position.NewMonitor(cfg.Engine.PollInterval, cfg.Engine.DriftTolerancePct),
		riskEngine:  risk.NewEngine(cfg.Risk.WindowSize, cfg.Risk.ConfidenceLevel, cfg.Risk.RiskFreeRate),
		limits:      limits,
		gates:       safety.NewChain(cfg.Gates, log),
		calc:        rebalance.NewCalculator(cfg.Engine.Market, log),
		liq:         liquidation.NewMonitor(cfg.Liquidation, log),
		spotReturns: risk.NewWindow(cfg.Risk.WindowSize),
		perpReturns: risk.NewWindow(cfg.Risk.WindowSize),
	}
}

// Restore loads cross-tick state that must survive a restart: the vault
// ledger and the rebalance cooldown.
func (e *Engine) Restore(ctx context.Context) error {
	if e.deps.Vault != nil {
		if err := e.deps.Vault.Restore(ctx); err != nil {
			return fmt.Errorf("restore vault ledger: %w", err)
		}
	}
	if e.deps.Store == nil {
		return nil
	}
	raw, ok, err := e.deps.Store.Get(ctx, cooldownKey)
	if err != nil || !ok {
		return err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("corrupt cooldown record: %w", err)
	}
	e.mu.Lock()
	e.cooldown.LastRebalanceAt = at
	e.mu.Unlock()
	return nil
}

// ReplaceLimits swaps the operator-set risk limits at runtime.
func (e *Engine) ReplaceLimits(limits risk.Limits) {
	e.limits.Replace(limits)
}

func (e *Engine) StartEngine(ctx context.Context, mode string) error {
	if mode == "" {
		mode = e.cfg.Engine.Mode
	}
	if mode != "paper" && mode != "live" {
		return fmt.Errorf("unknown mode %q", mode)
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	prevDone := e.loopDone
	e.mu.Unlock()
	if prevDone != nil {
		// The previous loop may still be finishing an in-flight
		// confirmation. Only one decision loop per vault may exist.
		<-prevDone
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	backend, err := e.deps.BackendFor(mode)
	if err != nil {
		return err
	}
	e.coordinator = exec.NewCoordinator(
		backend,
		e.deps.Store,
		backoff.New(3, submitRetryBase, 2),
		e.cfg.Engine.ConfirmTimeout,
		e.onConfirmed,
		e.log,
	)
	loopCtx, cancel := context.WithCancel(context.Background())
	e.stopLoop = cancel
	e.loopDone = make(chan struct{})
	e.running = true
	e.mode = mode
	go e.loop(loopCtx)
	e.log.Info("engine started", zap.String("mode", mode), zap.String("market", e.cfg.Engine.Market))
	e.publish(events.EngineStatus, map[string]string{"state": "STARTED", "mode": mode})
	return nil
}

// StopEngine halts scheduling of further cycles. An in-flight confirmation
// wait runs to completion so the trade does not end in an unknown state.
func (e *Engine) StopEngine(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	stop := e.stopLoop
	e.mu.Unlock()
	stop()
	e.log.Info("engine stop requested")
	e.publish(events.EngineStatus, map[string]string{"state": "STOPPED"})
	return nil
}

// onConfirmed runs after every confirmed fill: the ledger is resynced so
// capital accounting never trails venue truth by more than one fill.
func (e *Engine) onConfirmed(ctx context.Context, order exec.Order, res exec.Result) {
	if e.deps.Vault == nil {
		return
	}
	if _, err := e.deps.Vault.Sync(ctx, "trade fill"); err != nil {
		e.log.Error("post-fill vault sync failed", zap.Error(err))
	}
}

func (e *Engine) Deposit(ctx context.Context, amount float64) error {
	e.journal(ctx, "capital_movement", map[string]any{
		"kind":   "deposit",
		"amount": amount,
		"at":     time.Now().UTC(),
	})
	if _, err := e.deps.Vault.Sync(ctx, "deposit"); err != nil {
		return err
	}
	e.publish(events.CommandResult, map[string]any{"command": "DEPOSIT", "amount": amount})
	return nil
}

func (e *Engine) Withdraw(ctx context.Context, amount float64) error {
	if err := e.deps.Vault.Guard(); err != nil {
		return err
	}
	ledger := e.deps.Vault.Snapshot()
	if amount > ledger.FreeCollateral {
		return fmt.Errorf("withdraw $%.2f exceeds free collateral $%.2f", amount, ledger.FreeCollateral)
	}
	e.journal(ctx, "capital_movement", map[string]any{
		"kind":   "withdraw",
		"amount": amount,
		"at":     time.Now().UTC(),
	})
	if _, err := e.deps.Vault.Sync(ctx, "withdraw"); err != nil {
		return err
	}
	e.publish(events.CommandResult, map[string]any{"command": "WITHDRAW", "amount": amount})
	return nil
}

// OpenPosition enters both legs of the hedge: spot long, perp short. A zero
// size is sized from free collateral, half per leg at 1x.
func (e *Engine) OpenPosition(ctx context.Context, marketName string, size float64) error {
	e.mu.Lock()
	coordinator := e.coordinator
	running := e.running
	e.mu.Unlock()
	if !running || coordinator == nil {
		return ErrNotRunning
	}
	if err := e.deps.Vault.Guard(); err != nil {
		return err
	}
	snap, err := e.deps.Market.Snapshot(ctx, marketName)
	if err != nil {
		return fmt.Errorf("market snapshot: %w", err)
	}
	if size <= 0 {
		size = PositionSize(e.deps.Vault.Snapshot().FreeCollateral, snap.MarkPrice)
	}
	if size <= 0 {
		return errors.New("no free collateral to size position")
	}
	acct, err := e.deps.Account.AccountState(ctx, e.cfg.Venue.Subaccount)
	if err != nil {
		return fmt.Errorf("account state: %w", err)
	}
	posSnap := buildSnapshot(snap, acct)
	posMetrics := position.DeriveMetrics(posSnap)

	notional := 2 * size * snap.MarkPrice
	tc := e.tradeContext(ctx, snap, notional, "operator")
	tc.ProjectedLeverage = projectedLeverage(posSnap, posMetrics, &rebalance.HedgeTrade{Side: rebalance.SideSell, Size: 2 * size})
	tc.ProjectedHealthPct = projectedHealth(posSnap, posMetrics, &rebalance.HedgeTrade{Side: rebalance.SideSell, Size: size})
	if result := e.gates.Validate(tc); !result.Passed {
		e.deps.Metrics.GateRejections.Inc()
		return result.Err()
	}

	clientID := fmt.Sprintf("open-%s-%d", marketName, time.Now().UTC().UnixNano())
	spotLeg := exec.Order{
		Market:        marketName,
		IsBuy:         true,
		Size:          size,
		LimitPrice:    snap.MarkPrice,
		ClientOrderID: clientID + "-spot",
	}
	if _, err := coordinator.Execute(ctx, spotLeg); err != nil {
		return fmt.Errorf("spot leg: %w", err)
	}
	perpLeg := exec.Order{
		Market:        marketName,
		IsBuy:         false,
		Size:          size,
		LimitPrice:    snap.MarkPrice,
		ClientOrderID: clientID + "-perp",
	}
	if _, err := coordinator.Execute(ctx, perpLeg); err != nil {
		return fmt.Errorf("perp leg: %w", err)
	}
	e.log.Info("opened delta-neutral position",
		zap.String("market", marketName),
		zap.Float64("size_per_leg", size),
	)
	e.publish(events.CommandResult, map[string]any{"command": "OPEN_POSITION", "market": marketName, "size": size})
	return nil
}

func (e *Engine) ClosePosition(ctx context.Context, marketName string) error {
	e.mu.Lock()
	coordinator := e.coordinator
	running := e.running
	e.mu.Unlock()
	if !running || coordinator == nil {
		return ErrNotRunning
	}
	acct, err := e.deps.Account.AccountState(ctx, e.cfg.Venue.Subaccount)
	if err != nil {
		return fmt.Errorf("account state: %w", err)
	}
	snap, err := e.deps.Market.Snapshot(ctx, marketName)
	if err != nil {
		return fmt.Errorf("market snapshot: %w", err)
	}
	clientID := fmt.Sprintf("close-%s-%d", marketName, time.Now().UTC().UnixNano())
	if acct.SpotBalance > 0 {
		sell := exec.Order{
			Market:        marketName,
			IsBuy:         false,
			Size:          acct.SpotBalance,
			LimitPrice:    snap.MarkPrice,
			ClientOrderID: clientID + "-spot",
		}
		if _, err := coordinator.Execute(ctx, sell); err != nil {
			return fmt.Errorf("spot leg: %w", err)
		}
	}
	for _, pos := range acct.Positions {
		if pos.Market != marketName || pos.Size == 0 {
			continue
		}
		buyBack := exec.Order{
			Market:        marketName,
			IsBuy:         pos.Size < 0,
			Size:          math.Abs(pos.Size),
			LimitPrice:    snap.MarkPrice,
			ReduceOnly:    true,
			ClientOrderID: fmt.Sprintf("%s-perp-%s", clientID, pos.Market),
		}
		if _, err := coordinator.Execute(ctx, buyBack); err != nil {
			return fmt.Errorf("perp leg: %w", err)
		}
	}
	e.log.Info("closed position", zap.String("market", marketName))
	e.publish(events.CommandResult, map[string]any{"command": "CLOSE_POSITION", "market": marketName})
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.Engine.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runTick(ctx, time.Now().UTC())
		}
	}
}

// runTick is one poll-decide-act cycle. Trade submission uses a detached
// context so a STOP does not abandon an in-flight confirmation.
func (e *Engine) runTick(ctx context.Context, now time.Time) {
	marketSnap, err := e.deps.Market.Snapshot(ctx, e.cfg.Engine.Market)
	if err != nil {
		e.deps.Metrics.TicksSkipped.Inc()
		e.log.Warn("market snapshot failed, skipping tick", zap.Error(err))
		return
	}
	acct, err := e.deps.Account.AccountState(ctx, e.cfg.Venue.Subaccount)
	if err != nil {
		e.deps.Metrics.TicksSkipped.Inc()
		e.log.Warn("account state failed, skipping tick", zap.Error(err))
		return
	}
	snap := buildSnapshot(marketSnap, acct)

	delta, posMetrics, err := e.monitor.Evaluate(snap, now)
	if err != nil {
		var dq *position.DataQualityError
		if errors.As(err, &dq) {
			e.deps.Metrics.TicksSkipped.Inc()
			e.log.Warn("tick skipped on data quality", zap.String("reason", dq.Reason))
			return
		}
		e.log.Error("position evaluation failed", zap.Error(err))
		return
	}

	riskMetrics := e.observeReturns(snap, posMetrics)

	if e.runProtection(ctx, snap, posMetrics, riskMetrics, acct, now) {
		e.finishTick(snap, marketSnap, delta, posMetrics, riskMetrics, now)
		return
	}

	e.maybeRebalance(ctx, marketSnap, snap, delta, posMetrics, riskMetrics, now)
	e.maybeSyncVault(ctx, now)
	e.finishTick(snap, marketSnap, delta, posMetrics, riskMetrics, now)
}

// observeReturns feeds the risk engine from mark-to-mark moves and
// recomputes portfolio metrics. Insufficient history yields zero metrics,
// not an error.
func (e *Engine) observeReturns(snap position.Snapshot, posMetrics position.Metrics) risk.Metrics {
	e.mu.Lock()
	if e.lastEquity > 0 && posMetrics.EquityUSD > 0 {
		e.riskEngine.Observe(posMetrics.EquityUSD/e.lastEquity - 1)
	}
	if e.lastSpot > 0 && snap.SpotMark > 0 {
		e.spotReturns.Push(snap.SpotMark/e.lastSpot - 1)
	}
	if e.lastPerp > 0 && snap.PerpMark > 0 {
		e.perpReturns.Push(snap.PerpMark/e.lastPerp - 1)
	}
	e.lastEquity = posMetrics.EquityUSD
	e.lastSpot = snap.SpotMark
	e.lastPerp = snap.PerpMark
	spotSeries := e.spotReturns.Values()
	perpSeries := e.perpReturns.Values()
	e.mu.Unlock()

	riskMetrics, err := e.riskEngine.Compute(posMetrics.EquityUSD, spotSeries, perpSeries)
	if err != nil {
		if !errors.Is(err, risk.ErrInsufficientData) {
			e.log.Warn("risk metrics unavailable", zap.Error(err))
		}
		return risk.Metrics{}
	}
	return riskMetrics
}

// runProtection walks the liquidation tiers. Protection trades are risk
// reductions and do not pass the safety gate chain; they are journaled and
// audited instead. Returns true when a protection action preempted the tick.
func (e *Engine) runProtection(ctx context.Context, snap position.Snapshot, posMetrics position.Metrics, riskMetrics risk.Metrics, acct venue.AccountState, now time.Time) bool {
	assessment := e.liq.Assess(posMetrics.HealthRatio, riskMetrics.Volatility)
	switch assessment.Tier {
	case liquidation.TierNone:
		return false
	case liquidation.TierWarning:
		if e.liq.ShouldAlert(liquidation.TierWarning, now) {
			e.deps.Metrics.LiquidationWarns.Inc()
			e.log.Warn("health ratio below warning line",
				zap.Float64("health_ratio", posMetrics.HealthRatio),
				zap.Float64("warning_pct", assessment.Thresholds.WarningPct),
				zap.String("recommended", assessment.Recommended),
			)
			if e.deps.Notifier != nil {
				e.deps.Notifier.LiquidationAlert(ctx, e.cfg.Engine.Market, liquidation.TierWarning, posMetrics.HealthRatio)
			}
		}
		return false
	case liquidation.TierReduce:
		e.reducePosition(ctx, snap, posMetrics, assessment, now)
		return true
	case liquidation.TierEmergency:
		e.emergencyClose(ctx, acct, posMetrics, assessment, now)
		return true
	}
	return false
}

// reducePosition buys back enough of the perp short to lift health above
// the warning line.
func (e *Engine) reducePosition(ctx context.Context, snap position.Snapshot, posMetrics position.Metrics, assessment liquidation.Assessment, now time.Time) {
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()
	perpNotional := math.Abs(snap.PerpQty) * snap.PerpMark
	cut := liquidation.ReductionNotional(posMetrics.EquityUSD, snap.MaintenanceMargin, perpNotional, assessment.Thresholds.WarningPct)
	if cut <= 0 || snap.PerpMark <= 0 || coordinator == nil {
		return
	}
	size := math.Min(cut/snap.PerpMark, math.Abs(snap.PerpQty))
	order := exec.Order{
		Market:        e.cfg.Engine.Market,
		IsBuy:         snap.PerpQty < 0,
		Size:          size,
		LimitPrice:    snap.PerpMark,
		ReduceOnly:    true,
		ClientOrderID: fmt.Sprintf("reduce-%d", now.UnixNano()),
	}
	res, err := e.execDetached(order)
	if err != nil {
		e.classifyExecError(ctx, err, order)
		return
	}
	e.deps.Metrics.Reductions.Inc()
	resulting := e.resultingHealth(ctx)
	rec := liquidation.ActionRecord{
		Time:             now,
		Tier:             liquidation.TierReduce,
		TriggerHealth:    posMetrics.HealthRatio,
		PositionsTouched: []string{e.cfg.Engine.Market},
		ResultingHealth:  resulting,
		Detail:           fmt.Sprintf("reduced perp exposure by %.6f at %.2f (%s)", size, res.FillPrice, res.Signature),
	}
	e.liq.RecordAction(rec)
	e.journal(ctx, "protection_action", rec)
	e.recordProtection(rec)
	if e.deps.Notifier != nil {
		e.deps.Notifier.LiquidationAlert(ctx, e.cfg.Engine.Market, liquidation.TierReduce, posMetrics.HealthRatio)
	}
}

// emergencyClose liquidates positions in descending order of risk
// contribution until the portfolio is flat.
func (e *Engine) emergencyClose(ctx context.Context, acct venue.AccountState, posMetrics position.Metrics, assessment liquidation.Assessment, now time.Time) {
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()
	if coordinator == nil {
		return
	}
	ranked := make([]liquidation.PositionRisk, 0, len(acct.Positions))
	for _, pos := range acct.Positions {
		ranked = append(ranked, liquidation.PositionRisk{
			Market:           pos.Market,
			Size:             pos.Size,
			NotionalUSD:      math.Abs(pos.Size) * pos.MarkPrice,
			RiskContribution: pos.MaintenanceMargin,
		})
	}
	plan := liquidation.EmergencyPlan(ranked)
	touched := make([]string, 0, len(plan))
	resulting := posMetrics.HealthRatio
	for i, pos := range plan {
		if pos.Size == 0 {
			continue
		}
		markPrice := pos.NotionalUSD / math.Abs(pos.Size)
		order := exec.Order{
			Market:        pos.Market,
			IsBuy:         pos.Size < 0,
			Size:          math.Abs(pos.Size),
			LimitPrice:    markPrice,
			ReduceOnly:    true,
			ClientOrderID: fmt.Sprintf("emergency-%d-%d", now.UnixNano(), i),
		}
		if _, err := e.execDetached(order); err != nil {
			e.classifyExecError(ctx, err, order)
			continue
		}
		touched = append(touched, pos.Market)
		resulting = e.resultingHealth(ctx)
		if resulting >= assessment.Thresholds.WarningPct {
			break
		}
	}
	e.deps.Metrics.EmergencyCloses.Inc()
	rec := liquidation.ActionRecord{
		Time:             now,
		Tier:             liquidation.TierEmergency,
		TriggerHealth:    posMetrics.HealthRatio,
		PositionsTouched: touched,
		ResultingHealth:  resulting,
		Detail:           fmt.Sprintf("emergency closure of %d positions", len(touched)),
	}
	e.liq.RecordAction(rec)
	e.journal(ctx, "protection_action", rec)
	e.recordProtection(rec)
	if e.deps.Notifier != nil {
		e.deps.Notifier.LiquidationAlert(ctx, e.cfg.Engine.Market, liquidation.TierEmergency, posMetrics.HealthRatio)
	}
}

func (e *Engine) maybeRebalance(ctx context.Context, marketSnap market.Snapshot, snap position.Snapshot, delta position.DeltaState, posMetrics position.Metrics, riskMetrics risk.Metrics, now time.Time) {
	if e.deps.Vault != nil {
		if err := e.deps.Vault.Guard(); err != nil {
			e.log.Warn("rebalance suppressed until vault resyncs", zap.Error(err))
			return
		}
	}
	limits := e.limits.Current()
	e.mu.Lock()
	cooldown := e.cooldown
	coordinator := e.coordinator
	e.mu.Unlock()
	if coordinator == nil {
		return
	}

	hedgeRatio := e.hedgeRatio(riskMetrics)
	trade := e.calc.Plan(delta, limits, cooldown, hedgeRatio, now)
	if trade == nil {
		return
	}

	notional := trade.Size * snap.PerpMark
	tc := e.tradeContext(ctx, marketSnap, notional, e.loopToken())
	tc.ProjectedLeverage = projectedLeverage(snap, posMetrics, trade)
	tc.ProjectedHealthPct = projectedHealth(snap, posMetrics, trade)
	if result := e.gates.Validate(tc); !result.Passed {
		e.deps.Metrics.GateRejections.Inc()
		e.log.Warn("rebalance rejected",
			zap.String("gate", result.Gate),
			zap.String("reason", result.Reason),
			zap.Float64("notional_usd", notional),
		)
		return
	}

	order := exec.Order{
		Market:        trade.Market,
		IsBuy:         trade.Side == rebalance.SideBuy,
		Size:          trade.Size,
		LimitPrice:    snap.PerpMark,
		ReduceOnly:    trade.Side == rebalance.SideBuy,
		ClientOrderID: fmt.Sprintf("rebalance-%d", now.UnixNano()),
	}
	res, err := e.execDetached(order)
	if err != nil {
		e.classifyExecError(ctx, err, order)
		return
	}
	e.deps.Metrics.Rebalances.Inc()
	e.advanceCooldown(ctx, now)
	e.log.Info("rebalance confirmed",
		zap.String("side", string(trade.Side)),
		zap.Float64("size", trade.Size),
		zap.Float64("fill_price", res.FillPrice),
		zap.String("reasoning", trade.Reasoning),
	)
	e.publish(events.CommandResult, map[string]any{
		"command":   "REBALANCE",
		"side":      string(trade.Side),
		"size":      trade.Size,
		"reasoning": trade.Reasoning,
	})
}

// execDetached submits with a context independent of the loop so STOP lets
// the confirmation wait finish.
func (e *Engine) execDetached(order exec.Order) (exec.Result, error) {
	timeout := e.cfg.Engine.ConfirmTimeout + 10*time.Second
	execCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()
	return coordinator.Execute(execCtx, order)
}

func (e *Engine) classifyExecError(ctx context.Context, err error, order exec.Order) {
	var unknown *exec.UnknownOutcomeError
	if errors.As(err, &unknown) {
		e.deps.Metrics.UnknownOutcomes.Inc()
		e.log.Error("trade outcome unknown, manual reconciliation required",
			zap.String("market", order.Market),
			zap.String("signature", unknown.Signature),
		)
		if e.deps.Notifier != nil {
			e.deps.Notifier.UnknownOutcome(ctx, order.Market, unknown.Signature)
		}
		e.publish(events.EngineError, map[string]string{
			"error":     "UNKNOWN_OUTCOME",
			"market":    order.Market,
			"signature": unknown.Signature,
		})
		return
	}
	e.log.Warn("trade failed", zap.String("market", order.Market), zap.Error(err))
}

func (e *Engine) maybeSyncVault(ctx context.Context, now time.Time) {
	if e.deps.Vault == nil {
		return
	}
	e.mu.Lock()
	due := e.lastSync.IsZero() || now.Sub(e.lastSync) >= e.cfg.Vault.SyncInterval
	if due {
		e.lastSync = now
	}
	e.mu.Unlock()
	if !due {
		return
	}
	if _, err := e.deps.Vault.Sync(ctx, "periodic"); err != nil {
		e.deps.Metrics.SyncFailures.Inc()
		if !e.deps.Vault.TradingEnabled() {
			e.critical(ctx, fmt.Sprintf("vault sync retries exhausted: %v", err))
		}
	}
}

// critical stops the engine entirely: the ledger can no longer be trusted
// and trading in an unreconciled state is worse than not trading.
func (e *Engine) critical(ctx context.Context, reason string) {
	e.log.Error("critical failure, stopping engine", zap.String("reason", reason))
	e.publish(events.EngineError, map[string]string{"error": "CRITICAL", "reason": reason})
	if e.deps.Notifier != nil {
		e.deps.Notifier.EngineStopped(ctx, e.cfg.Engine.Market, reason)
	}
	_ = e.StopEngine(ctx)
}

func (e *Engine) finishTick(snap position.Snapshot, marketSnap market.Snapshot, delta position.DeltaState, posMetrics position.Metrics, riskMetrics risk.Metrics, now time.Time) {
	var ledger vault.Ledger
	if e.deps.Vault != nil {
		ledger = e.deps.Vault.Snapshot()
	}
	e.mu.Lock()
	cooldownWindow := time.Duration(e.limits.Current().CooldownSeconds) * time.Second
	status := Status{
		Running:           e.running,
		Mode:              e.mode,
		Market:            e.cfg.Engine.Market,
		Delta:             delta,
		Position:          posMetrics,
		Risk:              riskMetrics,
		Ledger:            ledger,
		CooldownRemaining: e.cooldown.Remaining(cooldownWindow, now),
		LastTickAt:        now,
	}
	e.lastStatus = status
	e.mu.Unlock()

	perpNotional := math.Abs(snap.PerpQty) * snap.PerpMark
	e.publish(events.FundingUpdate, FundingUpdate{
		Market:          marketSnap.Market,
		FundingRate:     marketSnap.FundingRate,
		MarkPrice:       marketSnap.MarkPrice,
		DriftPct:        delta.DriftPct,
		HealthRatio:     posMetrics.HealthRatio,
		DailyYieldUSD:   FundingYieldDailyUSD(marketSnap.FundingRate, perpNotional),
		AnnualizedPct:   FundingYieldAnnualizedPct(marketSnap.FundingRate),
		FreeCollateral:  ledger.FreeCollateral,
		DeployedCapital: ledger.DeployedCapital,
	})
	e.publish(events.EngineStatus, status)

	if e.deps.Timescale != nil {
		e.deps.Timescale.EnqueueTick(timescale.TickRecord{
			Time:            now,
			Market:          marketSnap.Market,
			SpotQty:         snap.SpotQty,
			PerpQty:         snap.PerpQty,
			SpotMark:        snap.SpotMark,
			PerpMark:        snap.PerpMark,
			FundingRate:     marketSnap.FundingRate,
			NetDelta:        delta.NetDelta,
			DriftPct:        delta.DriftPct,
			DeltaStatus:     string(delta.Status),
			Leverage:        posMetrics.Leverage,
			HealthRatio:     posMetrics.HealthRatio,
			Volatility:      riskMetrics.Volatility,
			Var1D:           riskMetrics.Var1D,
			FreeCollateral:  ledger.FreeCollateral,
			DeployedCapital: ledger.DeployedCapital,
		})
	}
}

// Status returns the last published read-only snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStatus
}

func (e *Engine) advanceCooldown(ctx context.Context, now time.Time) {
	e.mu.Lock()
	e.cooldown.LastRebalanceAt = now
	e.mu.Unlock()
	if e.deps.Store != nil {
		if err := e.deps.Store.Set(ctx, cooldownKey, now.Format(time.RFC3339Nano)); err != nil {
			e.log.Warn("failed to persist cooldown", zap.Error(err))
		}
	}
}

func (e *Engine) hedgeRatio(riskMetrics risk.Metrics) float64 {
	matrix := riskMetrics.CorrelationMatrix
	if len(matrix) < 2 || len(matrix[0]) < 2 {
		return 1
	}
	e.mu.Lock()
	spotVol := risk.Volatility(e.spotReturns.Values())
	perpVol := risk.Volatility(e.perpReturns.Values())
	e.mu.Unlock()
	return rebalance.HedgeRatio(matrix[0][1], spotVol, perpVol)
}

func (e *Engine) tradeContext(ctx context.Context, marketSnap market.Snapshot, notionalUSD float64, token string) safety.TradeContext {
	var operating float64
	if e.deps.Vault != nil {
		operating = e.deps.Vault.Snapshot().FreeCollateral
	}
	return safety.TradeContext{
		NotionalUSD:      notionalUSD,
		FundingRate:      marketSnap.FundingRate,
		NetworkLatency:   e.deps.Market.Latency(),
		OperatingBalance: operating,
		ConfirmToken:     token,
	}
}

// loopToken marks loop-originated trades as pre-authorized: starting the
// engine is the operator's standing confirmation for corrective trades.
func (e *Engine) loopToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return "engine:" + e.mode
}

func (e *Engine) resultingHealth(ctx context.Context) float64 {
	acct, err := e.deps.Account.AccountState(ctx, e.cfg.Venue.Subaccount)
	if err != nil {
		return 0
	}
	equity := acct.Collateral + acct.UnsettledPnL
	maint := 0.0
	for _, pos := range acct.Positions {
		maint += pos.MaintenanceMargin
	}
	return position.HealthRatio(equity, maint)
}

func (e *Engine) publish(category events.Category, payload any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(category, payload)
	}
}

func (e *Engine) journal(ctx context.Context, category string, record any) {
	if e.deps.Journal == nil {
		return
	}
	if err := e.deps.Journal.Append(ctx, category, record); err != nil {
		e.log.Warn("journal append failed", zap.String("category", category), zap.Error(err))
	}
}

func (e *Engine) recordProtection(rec liquidation.ActionRecord) {
	if e.deps.Timescale == nil {
		return
	}
	e.deps.Timescale.EnqueueProtection(timescale.ProtectionRecord{
		Time:             rec.Time,
		Market:           e.cfg.Engine.Market,
		Tier:             string(rec.Tier),
		TriggerHealth:    rec.TriggerHealth,
		PositionsTouched: len(rec.PositionsTouched),
		ResultingHealth:  rec.ResultingHealth,
		Detail:           rec.Detail,
	})
}

func buildSnapshot(marketSnap market.Snapshot, acct venue.AccountState) position.Snapshot {
	perpQty := 0.0
	maint := 0.0
	perpMark := marketSnap.MarkPrice
	for _, pos := range acct.Positions {
		perpQty += pos.Size
		maint += pos.MaintenanceMargin
		if pos.MarkPrice > 0 {
			perpMark = pos.MarkPrice
		}
	}
	spotMark := marketSnap.OraclePrice
	if spotMark <= 0 {
		spotMark = marketSnap.MarkPrice
	}
	observed := acct.ObservedAt
	if marketSnap.ObservedAt.After(observed) {
		observed = marketSnap.ObservedAt
	}
	return position.Snapshot{
		SpotQty:           acct.SpotBalance,
		PerpQty:           perpQty,
		SpotMark:          spotMark,
		PerpMark:          perpMark,
		Collateral:        acct.Collateral,
		UnsettledPnL:      acct.UnsettledPnL,
		MaintenanceMargin: maint,
		ObservedAt:        observed,
	}
}

// projectedLeverage estimates post-trade leverage: adding short grows gross
// exposure, reducing shrinks it.
func projectedLeverage(snap position.Snapshot, posMetrics position.Metrics, trade *rebalance.HedgeTrade) float64 {
	if posMetrics.EquityUSD <= 0 {
		return math.Inf(1)
	}
	gross := math.Abs(snap.SpotQty)*snap.SpotMark + math.Abs(snap.PerpQty)*snap.PerpMark
	tradeNotional := trade.Size * snap.PerpMark
	if trade.Side == rebalance.SideSell {
		gross += tradeNotional
	} else {
		gross = math.Max(0, gross-tradeNotional)
	}
	return gross / posMetrics.EquityUSD
}

// projectedHealth scales maintenance margin with the perp leg's post-trade
// notional.
func projectedHealth(snap position.Snapshot, posMetrics position.Metrics, trade *rebalance.HedgeTrade) float64 {
	perpNotional := math.Abs(snap.PerpQty) * snap.PerpMark
	tradeNotional := trade.Size * snap.PerpMark
	next := perpNotional + tradeNotional
	if trade.Side == rebalance.SideBuy {
		next = math.Max(0, perpNotional-tradeNotional)
	}
	maint := snap.MaintenanceMargin
	if perpNotional > 0 {
		maint = snap.MaintenanceMargin * next / perpNotional
	}
	return position.HealthRatio(posMetrics.EquityUSD, maint)
}

// PositionSize is the initial entry size per leg: half the free collateral
// at 1x, denominated in base units.
func PositionSize(freeCollateral, price float64) float64 {
	if price <= 0 || freeCollateral <= 0 {
		return 0
	}
	return (freeCollateral / 2) / price
}

// FundingYieldDailyUSD is the conservative daily funding income on the perp
// notional at the current rate.
func FundingYieldDailyUSD(fundingRate, perpNotionalUSD float64) float64 {
	return fundingRate * fundingIntervalsPday * perpNotionalUSD
}

// FundingYieldAnnualizedPct annualizes the hourly funding rate.
func FundingYieldAnnualizedPct(fundingRate float64) float64 {
	return fundingRate * fundingIntervalsPday * 365 * 100
}
