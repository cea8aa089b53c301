package alerts

import (
	"context"
	"fmt"
	"time"

	"dn-hedge-bot/internal/liquidation"

	"go.uber.org/zap"
)

// Sender is anything that can deliver an operator-facing message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier formats protection and reconciliation events for operators.
// Delivery failures are logged and swallowed: alerting must never stall the
// control loop.
type Notifier struct {
	sender Sender
	log    *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

func (n *Notifier) LiquidationAlert(ctx context.Context, market string, tier liquidation.Tier, healthRatio float64) {
	var msg string
	switch tier {
	case liquidation.TierWarning:
		msg = fmt.Sprintf("⚠️ %s health ratio %.1f%% below warning line. Consider reducing exposure.", market, healthRatio)
	case liquidation.TierReduce:
		msg = fmt.Sprintf("🔶 %s health ratio %.1f%%. Automatic position reduction triggered.", market, healthRatio)
	case liquidation.TierEmergency:
		msg = fmt.Sprintf("🚨 %s health ratio %.1f%%. Emergency closure in progress.", market, healthRatio)
	default:
		return
	}
	n.deliver(ctx, msg)
}

func (n *Notifier) SyncFailure(ctx context.Context, vaultName string, attempts int, reason string) {
	n.deliver(ctx, fmt.Sprintf("🚨 Vault %s out of sync after %d attempts: %s. Trading disabled until resync.", vaultName, attempts, reason))
}

func (n *Notifier) UnknownOutcome(ctx context.Context, market, signature string) {
	n.deliver(ctx, fmt.Sprintf("⚠️ Order on %s has no definitive status (%s). Manual reconciliation required before resubmitting.", market, signature))
}

func (n *Notifier) EngineStopped(ctx context.Context, market, reason string) {
	n.deliver(ctx, fmt.Sprintf("⛔ Engine for %s stopped: %s", market, reason))
}

func (n *Notifier) deliver(ctx context.Context, msg string) {
	if n.sender == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.sender.Send(sendCtx, msg); err != nil {
		n.log.Warn("alert delivery failed", zap.Error(err))
	}
}
