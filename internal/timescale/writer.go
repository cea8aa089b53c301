package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TickRecord is one control loop observation: the position, risk, and
// ledger state the decision was made on.
type TickRecord struct {
	Time            time.Time
	Market          string
	SpotQty         float64
	PerpQty         float64
	SpotMark        float64
	PerpMark        float64
	FundingRate     float64
	NetDelta        float64
	DriftPct        float64
	DeltaStatus     string
	Leverage        float64
	HealthRatio     float64
	Volatility      float64
	Var1D           float64
	FreeCollateral  float64
	DeployedCapital float64
}

// ProtectionRecord is the audit trail of a liquidation protection action.
type ProtectionRecord struct {
	Time             time.Time
	Market           string
	Tier             string
	TriggerHealth    float64
	PositionsTouched int
	ResultingHealth  float64
	Detail           string
}

// Writer persists records asynchronously. Enqueue never blocks the control
// loop: when a queue is full the record is dropped and counted.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	ticks     chan TickRecord
	actions   chan ProtectionRecord
	started   atomic.Bool
	dropTick  atomic.Uint64
	dropProto atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, cfg config.TimescaleConfig, log *zap.Logger) *Writer {
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		ticks:   make(chan TickRecord, queueSize),
		actions: make(chan ProtectionRecord, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueTick(rec TickRecord) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- rec:
		return
	default:
		if w.dropTick.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale tick queue full")
		}
	}
}

func (w *Writer) EnqueueProtection(rec ProtectionRecord) {
	if w == nil {
		return
	}
	select {
	case w.actions <- rec:
		return
	default:
		if w.dropProto.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale protection queue full")
		}
	}
}

func (w *Writer) DroppedTicks() uint64 {
	if w == nil {
		return 0
	}
	return w.dropTick.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.ticks:
			w.writeTick(ctx, rec)
		case rec := <-w.actions:
			w.writeProtection(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market TEXT NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		spot_mark DOUBLE PRECISION NOT NULL,
		perp_mark DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		net_delta DOUBLE PRECISION NOT NULL,
		drift_pct DOUBLE PRECISION NOT NULL,
		delta_status TEXT NOT NULL,
		leverage DOUBLE PRECISION NOT NULL,
		health_ratio DOUBLE PRECISION NOT NULL,
		volatility DOUBLE PRECISION NOT NULL,
		var_1d DOUBLE PRECISION NOT NULL,
		free_collateral DOUBLE PRECISION NOT NULL,
		deployed_capital DOUBLE PRECISION NOT NULL
	)`, w.table("engine_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market TEXT NOT NULL,
		tier TEXT NOT NULL,
		trigger_health DOUBLE PRECISION NOT NULL,
		positions_touched INTEGER NOT NULL,
		resulting_health DOUBLE PRECISION NOT NULL,
		detail TEXT NOT NULL
	)`, w.table("protection_actions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("engine_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale engine_ticks hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("protection_actions"))); err != nil && w.log != nil {
		w.log.Warn("timescale protection_actions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTick(ctx context.Context, rec TickRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market, spot_qty, perp_qty, spot_mark, perp_mark, funding_rate, net_delta,
		drift_pct, delta_status, leverage, health_ratio, volatility, var_1d,
		free_collateral, deployed_capital
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
	)`, w.table("engine_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Market,
		rec.SpotQty,
		rec.PerpQty,
		rec.SpotMark,
		rec.PerpMark,
		rec.FundingRate,
		rec.NetDelta,
		rec.DriftPct,
		rec.DeltaStatus,
		rec.Leverage,
		rec.HealthRatio,
		rec.Volatility,
		rec.Var1D,
		rec.FreeCollateral,
		rec.DeployedCapital,
	); err != nil && w.log != nil {
		w.log.Warn("timescale tick insert failed", zap.Error(err))
	}
}

func (w *Writer) writeProtection(ctx context.Context, rec ProtectionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market, tier, trigger_health, positions_touched, resulting_health, detail
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7
	)`, w.table("protection_actions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Market,
		rec.Tier,
		rec.TriggerHealth,
		rec.PositionsTouched,
		rec.ResultingHealth,
		rec.Detail,
	); err != nil && w.log != nil {
		w.log.Warn("timescale protection insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
