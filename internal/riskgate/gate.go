// Package riskgate blocks unsafe futures entries. Every non-reduce-only order must
// pass, in order, the backtest eligibility check, the ATR/ADX regime check and the
// per-symbol daily risk limits. Limits reset lazily on the first access after 00:00 UTC.
package riskgate

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/storage/jsonfile"
	"go.uber.org/zap"
)

// Decision reasons.
const (
	ReasonOK                    = "OK"
	ReasonReduceOnly            = "REDUCE_ONLY"
	ReasonBacktestNotReady      = "BACKTEST_NOT_READY"
	ReasonBacktestIneligible    = "BACKTEST_INELIGIBLE"
	ReasonIndicatorsUnavailable = "INDICATORS_UNAVAILABLE"
	ReasonATRTooLow             = "ATR_TOO_LOW"
	ReasonADXTooLow             = "ADX_TOO_LOW"
	ReasonMaxTradesPerDay       = "MAX_TRADES_PER_DAY"
	ReasonMaxDailyLoss          = "MAX_DAILY_LOSS"
	ReasonMaxConsecutiveLosses  = "MAX_CONSECUTIVE_LOSSES"
	ReasonSymbolDisabled        = "SYMBOL_DISABLED"
)

const executionsTimeout = 10 * time.Second

// CandleProvider returns the most recent candles of a symbol, oldest first.
type CandleProvider interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// ExecutionSource returns realized-PnL executions of a symbol since a point in time.
type ExecutionSource interface {
	Executions(ctx context.Context, symbol string, since time.Time) ([]domain.Execution, error)
}

// Metrics receives gate observations.
type Metrics interface {
	ObserveGateDecision(symbol, reason string)
	ObserveBacktest(symbol string, eligible bool, err error)
	ObservePersistError(component string)
}

// EventSink receives structured log events.
type EventSink interface {
	Publish(event domain.LogEvent)
}

// Decision outcome of ShouldAllowOrder.
type Decision struct {
	Allow   bool
	Reason  string
	Details map[string]any
}

// Err returns nil for an allowed order and a *domain.RiskDeniedError otherwise.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return &domain.RiskDeniedError{Reason: d.Reason, Details: d.Details}
}

// Gate is safe for concurrent use. One lock guards the state maps; candle and
// income fetches and snapshot writes run without it.
type Gate struct {
	cfg       Config
	candles   CandleProvider
	execs     ExecutionSource
	simulator Simulator
	file      *jsonfile.File
	l         *zap.Logger
	sink      EventSink
	metrics   Metrics
	now       func() time.Time

	mu      sync.Mutex
	state   State
	pending map[string]int // entries allowed but not yet settled
	version uint64
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.l = l
		}
	}
}

// WithEventSink sets the structured event sink.
func WithEventSink(s EventSink) Option {
	return func(g *Gate) { g.sink = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithExecutionSource enables best-effort realized-PnL refresh from the exchange.
func WithExecutionSource(s ExecutionSource) Option {
	return func(g *Gate) { g.execs = s }
}

// WithSimulator replaces the default EMA-cross backtest simulator.
func WithSimulator(s Simulator) Option {
	return func(g *Gate) {
		if s != nil {
			g.simulator = s
		}
	}
}

// WithStateDir persists the gate state under dir.
func WithStateDir(dir string) Option {
	return func(g *Gate) {
		if dir != "" {
			g.file = jsonfile.New(filepath.Join(dir, StateFileName))
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a gate and loads persisted state when a state dir is configured.
func New(cfg Config, candles CandleProvider, opts ...Option) *Gate {
	g := &Gate{
		cfg:       cfg.withDefaults(),
		candles:   candles,
		simulator: NewEMACrossSimulator(0, 0),
		l:         zap.NewNop(),
		now:       time.Now,
		state:     newState(),
		pending:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.l = g.l.With(zap.String("component", "risk_gate"))
	g.Load()

	return g
}

// Config returns the effective configuration.
func (g *Gate) Config() Config {
	return g.cfg
}

// ShouldAllowOrder decides whether an order may be sent. Reduce-only orders always pass.
// A denial by the daily limits disables the symbol until the next UTC day.
func (g *Gate) ShouldAllowOrder(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, leverage int, reduceOnly bool) Decision {
	return g.evaluate(ctx, strings.ToUpper(symbol), side, qty, leverage, reduceOnly, false)
}

// reserveEntry is ShouldAllowOrder that also holds a trade slot when it allows an entry.
// The slot is taken in the same critical section as the cap check and must be
// released with settleEntry.
func (g *Gate) reserveEntry(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, leverage int, reduceOnly bool) Decision {
	return g.evaluate(ctx, strings.ToUpper(symbol), side, qty, leverage, reduceOnly, true)
}

// settleEntry releases a slot taken by reserveEntry and counts it when the order was placed.
func (g *Gate) settleEntry(symbol string, placed bool) {
	symbol = strings.ToUpper(symbol)
	now := g.now()

	g.mu.Lock()
	if g.pending[symbol] > 1 {
		g.pending[symbol]--
	} else {
		delete(g.pending, symbol)
	}
	if placed {
		l := g.state.SymbolLimits[symbol]
		l.rollover(now)
		l.TradesToday++
		g.state.SymbolLimits[symbol] = l
	}
	g.mu.Unlock()

	if placed {
		_ = g.Persist()
	}
}

func (g *Gate) evaluate(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, leverage int, reduceOnly, reserve bool) Decision {
	d := g.decide(ctx, symbol, reduceOnly, reserve)
	if d.Details == nil {
		d.Details = make(map[string]any)
	}
	d.Details["symbol"] = symbol
	d.Details["side"] = string(side)
	d.Details["qty"] = qty.String()
	d.Details["leverage"] = leverage

	if g.metrics != nil {
		g.metrics.ObserveGateDecision(symbol, d.Reason)
	}
	if !d.Allow {
		g.l.Info("order blocked", zap.String("symbol", symbol), zap.String("reason", d.Reason))
		g.publish(domain.SeverityWarning, "TRADE_BLOCKED", "order entry blocked: "+d.Reason, d.Details)
	}

	return d
}

func (g *Gate) decide(ctx context.Context, symbol string, reduceOnly, reserve bool) Decision {
	if reduceOnly {
		return Decision{Allow: true, Reason: ReasonReduceOnly}
	}

	if d, ok := g.checkEligibility(symbol); !ok {
		return d
	}

	snap, d, ok := g.checkRegime(ctx, symbol)
	if !ok {
		return d
	}

	d, ok = g.checkLimits(ctx, symbol, reserve)
	if !ok {
		return d
	}

	d.Allow = true
	d.Reason = ReasonOK
	d.Details["atr_pct"] = snap.ATRPct
	d.Details["adx"] = snap.ADX
	return d
}

func (g *Gate) checkEligibility(symbol string) (Decision, bool) {
	g.mu.Lock()
	e, ok := g.state.Backtest[symbol]
	g.mu.Unlock()

	if !ok {
		return Decision{Reason: ReasonBacktestNotReady}, false
	}
	if !e.Eligible {
		return Decision{Reason: ReasonBacktestIneligible, Details: map[string]any{
			"win_rate_pct":  e.WinRatePct,
			"profit_factor": e.ProfitFactor,
			"trades":        e.Trades,
			"generated_at":  e.GeneratedAt,
		}}, false
	}

	return Decision{}, true
}

func (g *Gate) checkRegime(ctx context.Context, symbol string) (IndicatorSnapshot, Decision, bool) {
	snap, err := g.regime(ctx, symbol)
	if err != nil {
		return snap, Decision{Reason: ReasonIndicatorsUnavailable, Details: map[string]any{"error": err.Error()}}, false
	}

	details := map[string]any{
		"atr_pct":       snap.ATRPct,
		"adx":           snap.ADX,
		"atr_pct_floor": g.cfg.ATRPctFloor,
		"adx_floor":     g.cfg.ADXFloor,
	}
	if snap.ATRPct < g.cfg.ATRPctFloor {
		return snap, Decision{Reason: ReasonATRTooLow, Details: details}, false
	}
	if snap.ADX < g.cfg.ADXFloor {
		return snap, Decision{Reason: ReasonADXTooLow, Details: details}, false
	}

	return snap, Decision{}, true
}

// checkLimits counts reserved entries against the trade cap. A cap hit that only
// reserved entries cause is denied without disabling the symbol, since those
// orders may still fail.
func (g *Gate) checkLimits(ctx context.Context, symbol string, reserve bool) (Decision, bool) {
	now := g.now()
	execs, execErr := g.fetchExecutions(ctx, symbol, now)

	g.mu.Lock()
	l := g.state.SymbolLimits[symbol]
	changed := l.rollover(now)
	if execErr == nil && execs != nil {
		l.applyExecutions(sameDay(execs, now))
		changed = true
	}

	reserved := g.pending[symbol]
	details := map[string]any{
		"utc_day":            l.UTCDay,
		"trades_today":       l.TradesToday,
		"pending_entries":    reserved,
		"daily_realized_pnl": l.DailyRealizedPnL.String(),
		"consecutive_losses": l.ConsecutiveLosses,
	}

	var (
		reason    string
		transient bool
	)
	switch {
	case l.disabled(now):
		reason = l.DisabledReason
		if reason == "" {
			reason = ReasonSymbolDisabled
		}
		details["disabled_until_utc_day"] = l.DisabledUntilUTCDay
	case l.TradesToday+reserved+1 >= g.cfg.MaxTradesPerDay:
		reason = ReasonMaxTradesPerDay
		transient = l.TradesToday+1 < g.cfg.MaxTradesPerDay
		details["max_trades_per_day"] = g.cfg.MaxTradesPerDay
	case l.DailyRealizedPnL.LessThanOrEqual(g.cfg.MaxDailyLoss.Neg()):
		reason = ReasonMaxDailyLoss
		details["max_daily_loss"] = g.cfg.MaxDailyLoss.String()
	case l.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses:
		reason = ReasonMaxConsecutiveLosses
		details["max_consecutive_losses"] = g.cfg.MaxConsecutiveLosses
	}

	if reason != "" && !transient && !l.disabled(now) {
		l.disable(now, reason)
		details["disabled_until_utc_day"] = l.DisabledUntilUTCDay
		changed = true
	}
	if reason == "" && reserve {
		g.pending[symbol]++
	}
	g.state.SymbolLimits[symbol] = l
	g.mu.Unlock()

	if execErr != nil {
		g.l.Debug("income refresh failed, using local counters", zap.String("symbol", symbol), zap.Error(execErr))
	}
	if changed {
		_ = g.Persist()
	}

	if reason != "" {
		return Decision{Reason: reason, Details: details}, false
	}

	return Decision{Details: details}, true
}

func (g *Gate) fetchExecutions(ctx context.Context, symbol string, now time.Time) ([]domain.Execution, error) {
	if g.execs == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, executionsTimeout)
	defer cancel()

	start := now.UTC().Truncate(24 * time.Hour)
	return g.execs.Executions(ctx, symbol, start)
}

func sameDay(execs []domain.Execution, now time.Time) []domain.Execution {
	today := utcDay(now)
	out := make([]domain.Execution, 0, len(execs))
	for _, e := range execs {
		if utcDay(e.Time) == today {
			out = append(out, e)
		}
	}
	return out
}

// RecordEntry counts an executed entry order against today's trade cap.
func (g *Gate) RecordEntry(symbol string) {
	symbol = strings.ToUpper(symbol)
	now := g.now()

	g.mu.Lock()
	l := g.state.SymbolLimits[symbol]
	l.rollover(now)
	l.TradesToday++
	g.state.SymbolLimits[symbol] = l
	g.mu.Unlock()

	_ = g.Persist()
}

// RecordRealizedPnL books a closed trade locally. Exchange income history, when
// available, overrides these counters on the next check.
func (g *Gate) RecordRealizedPnL(symbol string, pnl decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	now := g.now()

	g.mu.Lock()
	l := g.state.SymbolLimits[symbol]
	l.rollover(now)
	l.recordPnL(pnl)
	g.state.SymbolLimits[symbol] = l
	g.mu.Unlock()

	_ = g.Persist()
}

// SetEligibility stores a backtest classification.
func (g *Gate) SetEligibility(e Eligibility) {
	e.Symbol = strings.ToUpper(e.Symbol)
	if e.GeneratedAt.IsZero() {
		e.GeneratedAt = g.now().UTC()
	}

	g.mu.Lock()
	g.state.Backtest[e.Symbol] = e
	g.mu.Unlock()
}

// Limits returns today's counters of a symbol.
func (g *Gate) Limits(symbol string) SymbolLimits {
	symbol = strings.ToUpper(symbol)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.state.SymbolLimits[symbol]
	if l.rollover(now) {
		g.state.SymbolLimits[symbol] = l
	}
	return l
}

func (g *Gate) publish(severity domain.Severity, eventType, message string, details map[string]any) {
	if g.sink == nil {
		return
	}
	g.sink.Publish(domain.NewLogEvent(eventType, severity, domain.AccountTypeFutures, message, details))
}
