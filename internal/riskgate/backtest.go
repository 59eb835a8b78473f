package riskgate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RunBacktestLoop evaluates eligibility for the symbol universe every BacktestInterval
// until ctx is done. The first batch starts immediately.
func (g *Gate) RunBacktestLoop(ctx context.Context, symbols func() []string) error {
	ticker := time.NewTicker(g.cfg.BacktestInterval)
	defer ticker.Stop()

	for {
		g.RunBacktestOnce(ctx, symbols())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunBacktestOnce evaluates every symbol in order and persists after each one. A failing
// symbol is logged and skipped; cancellation stops the batch between symbols.
func (g *Gate) RunBacktestOnce(ctx context.Context, symbols []string) {
	started := g.now().UTC()

	g.mu.Lock()
	g.state.Meta.BacktestInProgress = true
	g.state.Meta.BacktestStartedAt = started
	g.state.Meta.BacktestProcessed = 0
	g.state.Meta.BacktestTotal = len(symbols)
	g.state.Meta.BacktestErrors = 0
	g.mu.Unlock()
	_ = g.Persist()

	g.l.Info("backtest batch started", zap.Int("symbols", len(symbols)))

	for _, sym := range symbols {
		if ctx.Err() != nil {
			g.l.Info("backtest batch interrupted", zap.String("next_symbol", sym))
			break
		}

		sym = strings.ToUpper(sym)
		e, err := g.backtestSymbol(ctx, sym)
		if g.metrics != nil {
			g.metrics.ObserveBacktest(sym, e.Eligible, err)
		}

		g.mu.Lock()
		g.state.Meta.BacktestProcessed++
		g.state.Meta.LastBacktestSymbol = sym
		if err != nil {
			g.state.Meta.BacktestErrors++
		} else {
			g.state.Backtest[sym] = e
		}
		g.mu.Unlock()

		if err != nil {
			g.l.Warn("backtest failed", zap.String("symbol", sym), zap.Error(err))
		} else {
			g.l.Info("backtest evaluated",
				zap.String("symbol", sym),
				zap.Bool("eligible", e.Eligible),
				zap.Int("trades", e.Trades),
				zap.Float64("win_rate_pct", e.WinRatePct),
				zap.Float64("profit_factor", e.ProfitFactor))
		}
		_ = g.Persist()
	}

	g.mu.Lock()
	g.state.Meta.BacktestInProgress = false
	g.state.Meta.BacktestFinishedAt = g.now().UTC()
	g.mu.Unlock()
	_ = g.Persist()
}

func (g *Gate) backtestSymbol(ctx context.Context, symbol string) (e Eligibility, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("backtest panic: %v", r)
		}
	}()

	if g.candles == nil {
		return Eligibility{}, errors.New("no candle provider configured")
	}

	limit, err := g.backtestWindow()
	if err != nil {
		return Eligibility{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, candleFetchTimeout)
	defer cancel()

	candles, err := g.candles.Candles(fetchCtx, symbol, g.cfg.CandleInterval, limit)
	if err != nil {
		return Eligibility{}, errors.Wrap(err, "fetch candles")
	}

	res, err := g.simulator.Simulate(candles)
	if err != nil {
		return Eligibility{}, errors.Wrap(err, "simulate")
	}

	return g.classify(symbol, res), nil
}

func (g *Gate) classify(symbol string, res BacktestResult) Eligibility {
	e := Eligibility{
		Symbol:       symbol,
		WinRatePct:   res.WinRatePct(),
		ProfitFactor: res.ProfitFactor(),
		Trades:       res.Trades,
		GeneratedAt:  g.now().UTC(),
	}
	e.Eligible = e.Trades >= g.cfg.BacktestMinTrades &&
		e.WinRatePct >= g.cfg.BacktestMinWinRate &&
		e.ProfitFactor >= g.cfg.BacktestMinProfitFactor

	return e
}

// backtestWindow candles covering the lookback plus the simulator warmup.
func (g *Gate) backtestWindow() (int, error) {
	step, err := parseInterval(g.cfg.CandleInterval)
	if err != nil {
		return 0, err
	}

	n := int(g.cfg.BacktestLookback / step)
	if w, ok := g.simulator.(interface{ WarmupCandles() int }); ok {
		n += w.WarmupCandles()
	}
	return n, nil
}

// parseInterval understands exchange kline intervals such as 15m, 4h, 1d and 1w.
func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty candle interval")
	}

	var (
		n    int
		unit string
	)
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil || n <= 0 {
		return 0, errors.Errorf("invalid candle interval %q", s)
	}

	switch unit {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, errors.Errorf("invalid candle interval %q", s)
	}
}
