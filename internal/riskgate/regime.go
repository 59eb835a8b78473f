package riskgate

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/indicators"
	"go.uber.org/zap"
)

const candleFetchTimeout = 20 * time.Second

// regime returns the cached indicators of symbol, refreshing them when older than the TTL.
func (g *Gate) regime(ctx context.Context, symbol string) (IndicatorSnapshot, error) {
	g.mu.Lock()
	snap, ok := g.state.Indicators[symbol]
	g.mu.Unlock()

	if ok && g.now().Sub(snap.TS) < g.cfg.IndicatorTTL {
		return snap, nil
	}

	return g.RefreshIndicators(ctx, symbol)
}

// RefreshIndicators recomputes ATR% and ADX of symbol from recent candles and caches them.
func (g *Gate) RefreshIndicators(ctx context.Context, symbol string) (IndicatorSnapshot, error) {
	symbol = strings.ToUpper(symbol)
	if g.candles == nil {
		return IndicatorSnapshot{}, errors.New("no candle provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, candleFetchTimeout)
	defer cancel()

	candles, err := g.candles.Candles(ctx, symbol, g.cfg.CandleInterval, g.regimeWindow())
	if err != nil {
		return IndicatorSnapshot{}, errors.Wrapf(err, "fetch candles for %s", symbol)
	}

	r, err := indicators.ComputeRegime(candles, g.cfg.ATRPeriod, g.cfg.ADXPeriod)
	if err != nil {
		return IndicatorSnapshot{}, errors.Wrapf(err, "compute regime for %s", symbol)
	}

	snap := IndicatorSnapshot{
		Symbol: symbol,
		ATRPct: r.ATRPct,
		ADX:    r.ADX,
		TS:     g.now().UTC(),
	}

	g.mu.Lock()
	g.state.Indicators[symbol] = snap
	g.mu.Unlock()

	return snap, nil
}

// regimeWindow is enough candles for the ADX warmup plus room for smoothing to settle.
func (g *Gate) regimeWindow() int {
	p := g.cfg.ADXPeriod
	if g.cfg.ATRPeriod > p {
		p = g.cfg.ATRPeriod
	}
	return 6*p + 1
}

// RunIndicatorLoop refreshes indicators for the symbol universe until ctx is done.
func (g *Gate) RunIndicatorLoop(ctx context.Context, symbols func() []string) error {
	ticker := time.NewTicker(g.cfg.IndicatorRefreshInterval)
	defer ticker.Stop()

	for {
		g.refreshAll(ctx, symbols())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Gate) refreshAll(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		if _, err := g.RefreshIndicators(ctx, sym); err != nil {
			g.l.Warn("indicator refresh failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	_ = g.Persist()
}
