package riskgate

import (
	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/indicators"
)

const (
	defaultFastPeriod = 9
	defaultSlowPeriod = 21

	// profit factor reported when a run has winners and no losers
	maxProfitFactor = 999.0
)

// BacktestResult outcome of one simulation run.
type BacktestResult struct {
	Trades      int
	Wins        int
	GrossProfit float64
	GrossLoss   float64
}

// WinRatePct percentage of winning trades.
func (r BacktestResult) WinRatePct() float64 {
	if r.Trades == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Trades) * 100
}

// ProfitFactor gross profit over gross loss.
func (r BacktestResult) ProfitFactor() float64 {
	if r.GrossLoss == 0 {
		if r.GrossProfit > 0 {
			return maxProfitFactor
		}
		return 0
	}
	return r.GrossProfit / r.GrossLoss
}

// Simulator runs a strategy over historical candles.
type Simulator interface {
	Simulate(candles []domain.Candle) (BacktestResult, error)
}

// EMACrossSimulator goes long when the fast EMA crosses above the slow one and exits
// on the opposite cross. An open position is closed on the last candle.
type EMACrossSimulator struct {
	fast, slow int
}

// NewEMACrossSimulator creates a simulator; zero periods default to 9/21.
func NewEMACrossSimulator(fast, slow int) *EMACrossSimulator {
	if fast <= 0 {
		fast = defaultFastPeriod
	}
	if slow <= 0 {
		slow = defaultSlowPeriod
	}
	if fast >= slow {
		fast, slow = defaultFastPeriod, defaultSlowPeriod
	}
	return &EMACrossSimulator{fast: fast, slow: slow}
}

// WarmupCandles candles consumed before the first signal.
func (s *EMACrossSimulator) WarmupCandles() int {
	return s.slow
}

// Simulate implements Simulator.
func (s *EMACrossSimulator) Simulate(candles []domain.Candle) (BacktestResult, error) {
	if len(candles) < s.slow+1 {
		return BacktestResult{}, errors.Wrapf(indicators.ErrNotEnoughData, "need %d, got %d", s.slow+1, len(candles))
	}

	closes := indicators.Closes(candles)
	fast := indicators.EMA(closes, s.fast)
	slow := indicators.EMA(closes, s.slow)

	n := min(len(fast), len(slow))
	fast = fast[len(fast)-n:]
	slow = slow[len(slow)-n:]
	prices := closes[len(closes)-n:]

	var (
		res      BacktestResult
		inTrade  bool
		entry    float64
		prevDiff = fast[0] - slow[0]
	)

	closeTrade := func(exit float64) {
		pnl := (exit - entry) / entry
		res.Trades++
		if pnl > 0 {
			res.Wins++
			res.GrossProfit += pnl
		} else {
			res.GrossLoss -= pnl
		}
		inTrade = false
	}

	for i := 1; i < n; i++ {
		diff := fast[i] - slow[i]
		switch {
		case !inTrade && prevDiff < 0 && diff > 0:
			inTrade = true
			entry = prices[i]
		case inTrade && prevDiff > 0 && diff < 0:
			closeTrade(prices[i])
		}
		prevDiff = diff
	}
	if inTrade {
		closeTrade(prices[n-1])
	}

	return res, nil
}
