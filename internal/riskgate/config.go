package riskgate

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config tunables of the gate. Zero fields take the defaults below.
type Config struct {
	ATRPctFloor  float64
	ADXFloor     float64
	ATRPeriod    int
	ADXPeriod    int
	IndicatorTTL time.Duration

	MaxTradesPerDay      int
	MaxDailyLoss         decimal.Decimal
	MaxConsecutiveLosses int

	BacktestInterval         time.Duration
	BacktestLookback         time.Duration
	BacktestMinTrades        int
	BacktestMinWinRate       float64
	BacktestMinProfitFactor  float64
	CandleInterval           string
	IndicatorRefreshInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ATRPctFloor:              0.35,
		ADXFloor:                 18,
		ATRPeriod:                14,
		ADXPeriod:                14,
		IndicatorTTL:             300 * time.Second,
		MaxTradesPerDay:          6,
		MaxDailyLoss:             decimal.NewFromInt(25),
		MaxConsecutiveLosses:     3,
		BacktestInterval:         45 * time.Minute,
		BacktestLookback:         24 * time.Hour,
		BacktestMinTrades:        5,
		BacktestMinWinRate:       52,
		BacktestMinProfitFactor:  1.05,
		CandleInterval:           "15m",
		IndicatorRefreshInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ATRPctFloor <= 0 {
		c.ATRPctFloor = d.ATRPctFloor
	}
	if c.ADXFloor <= 0 {
		c.ADXFloor = d.ADXFloor
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = d.ATRPeriod
	}
	if c.ADXPeriod <= 0 {
		c.ADXPeriod = d.ADXPeriod
	}
	if c.IndicatorTTL <= 0 {
		c.IndicatorTTL = d.IndicatorTTL
	}
	if c.MaxTradesPerDay <= 0 {
		c.MaxTradesPerDay = d.MaxTradesPerDay
	}
	if !c.MaxDailyLoss.IsPositive() {
		c.MaxDailyLoss = d.MaxDailyLoss
	}
	if c.MaxConsecutiveLosses <= 0 {
		c.MaxConsecutiveLosses = d.MaxConsecutiveLosses
	}
	if c.BacktestInterval <= 0 {
		c.BacktestInterval = d.BacktestInterval
	}
	if c.BacktestLookback <= 0 {
		c.BacktestLookback = d.BacktestLookback
	}
	if c.BacktestMinTrades <= 0 {
		c.BacktestMinTrades = d.BacktestMinTrades
	}
	if c.BacktestMinWinRate <= 0 {
		c.BacktestMinWinRate = d.BacktestMinWinRate
	}
	if c.BacktestMinProfitFactor <= 0 {
		c.BacktestMinProfitFactor = d.BacktestMinProfitFactor
	}
	if c.CandleInterval == "" {
		c.CandleInterval = d.CandleInterval
	}
	if c.IndicatorRefreshInterval <= 0 {
		c.IndicatorRefreshInterval = d.IndicatorRefreshInterval
	}
	return c
}
