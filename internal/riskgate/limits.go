package riskgate

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
)

const utcDayLayout = "2006-01-02"

// SymbolLimits per-symbol risk counters for one UTC day.
type SymbolLimits struct {
	UTCDay              string          `json:"utc_day"`
	TradesToday         int             `json:"trades_today"`
	DailyRealizedPnL    decimal.Decimal `json:"daily_realized_pnl"`
	ConsecutiveLosses   int             `json:"consecutive_losses"`
	DisabledUntilUTCDay string          `json:"disabled_until_utc_day,omitempty"`
	DisabledReason      string          `json:"disabled_reason,omitempty"`
}

func utcDay(t time.Time) string {
	return t.UTC().Format(utcDayLayout)
}

func nextUTCDay(t time.Time) string {
	return t.UTC().AddDate(0, 0, 1).Format(utcDayLayout)
}

// rollover zeroes the counters and clears the disabled flag when the UTC day changed.
// It reports whether a reset happened.
func (l *SymbolLimits) rollover(now time.Time) bool {
	today := utcDay(now)
	if l.UTCDay == today {
		return false
	}
	*l = SymbolLimits{UTCDay: today, DailyRealizedPnL: decimal.Zero}
	return true
}

func (l *SymbolLimits) disabled(now time.Time) bool {
	return l.DisabledUntilUTCDay != "" && utcDay(now) < l.DisabledUntilUTCDay
}

func (l *SymbolLimits) disable(now time.Time, reason string) {
	l.DisabledUntilUTCDay = nextUTCDay(now)
	l.DisabledReason = reason
}

// applyExecutions replaces the PnL counters with the same-day executions.
// The streak counts losses backward from the latest execution; no executions today means no streak.
func (l *SymbolLimits) applyExecutions(execs []domain.Execution) {
	pnl := decimal.Zero
	for _, e := range execs {
		pnl = pnl.Add(e.RealizedPnL)
	}

	streak := 0
	for i := len(execs) - 1; i >= 0; i-- {
		if !execs[i].IsLoss() {
			break
		}
		streak++
	}

	l.DailyRealizedPnL = pnl
	l.ConsecutiveLosses = streak
}

func (l *SymbolLimits) recordPnL(pnl decimal.Decimal) {
	l.DailyRealizedPnL = l.DailyRealizedPnL.Add(pnl)
	if pnl.IsNegative() {
		l.ConsecutiveLosses++
	} else {
		l.ConsecutiveLosses = 0
	}
}
