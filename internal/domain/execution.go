package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution realized-PnL record of a closing fill, as reported by income history.
type Execution struct {
	Time        time.Time       `json:"time"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// IsLoss reports whether the execution lost money.
func (e Execution) IsLoss() bool {
	return e.RealizedPnL.IsNegative()
}
