package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle OHLC row returned by a historical-candle provider.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}
