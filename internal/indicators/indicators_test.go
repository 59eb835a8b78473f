package indicators

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/execguard/internal/domain"
)

func candle(i int, high, low, close float64) domain.Candle {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 15 * time.Minute)
	return domain.Candle{
		OpenTime:  open,
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		CloseTime: open.Add(15 * time.Minute),
	}
}

func TestComputeRegime_FlatRange(t *testing.T) {
	candles := make([]domain.Candle, 60)
	for i := range candles {
		candles[i] = candle(i, 101, 99, 100)
	}

	r, err := ComputeRegime(candles, 14, 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r.ATRPct, 1e-9)
	assert.InDelta(t, 0.0, r.ADX, 1e-9)
}

func TestComputeRegime_SteadyUptrend(t *testing.T) {
	candles := make([]domain.Candle, 60)
	for i := range candles {
		c := 100 + float64(i)
		candles[i] = candle(i, c+1, c-1, c)
	}

	r, err := ComputeRegime(candles, 14, 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/159.0*100, r.ATRPct, 1e-9)
	assert.InDelta(t, 100.0, r.ADX, 1e-9)
}

func TestComputeRegime_NotEnoughCandles(t *testing.T) {
	candles := make([]domain.Candle, 20)
	for i := range candles {
		candles[i] = candle(i, 101, 99, 100)
	}

	_, err := ComputeRegime(candles, 14, 14)
	require.ErrorIs(t, err, ErrNotEnoughData)
}

func TestEMA_ConstantSeries(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 42
	}

	out := EMA(values, 10)
	require.NotEmpty(t, out)
	assert.InDelta(t, 42.0, out[len(out)-1], 1e-9)
	assert.Nil(t, EMA(values[:5], 10))
}
