// Package indicators provides the regime indicators used by the futures risk gate
// (Wilder ATR% and ADX) and the EMA used by the backtest simulator. Smoothing is done
// with the cinar/indicator library.
package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
)

// DefaultPeriod Wilder period for both ATR and ADX.
const DefaultPeriod = 14

// ErrNotEnoughData the candle window is too short for the requested periods.
var ErrNotEnoughData = errors.New("not enough candles")

// Regime volatility and trend strength of the most recent candle.
type Regime struct {
	ATRPct float64
	ADX    float64
}

// ComputeRegime returns ATR as a percentage of the last close and ADX, both smoothed
// Wilder-style (alpha = 1/period).
func ComputeRegime(candles []domain.Candle, atrPeriod, adxPeriod int) (Regime, error) {
	if atrPeriod <= 0 {
		atrPeriod = DefaultPeriod
	}
	if adxPeriod <= 0 {
		adxPeriod = DefaultPeriod
	}

	need := 2*adxPeriod + 1
	if atrPeriod+1 > need {
		need = atrPeriod + 1
	}
	if len(candles) < need {
		return Regime{}, errors.Wrapf(ErrNotEnoughData, "need %d, got %d", need, len(candles))
	}

	highs, lows, closes := ohlc(candles)
	tr, plusDM, minusDM := directionalMovement(highs, lows, closes)

	atr := RMA(tr, atrPeriod)
	lastClose := closes[len(closes)-1]
	if len(atr) == 0 || lastClose <= 0 {
		return Regime{}, errors.Wrap(ErrNotEnoughData, "atr")
	}

	adx, err := computeADX(tr, plusDM, minusDM, adxPeriod)
	if err != nil {
		return Regime{}, err
	}

	return Regime{
		ATRPct: atr[len(atr)-1] / lastClose * 100,
		ADX:    adx,
	}, nil
}

func computeADX(tr, plusDM, minusDM []float64, period int) (float64, error) {
	smTR := RMA(tr, period)
	smPlus := RMA(plusDM, period)
	smMinus := RMA(minusDM, period)

	n := min(len(smTR), len(smPlus), len(smMinus))
	dx := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if smTR[i] == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * smPlus[i] / smTR[i]
		minusDI := 100 * smMinus[i] / smTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(plusDI-minusDI)/sum)
	}

	adx := RMA(dx, period)
	if len(adx) == 0 {
		return 0, errors.Wrap(ErrNotEnoughData, "adx")
	}

	return adx[len(adx)-1], nil
}

// directionalMovement returns true range, +DM and -DM for every candle after the first.
func directionalMovement(highs, lows, closes []float64) (tr, plusDM, minusDM []float64) {
	n := len(closes) - 1
	tr = make([]float64, n)
	plusDM = make([]float64, n)
	minusDM = make([]float64, n)

	for i := 1; i < len(closes); i++ {
		prevClose := closes[i-1]
		tr[i-1] = math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-prevClose), math.Abs(lows[i]-prevClose)))

		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	return tr, plusDM, minusDM
}

// RMA Wilder's running moving average. The first period-1 inputs are consumed as warmup.
func RMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	rma := trend.NewRmaWithPeriod[float64](period)
	return helper.ChanToSlice(rma.Compute(helper.SliceToChan(values)))
}

// EMA exponential moving average for the given period.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return helper.ChanToSlice(ema.Compute(helper.SliceToChan(values)))
}

// Closes returns candle closes as float64.
func Closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

func ohlc(candles []domain.Candle) (highs, lows, closes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i], _ = c.High.Float64()
		lows[i], _ = c.Low.Float64()
		closes[i], _ = c.Close.Float64()
	}
	return highs, lows, closes
}
