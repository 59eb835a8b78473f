package exchange

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
)

// NormalizeQuantity rounds qty toward zero to a multiple of the step size, rejects it
// when the result is not positive or below min_qty, and clamps it to max_qty.
// All arithmetic is exact decimal.
func NormalizeQuantity(qty decimal.Decimal, f domain.ExchangeFilters) (decimal.Decimal, error) {
	rounded := floorToStep(qty, f.StepSize)

	if !rounded.IsPositive() {
		return decimal.Zero, &domain.ValidationError{
			Symbol: f.Symbol,
			Reason: domain.ReasonQtyZero,
			Details: map[string]string{
				"requested": qty.String(),
				"step_size": f.StepSize.String(),
			},
		}
	}

	if f.MinQty.IsPositive() && rounded.LessThan(f.MinQty) {
		return decimal.Zero, &domain.ValidationError{
			Symbol: f.Symbol,
			Reason: domain.ReasonQtyBelowMin,
			Details: map[string]string{
				"requested": qty.String(),
				"rounded":   rounded.String(),
				"min_qty":   f.MinQty.String(),
			},
		}
	}

	if f.MaxQty.IsPositive() && rounded.GreaterThan(f.MaxQty) {
		rounded = floorToStep(f.MaxQty, f.StepSize)
	}

	return rounded, nil
}

// NormalizePrice snaps price onto the tick grid: buys round down, sells round up,
// so normalization never worsens the requested limit.
func NormalizePrice(price decimal.Decimal, side domain.Side, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}

	rem := price.Mod(tick)
	if rem.IsZero() {
		return price
	}

	floor := price.Sub(rem)
	if side == domain.SideSell {
		return floor.Add(tick)
	}

	return floor
}

// CheckNotional rejects orders whose qty×price is below the symbol's min-notional.
func CheckNotional(qty, price decimal.Decimal, f domain.ExchangeFilters) error {
	if !f.MinNotional.IsPositive() {
		return nil
	}

	notional := qty.Mul(price)
	if notional.LessThan(f.MinNotional) {
		return &domain.ValidationError{
			Symbol: f.Symbol,
			Reason: domain.ReasonNotionalBelowMin,
			Details: map[string]string{
				"notional":     notional.String(),
				"min_notional": f.MinNotional.String(),
			},
		}
	}

	return nil
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if !step.IsPositive() {
		return v
	}
	return v.Sub(v.Mod(step))
}
