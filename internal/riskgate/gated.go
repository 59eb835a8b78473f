package riskgate

import (
	"context"

	"github.com/vadiminshakov/execguard/internal/domain"
)

// OrderPlacer submits orders.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error)
}

// GatedPlacer runs every order through the gate before handing it to the wrapped placer
// and counts successful entries against the daily trade cap.
type GatedPlacer struct {
	next OrderPlacer
	gate *Gate
}

// NewGatedPlacer wraps next with gate.
func NewGatedPlacer(next OrderPlacer, gate *Gate) *GatedPlacer {
	return &GatedPlacer{next: next, gate: gate}
}

// PlaceOrder returns a *domain.RiskDeniedError without submitting when the gate denies.
// An allowed entry holds its trade slot until the wrapped placer returns.
func (p *GatedPlacer) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
	d := p.gate.reserveEntry(ctx, req.Symbol, req.Side, req.Quantity, req.Leverage, req.ReduceOnly)
	if err := d.Err(); err != nil {
		return nil, err
	}

	resp, err := p.next.PlaceOrder(ctx, req)
	if !req.ReduceOnly {
		p.gate.settleEntry(req.Symbol, err == nil)
	}
	if err != nil {
		return nil, err
	}

	return resp, nil
}
