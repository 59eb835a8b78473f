package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest is what a caller asks the exchange client to submit.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero on market orders means the latest trade price
	ReduceOnly    bool
	Leverage      int
	ClientOrderID string
}

// String returns a human-readable string representation.
func (r OrderRequest) String() string {
	return fmt.Sprintf("%s %s %s qty: %s price: %s", r.Symbol, r.Side, r.Type, r.Quantity.String(), r.Price.String())
}

// Fill single execution reported with an order response.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
}

// OrderResponse normalized exchange acknowledgement of a submitted order.
type OrderResponse struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	OrigQty       decimal.Decimal `json:"orig_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	Price         decimal.Decimal `json:"price"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	ReduceOnly    bool            `json:"reduce_only"`
	TransactTime  time.Time       `json:"transact_time"`
	Fills         []Fill          `json:"fills,omitempty"`
	// Raw is the venue payload decoded into generic JSON values.
	Raw map[string]any `json:"raw,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with r.
func (r *OrderResponse) Clone() *OrderResponse {
	if r == nil {
		return nil
	}

	c := *r
	if r.Fills != nil {
		c.Fills = make([]Fill, len(r.Fills))
		copy(c.Fills, r.Fills)
	}
	if r.Raw != nil {
		c.Raw = cloneJSONMap(r.Raw)
	}

	return &c
}

func cloneJSONMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneJSONMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneJSONValue(item)
		}
		return out
	default:
		return v
	}
}

// OrderEventStatus outcome recorded in order history.
type OrderEventStatus string

const (
	OrderEventSuccess OrderEventStatus = "success"
	OrderEventError   OrderEventStatus = "error"
)

// OrderEvent single entry of a client's bounded order history.
type OrderEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Status    OrderEventStatus `json:"status"`
	Symbol    string           `json:"symbol"`
	Side      Side             `json:"side"`
	Type      OrderType        `json:"type"`
	Quantity  decimal.Decimal  `json:"qty"`
	Price     decimal.Decimal  `json:"price"`
	Testnet   bool             `json:"testnet"`
	Response  *OrderResponse   `json:"response,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Clone returns a deep copy of the event.
func (e OrderEvent) Clone() OrderEvent {
	e.Response = e.Response.Clone()
	return e
}

// ExchangeFilters trading rules of a symbol.
type ExchangeFilters struct {
	Symbol      string          `json:"symbol"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MaxQty      decimal.Decimal `json:"max_qty"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
}
