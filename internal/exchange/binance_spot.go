package exchange

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
)

type spotTransport struct {
	client *binance.Client
	authed bool
	reads  *readGuard
}

// DialBinanceSpot builds a Binance spot session. The base URL is set per client so
// testnet and mainnet sessions can coexist in one process.
func DialBinanceSpot(_ context.Context, creds Credentials) (Transport, error) {
	client := binance.NewClient(creds.APIKey, creds.APISecret)
	client.BaseURL = spotMainnetURL
	if creds.Testnet {
		client.BaseURL = spotTestnetURL
	}

	return &spotTransport{
		client: client,
		authed: creds.APIKey != "" && creds.APISecret != "",
		reads:  newReadGuard(),
	}, nil
}

func (t *spotTransport) Ping(ctx context.Context) error {
	if err := t.client.NewPingService().Do(ctx); err != nil {
		return errors.Wrap(err, "binance spot ping")
	}
	if !t.authed {
		return nil
	}
	if _, err := t.client.NewGetAccountService().Do(ctx); err != nil {
		return errors.Wrap(err, "binance spot account check")
	}
	return nil
}

func (t *spotTransport) SymbolFilters(ctx context.Context, symbol string) (domain.ExchangeFilters, error) {
	var info *binance.ExchangeInfo
	err := t.reads.do(ctx, func(ctx context.Context) error {
		var err error
		info, err = t.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return domain.ExchangeFilters{}, errors.Wrap(err, "binance spot exchange info")
	}

	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return parseFilters(symbol, s.Filters)
		}
	}

	return domain.ExchangeFilters{}, &domain.ValidationError{Symbol: symbol, Reason: domain.ReasonFiltersMissing}
}

func (t *spotTransport) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var prices []*binance.SymbolPrice
	err := t.reads.do(ctx, func(ctx context.Context) error {
		var err error
		prices, err = t.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "binance spot price")
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, errors.Errorf("no price for %s", symbol)
}

func (t *spotTransport) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
	svc := t.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.Type == domain.OrderTypeLimit {
		svc = svc.Price(req.Price.String()).TimeInForce(binance.TimeInForceTypeGTC)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "binance spot create order")
	}

	resp := &domain.OrderResponse{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Status:        string(res.Status),
		Side:          domain.Side(res.Side),
		Type:          domain.OrderType(res.Type),
		OrigQty:       parseDecimal(res.OrigQuantity),
		ExecutedQty:   parseDecimal(res.ExecutedQuantity),
		Price:         parseDecimal(res.Price),
		TransactTime:  fromMillis(res.TransactTime),
		Raw:           toRaw(res),
	}

	notional := decimal.Zero
	for _, f := range res.Fills {
		fill := domain.Fill{
			Price:           parseDecimal(f.Price),
			Quantity:        parseDecimal(f.Quantity),
			Commission:      parseDecimal(f.Commission),
			CommissionAsset: f.CommissionAsset,
		}
		notional = notional.Add(fill.Price.Mul(fill.Quantity))
		resp.Fills = append(resp.Fills, fill)
	}
	if resp.ExecutedQty.IsPositive() && notional.IsPositive() {
		resp.AvgPrice = notional.Div(resp.ExecutedQty)
	}

	return resp, nil
}
