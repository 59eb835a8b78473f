package exchange

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
)

type futuresTransport struct {
	client *futures.Client
	authed bool
	reads  *readGuard
}

// DialBinanceFutures builds a Binance USDⓈ-M futures session.
func DialBinanceFutures(_ context.Context, creds Credentials) (Transport, error) {
	client := binance.NewFuturesClient(creds.APIKey, creds.APISecret)
	client.BaseURL = futuresMainnetURL
	if creds.Testnet {
		client.BaseURL = futuresTestnetURL
	}

	return &futuresTransport{
		client: client,
		authed: creds.APIKey != "" && creds.APISecret != "",
		reads:  newReadGuard(),
	}, nil
}

func (t *futuresTransport) Ping(ctx context.Context) error {
	if err := t.client.NewPingService().Do(ctx); err != nil {
		return errors.Wrap(err, "binance futures ping")
	}
	if !t.authed {
		return nil
	}
	if _, err := t.client.NewGetAccountService().Do(ctx); err != nil {
		return errors.Wrap(err, "binance futures account check")
	}
	return nil
}

func (t *futuresTransport) SymbolFilters(ctx context.Context, symbol string) (domain.ExchangeFilters, error) {
	var info *futures.ExchangeInfo
	err := t.reads.do(ctx, func(ctx context.Context) error {
		var err error
		info, err = t.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return domain.ExchangeFilters{}, errors.Wrap(err, "binance futures exchange info")
	}

	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return parseFilters(symbol, s.Filters)
		}
	}

	return domain.ExchangeFilters{}, &domain.ValidationError{Symbol: symbol, Reason: domain.ReasonFiltersMissing}
}

func (t *futuresTransport) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var prices []*futures.SymbolPrice
	err := t.reads.do(ctx, func(ctx context.Context) error {
		var err error
		prices, err = t.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "binance futures price")
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, errors.Errorf("no price for %s", symbol)
}

// SetLeverage applies the symbol leverage before an entry order.
func (t *futuresTransport) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := t.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return errors.Wrap(err, "binance futures change leverage")
	}
	return nil
}

func (t *futuresTransport) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
	svc := t.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Type == domain.OrderTypeLimit {
		svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "binance futures create order")
	}

	return &domain.OrderResponse{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Status:        string(res.Status),
		Side:          domain.Side(res.Side),
		Type:          domain.OrderType(res.Type),
		OrigQty:       parseDecimal(res.OrigQuantity),
		ExecutedQty:   parseDecimal(res.ExecutedQuantity),
		Price:         parseDecimal(res.Price),
		AvgPrice:      parseDecimal(res.AvgPrice),
		ReduceOnly:    res.ReduceOnly,
		TransactTime:  fromMillis(res.UpdateTime),
		Raw:           toRaw(res),
	}, nil
}
