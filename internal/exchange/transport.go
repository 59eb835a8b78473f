package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
)

// Credentials used to build an exchange session.
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Transport is the venue session behind a Client. Spot and futures sessions share it.
type Transport interface {
	// Ping checks reachability and, when credentials are set, that the exchange accepts them.
	Ping(ctx context.Context) error
	SymbolFilters(ctx context.Context, symbol string) (domain.ExchangeFilters, error)
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error)
}

// leverageSetter is implemented by futures transports.
type leverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Dialer builds a Transport for a set of credentials.
type Dialer func(ctx context.Context, creds Credentials) (Transport, error)
