package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/exchange"
	"github.com/vadiminshakov/execguard/internal/riskgate"
)

type transportMock struct {
	mock.Mock
}

func (m *transportMock) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *transportMock) SymbolFilters(ctx context.Context, symbol string) (domain.ExchangeFilters, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(domain.ExchangeFilters), args.Error(1)
}

func (m *transportMock) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *transportMock) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*domain.OrderResponse)
	return resp, args.Error(1)
}

func readyTransport() *transportMock {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(domain.ExchangeFilters{
		Symbol:      "BTCUSDT",
		StepSize:    decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MaxQty:      decimal.RequireFromString("100"),
		TickSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("5"),
	}, nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	return tr
}

func dialers(spot, futures exchange.Transport) map[domain.AccountType]exchange.Dialer {
	return map[domain.AccountType]exchange.Dialer{
		domain.AccountTypeSpot: func(context.Context, exchange.Credentials) (exchange.Transport, error) {
			return spot, nil
		},
		domain.AccountTypeFutures: func(context.Context, exchange.Credentials) (exchange.Transport, error) {
			return futures, nil
		},
	}
}

func newGate(t *testing.T) *riskgate.Gate {
	return riskgate.New(riskgate.DefaultConfig(), nil, riskgate.WithStateDir(t.TempDir()))
}

func order(reduceOnly bool) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.SideSell,
		Type:       domain.OrderTypeMarket,
		Quantity:   decimal.RequireFromString("0.01"),
		ReduceOnly: reduceOnly,
	}
}

var testnet = exchange.Credentials{APIKey: "key", APISecret: "secret", Testnet: true}

func TestEngine_NothingEnabled(t *testing.T) {
	e := New(exchange.Config{}, dialers(readyTransport(), readyTransport()), newGate(t))

	_, err := e.PlaceOrder(context.Background(), domain.AccountTypeSpot, order(false))
	require.ErrorIs(t, err, ErrNotEnabled)
	assert.Nil(t, e.Client(domain.AccountTypeSpot))
	assert.Equal(t, Mode{}, e.Mode())
	assert.Empty(t, e.Status())
}

func TestEngine_EnableLiveSpot(t *testing.T) {
	spot := readyTransport()
	spot.On("SubmitOrder", mock.Anything, mock.Anything).Return(&domain.OrderResponse{OrderID: 7, Symbol: "BTCUSDT", Status: "FILLED"}, nil).Once()
	e := New(exchange.Config{}, dialers(spot, readyTransport()), newGate(t))

	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeSpot, testnet))
	assert.Equal(t, Mode{Spot: true}, e.Mode())

	resp, err := e.PlaceOrder(context.Background(), domain.AccountTypeSpot, order(false))
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.OrderID)
	assert.True(t, e.Status()[domain.AccountTypeSpot].Connected)
	spot.AssertExpectations(t)
}

func TestEngine_LiveFlagFollowsCredentials(t *testing.T) {
	e := New(exchange.Config{}, dialers(readyTransport(), readyTransport()), nil)

	live := testnet
	live.Testnet = false
	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeFutures, live))

	assert.Equal(t, Mode{Futures: true, Live: true}, e.Mode())
}

func TestEngine_FailedConnectKeepsPreviousClient(t *testing.T) {
	healthy := readyTransport()
	broken := &transportMock{}
	broken.On("Ping", mock.Anything).Return(errors.New("invalid api key"))

	current := exchange.Transport(healthy)
	ds := map[domain.AccountType]exchange.Dialer{
		domain.AccountTypeSpot: func(context.Context, exchange.Credentials) (exchange.Transport, error) {
			return current, nil
		},
	}
	e := New(exchange.Config{}, ds, nil)
	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeSpot, testnet))
	before := e.Client(domain.AccountTypeSpot)

	current = broken
	err := e.EnableLive(context.Background(), domain.AccountTypeSpot, testnet)

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, domain.AccountTypeSpot, connErr.AccountType)
	assert.Same(t, before, e.Client(domain.AccountTypeSpot))
}

func TestEngine_UnknownAccountType(t *testing.T) {
	e := New(exchange.Config{}, map[domain.AccountType]exchange.Dialer{}, nil)

	require.Error(t, e.EnableLive(context.Background(), domain.AccountTypeSpot, testnet))
}

func TestEngine_FuturesEntriesAreGated(t *testing.T) {
	futures := readyTransport()
	e := New(exchange.Config{}, dialers(readyTransport(), futures), newGate(t))
	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeFutures, testnet))

	_, err := e.PlaceOrder(context.Background(), domain.AccountTypeFutures, order(false))

	var denied *domain.RiskDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, riskgate.ReasonBacktestNotReady, denied.Reason)
	futures.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestEngine_FuturesReduceOnlyBypassesGate(t *testing.T) {
	futures := readyTransport()
	futures.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(req domain.OrderRequest) bool {
		return req.ReduceOnly
	})).Return(&domain.OrderResponse{OrderID: 9, Symbol: "BTCUSDT", Status: "FILLED", ReduceOnly: true}, nil).Once()
	e := New(exchange.Config{}, dialers(readyTransport(), futures), newGate(t))
	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeFutures, testnet))

	resp, err := e.PlaceOrder(context.Background(), domain.AccountTypeFutures, order(true))
	require.NoError(t, err)
	assert.True(t, resp.ReduceOnly)
	futures.AssertExpectations(t)
}

func TestEngine_Disable(t *testing.T) {
	e := New(exchange.Config{}, dialers(readyTransport(), readyTransport()), nil)
	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeSpot, testnet))

	e.Disable(domain.AccountTypeSpot)

	assert.Nil(t, e.Client(domain.AccountTypeSpot))
	_, err := e.PlaceOrder(context.Background(), domain.AccountTypeSpot, order(false))
	require.ErrorIs(t, err, ErrNotEnabled)
}

func TestEngine_ObserversSeeClientChanges(t *testing.T) {
	type change struct {
		at    domain.AccountType
		creds *exchange.Credentials
	}
	var changes []change
	broken := &transportMock{}
	broken.On("Ping", mock.Anything).Return(errors.New("invalid api key"))

	e := New(exchange.Config{}, dialers(broken, readyTransport()), nil,
		WithClientObserver(func(at domain.AccountType, creds *exchange.Credentials) {
			changes = append(changes, change{at: at, creds: creds})
		}))

	require.Error(t, e.EnableLive(context.Background(), domain.AccountTypeSpot, testnet))
	assert.Empty(t, changes, "a failed connect changes nothing")

	creds := exchange.Credentials{APIKey: "fut-key", APISecret: "fut-secret", Testnet: true}
	require.NoError(t, e.EnableLive(context.Background(), domain.AccountTypeFutures, creds))
	e.Disable(domain.AccountTypeFutures)
	e.Disable(domain.AccountTypeFutures)

	require.Len(t, changes, 2)
	assert.Equal(t, domain.AccountTypeFutures, changes[0].at)
	require.NotNil(t, changes[0].creds)
	assert.Equal(t, "fut-key", changes[0].creds.APIKey)
	assert.Nil(t, changes[1].creds)
}
