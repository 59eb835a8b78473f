package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/execguard/internal/domain"
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

type futuresTransportMock struct {
	transportMock
}

func (m *futuresTransportMock) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.Called(ctx, symbol, leverage).Error(0)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.LogEvent
}

func (s *recordingSink) Publish(e domain.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func btcFilters() domain.ExchangeFilters {
	return domain.ExchangeFilters{
		Symbol:      "BTCUSDT",
		StepSize:    decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MaxQty:      decimal.RequireFromString("100"),
		TickSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("5"),
	}
}

func staticDialer(t Transport) Dialer {
	return func(context.Context, Credentials) (Transport, error) {
		return t, nil
	}
}

func newTestClient(t *testing.T, tr Transport, cfg Config, opts ...Option) *Client {
	t.Helper()
	if cfg.AccountType == "" {
		cfg.AccountType = domain.AccountTypeSpot
	}
	c, err := NewClient(cfg, staticDialer(tr), opts...)
	require.NoError(t, err)
	require.True(t, c.Connect(context.Background()))
	return c
}

func marketBuy(qty string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:   "btcusdt",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestClient_PlaceOrderNormalizesAndRecords(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil).Once()
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	resp := &domain.OrderResponse{
		OrderID: 42,
		Symbol:  "BTCUSDT",
		Status:  "FILLED",
		Raw:     map[string]any{"fills": []any{map[string]any{"price": "60000"}}},
	}
	tr.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(req domain.OrderRequest) bool {
		return req.Symbol == "BTCUSDT" &&
			req.Quantity.Equal(decimal.RequireFromString("0.012")) &&
			len(req.ClientOrderID) > len(clientOrderIDPrefix)
	})).Return(resp, nil)

	sink := &recordingSink{}
	c := newTestClient(t, tr, Config{}, WithEventSink(sink))

	got, err := c.PlaceOrder(context.Background(), marketBuy("0.0123456"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.OrderID)
	assert.Contains(t, sink.types(), "ORDER_QTY_NORMALIZED")

	// second order reuses memoized filters
	_, err = c.PlaceOrder(context.Background(), marketBuy("0.012"))
	require.NoError(t, err)
	tr.AssertNumberOfCalls(t, "SymbolFilters", 1)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, domain.OrderEventSuccess, history[0].Status)
	assert.True(t, history[0].Quantity.Equal(decimal.RequireFromString("0.012")))
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(60000)))
}

func TestClient_ResponsesAreIsolatedCopies(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	shared := &domain.OrderResponse{
		OrderID: 7,
		Fills:   []domain.Fill{{Price: decimal.NewFromInt(60000)}},
		Raw:     map[string]any{"nested": map[string]any{"status": "FILLED"}},
	}
	// the transport hands back the same object for both orders
	tr.On("SubmitOrder", mock.Anything, mock.Anything).Return(shared, nil).Twice()

	c := newTestClient(t, tr, Config{})

	first, err := c.PlaceOrder(context.Background(), marketBuy("0.01"))
	require.NoError(t, err)
	second, err := c.PlaceOrder(context.Background(), marketBuy("0.02"))
	require.NoError(t, err)
	assert.NotSame(t, shared, first)
	assert.NotSame(t, first, second)

	first.Raw["nested"].(map[string]any)["status"] = "MUTATED"
	first.Fills[0].CommissionAsset = "MUTATED"
	shared.Raw["nested"].(map[string]any)["status"] = "MUTATED_AT_SOURCE"
	shared.OrderID = 0
	assert.Equal(t, "FILLED", second.Raw["nested"].(map[string]any)["status"])

	history := c.History()
	require.Len(t, history, 2)
	require.NotNil(t, history[0].Response)
	require.NotNil(t, history[1].Response)
	assert.NotSame(t, history[0].Response, history[1].Response)

	history[0].Response.Raw["nested"].(map[string]any)["status"] = "MUTATED_HISTORY"
	history[0].Response.Fills[0].CommissionAsset = "MUTATED_HISTORY"
	history[0].Response.OrderID = 99

	assert.Equal(t, int64(7), history[1].Response.OrderID)
	assert.Equal(t, "FILLED", history[1].Response.Raw["nested"].(map[string]any)["status"])
	assert.Empty(t, history[1].Response.Fills[0].CommissionAsset)

	// a fresh snapshot still carries the original values for both entries
	fresh := c.History()
	for _, e := range fresh {
		assert.Equal(t, int64(7), e.Response.OrderID)
		assert.Equal(t, "FILLED", e.Response.Raw["nested"].(map[string]any)["status"])
		assert.Empty(t, e.Response.Fills[0].CommissionAsset)
	}
}

func TestClient_ConcurrentOrdersAppendEveryOutcome(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	tr.On("SubmitOrder", mock.Anything, mock.Anything).Return(&domain.OrderResponse{OrderID: 1}, nil)

	c := newTestClient(t, tr, Config{HistorySize: 100, FailureThreshold: 100})

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.PlaceOrder(context.Background(), marketBuy("0.01"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history := c.History()
	require.Len(t, history, workers)
	for _, e := range history {
		assert.Equal(t, domain.OrderEventSuccess, e.Status)
		require.NotNil(t, e.Response)
	}
	assert.Len(t, c.Status().RecentOrders, workers)
}

func TestClient_FilterFailureIsNotRecorded(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(domain.ExchangeFilters{}, errors.New("exchange info timeout"))

	c := newTestClient(t, tr, Config{})

	_, err := c.PlaceOrder(context.Background(), marketBuy("0.01"))
	require.Error(t, err)

	assert.Empty(t, c.History())
	assert.Contains(t, c.LastError(), "exchange info timeout")
	tr.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestClient_ValidationRejectsBeforeSubmission(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)

	c := newTestClient(t, tr, Config{})

	tests := []struct {
		name   string
		req    domain.OrderRequest
		reason string
	}{
		{name: "rounds to zero", req: marketBuy("0.0004"), reason: domain.ReasonQtyZero},
		{name: "dust quantity", req: marketBuy("0.00008"), reason: domain.ReasonQtyZero},
		{
			name: "limit without price",
			req: domain.OrderRequest{
				Symbol:   "BTCUSDT",
				Side:     domain.SideSell,
				Type:     domain.OrderTypeLimit,
				Quantity: decimal.RequireFromString("0.01"),
			},
			reason: domain.ReasonNoPrice,
		},
		{
			name: "notional",
			req: domain.OrderRequest{
				Symbol:   "BTCUSDT",
				Side:     domain.SideBuy,
				Type:     domain.OrderTypeLimit,
				Quantity: decimal.RequireFromString("0.001"),
				Price:    decimal.NewFromInt(1000),
			},
			reason: domain.ReasonNotionalBelowMin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.PlaceOrder(context.Background(), tt.req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}

	tr.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	assert.Empty(t, c.History())
}

func TestClient_LimitPriceRoundedBySide(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(req domain.OrderRequest) bool {
		return req.Side == domain.SideBuy && req.Price.Equal(decimal.RequireFromString("60000.12"))
	})).Return(&domain.OrderResponse{OrderID: 1}, nil).Once()
	tr.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(req domain.OrderRequest) bool {
		return req.Side == domain.SideSell && req.Price.Equal(decimal.RequireFromString("60000.13"))
	})).Return(&domain.OrderResponse{OrderID: 2}, nil).Once()

	c := newTestClient(t, tr, Config{})

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
			Symbol:   "BTCUSDT",
			Side:     side,
			Type:     domain.OrderTypeLimit,
			Quantity: decimal.RequireFromString("0.01"),
			Price:    decimal.RequireFromString("60000.123"),
		})
		require.NoError(t, err)
	}

	tr.AssertExpectations(t)
}

func TestClient_BreakerOpensAndFailsFast(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	tr.On("SubmitOrder", mock.Anything, mock.Anything).Return(nil, errors.New("exchange 502"))

	sink := &recordingSink{}
	c := newTestClient(t, tr, Config{FailureThreshold: 2, RecoveryTimeout: time.Hour}, WithEventSink(sink))

	for i := 0; i < 2; i++ {
		_, err := c.PlaceOrder(context.Background(), marketBuy("0.01"))
		var oerr *domain.OrderError
		require.ErrorAs(t, err, &oerr)
	}
	assert.Equal(t, BreakerOpen, c.Breaker().State())
	assert.False(t, c.Ready())

	_, err := c.PlaceOrder(context.Background(), marketBuy("0.01"))
	var cerr *domain.CircuitOpenError
	require.ErrorAs(t, err, &cerr)
	tr.AssertNumberOfCalls(t, "SubmitOrder", 2)

	status := c.Status()
	assert.Equal(t, BreakerOpen, status.CircuitBreakerState)
	assert.Equal(t, 2, status.FailureCount)
	assert.NotNil(t, status.LastFailureTime)
	assert.Len(t, status.RecentOrders, 3)
	assert.Contains(t, sink.types(), "CIRCUIT_OPENED")
}

func TestClient_ReconnectsOnceThenUnavailable(t *testing.T) {
	var dials int
	c, err := NewClient(Config{AccountType: domain.AccountTypeSpot}, func(context.Context, Credentials) (Transport, error) {
		dials++
		return nil, errors.New("dns failure")
	})
	require.NoError(t, err)

	_, err = c.PlaceOrder(context.Background(), marketBuy("0.01"))
	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 1, dials)
	assert.False(t, c.Connected())
	assert.Contains(t, c.LastError(), "dns failure")

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.OrderEventError, history[0].Status)
}

func TestClient_ConnectFailureKeepsClientDisconnected(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(errors.New("invalid api key"))

	sink := &recordingSink{}
	c, err := NewClient(Config{AccountType: domain.AccountTypeFutures}, staticDialer(tr), WithEventSink(sink))
	require.NoError(t, err)

	assert.False(t, c.Connect(context.Background()))
	assert.False(t, c.Ready())
	assert.Equal(t, "invalid api key", c.LastError())
	assert.Equal(t, []string{"CONNECTION_FAILED"}, sink.types())
}

func TestClient_HistoryIsBounded(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	tr.On("SubmitOrder", mock.Anything, mock.Anything).Return(&domain.OrderResponse{OrderID: 1}, nil)

	c := newTestClient(t, tr, Config{HistorySize: 3})

	for i := 1; i <= 5; i++ {
		_, err := c.PlaceOrder(context.Background(), marketBuy(decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(100)).String()))
		require.NoError(t, err)
	}

	history := c.History()
	require.Len(t, history, 3)
	assert.True(t, history[0].Quantity.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, history[2].Quantity.Equal(decimal.RequireFromString("0.05")))
}

func TestClient_FuturesLeverageOnEntriesOnly(t *testing.T) {
	tr := &futuresTransportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)
	tr.On("LatestPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(60000), nil)
	tr.On("SetLeverage", mock.Anything, "BTCUSDT", 5).Return(nil).Once()
	tr.On("SubmitOrder", mock.Anything, mock.Anything).Return(&domain.OrderResponse{OrderID: 1}, nil)

	c := newTestClient(t, tr, Config{AccountType: domain.AccountTypeFutures})

	entry := marketBuy("0.01")
	entry.Leverage = 5
	_, err := c.PlaceOrder(context.Background(), entry)
	require.NoError(t, err)

	exit := marketBuy("0.01")
	exit.Side = domain.SideSell
	exit.Leverage = 5
	exit.ReduceOnly = true
	_, err = c.PlaceOrder(context.Background(), exit)
	require.NoError(t, err)

	tr.AssertExpectations(t)
	tr.AssertNumberOfCalls(t, "SetLeverage", 1)
}

func TestClient_ReconnectDropsFilterCache(t *testing.T) {
	tr := &transportMock{}
	tr.On("Ping", mock.Anything).Return(nil)
	tr.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(btcFilters(), nil)

	c := newTestClient(t, tr, Config{})

	_, err := c.Filters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, c.Connect(context.Background()))
	_, err = c.Filters(context.Background(), "btcusdt")
	require.NoError(t, err)

	tr.AssertNumberOfCalls(t, "SymbolFilters", 2)
}
