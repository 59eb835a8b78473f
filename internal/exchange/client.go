// Package exchange wraps a trading venue session with order normalization, a
// circuit breaker and a bounded order history. Spot and futures clients share
// the same Client type and differ only in their Transport.
package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout    = 10 * time.Second
	defaultConnectTimeout = 15 * time.Second
	clientOrderIDPrefix   = "eg-"
)

// EventSink receives structured log events.
type EventSink interface {
	Publish(event domain.LogEvent)
}

// Metrics receives order and breaker observations.
type Metrics interface {
	ObserveOrder(accountType domain.AccountType, status domain.OrderEventStatus)
	SetBreakerState(accountType domain.AccountType, state BreakerState)
}

// Config configures a Client.
type Config struct {
	AccountType      domain.AccountType
	Credentials      Credentials
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HistorySize      int
	CallTimeout      time.Duration
	ConnectTimeout   time.Duration
}

// Status connectivity summary safe to re-expose over an API.
type Status struct {
	AccountType         domain.AccountType  `json:"account_type"`
	Connected           bool                `json:"connected"`
	Testnet             bool                `json:"testnet"`
	LastError           string              `json:"last_error,omitempty"`
	RecentOrders        []domain.OrderEvent `json:"recent_orders"`
	CircuitBreakerState BreakerState        `json:"circuit_breaker_state"`
	FailureCount        int                 `json:"failure_count"`
	LastFailureTime     *time.Time          `json:"last_failure_time,omitempty"`
}

// Client is safe for concurrent use. Its lock guards only in-memory state; every
// network call runs with the lock released.
type Client struct {
	cfg     Config
	dial    Dialer
	breaker *Breaker
	logger  *zap.Logger
	sink    EventSink
	metrics Metrics

	mu        sync.Mutex
	transport Transport
	connected bool
	lastError string
	filters   map[string]domain.ExchangeFilters
	history   *orderHistory
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventSink sets the structured event sink.
func WithEventSink(s EventSink) Option {
	return func(c *Client) {
		c.sink = s
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a disconnected client. Call Connect to build the session.
func NewClient(cfg Config, dial Dialer, opts ...Option) (*Client, error) {
	if !cfg.AccountType.IsValid() {
		return nil, errors.Errorf("unsupported account type %q", cfg.AccountType)
	}
	if dial == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	c := &Client{
		cfg:     cfg,
		dial:    dial,
		logger:  zap.NewNop(),
		filters: make(map[string]domain.ExchangeFilters),
		history: newOrderHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "exchange"), zap.String("account_type", cfg.AccountType.String()))

	c.breaker = NewBreaker(BreakerSettings{
		Name:             "exchange-" + cfg.AccountType.String(),
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		OnStateChange:    c.onBreakerStateChange,
	})
	if c.metrics != nil {
		c.metrics.SetBreakerState(cfg.AccountType, BreakerClosed)
	}

	return c, nil
}

// AccountType returns the account type the client trades on.
func (c *Client) AccountType() domain.AccountType {
	return c.cfg.AccountType
}

// Testnet reports whether the client targets the exchange testnet.
func (c *Client) Testnet() bool {
	return c.cfg.Credentials.Testnet
}

// Connect builds a new exchange session. It never returns an error: failures leave
// the client disconnected with LastError set and emit a CONNECTION_FAILED event.
// Cached exchange filters are dropped on every reconnect.
func (c *Client) Connect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	t, err := c.dial(ctx, c.cfg.Credentials)
	if err == nil {
		err = t.Ping(ctx)
	}

	c.mu.Lock()
	c.filters = make(map[string]domain.ExchangeFilters)
	if err != nil {
		c.transport = nil
		c.connected = false
		c.lastError = err.Error()
	} else {
		c.transport = t
		c.connected = true
		c.lastError = ""
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("exchange connection failed", zap.Error(err))
		c.publish(domain.SeverityError, "CONNECTION_FAILED", "exchange connection failed", map[string]any{
			"error":   err.Error(),
			"testnet": c.cfg.Credentials.Testnet,
		})
		return false
	}

	c.logger.Info("exchange connected", zap.Bool("testnet", c.cfg.Credentials.Testnet))
	c.publish(domain.SeverityInfo, "CONNECTED", "exchange connected", map[string]any{
		"testnet": c.cfg.Credentials.Testnet,
	})

	return true
}

// Connected reports whether the last connect succeeded.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Ready is Connected and the breaker is not OPEN.
func (c *Client) Ready() bool {
	return c.Connected() && c.breaker.State() != BreakerOpen
}

// Breaker exposes the client's breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Filters returns the exchange filters for symbol, fetching and memoizing them on first use.
func (c *Client) Filters(ctx context.Context, symbol string) (domain.ExchangeFilters, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	if f, ok := c.filters[symbol]; ok {
		c.mu.Unlock()
		return f, nil
	}
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return domain.ExchangeFilters{}, &domain.ConnectionError{AccountType: c.cfg.AccountType, Op: "exchange info"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	f, err := t.SymbolFilters(callCtx, symbol)
	if err != nil {
		return domain.ExchangeFilters{}, &domain.ConnectionError{AccountType: c.cfg.AccountType, Op: "exchange info", Err: err}
	}
	f.Symbol = symbol

	c.mu.Lock()
	// a reconnect in the meantime invalidates the fetched value
	if c.transport == t {
		c.filters[symbol] = f
	}
	c.mu.Unlock()

	return f, nil
}

// PlaceOrder normalizes and submits an order. Submission is never retried.
//
// A disconnected client reconnects once before anything else. The order is then
// normalized against the symbol filters and checked for min-notional. An open breaker
// fails fast; otherwise the order goes through the breaker and the outcome is recorded.
// History holds submission outcomes only: an unavailable session, an open breaker,
// the exchange result. Failures while preparing the order (filters, price, quantity,
// notional) are returned without a history entry.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return nil, &domain.ValidationError{Reason: "SYMBOL_REQUIRED"}
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeMarket
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return nil, &domain.ValidationError{Symbol: req.Symbol, Reason: "INVALID_SIDE"}
	}

	t, err := c.session(ctx)
	if err != nil {
		c.recordFailure(req, err)
		return nil, err
	}

	filters, err := c.Filters(ctx, req.Symbol)
	if err != nil {
		c.setLastError(err)
		return nil, err
	}

	price, err := c.resolvePrice(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Type == domain.OrderTypeLimit {
		price = NormalizePrice(price, req.Side, filters.TickSize)
		req.Price = price
	}

	requested := req.Quantity
	qty, err := NormalizeQuantity(requested, filters)
	if err != nil {
		return nil, err
	}
	if err := CheckNotional(qty, price, filters); err != nil {
		return nil, err
	}
	req.Quantity = qty

	if !qty.Equal(requested) {
		c.publish(domain.SeverityInfo, "ORDER_QTY_NORMALIZED", "order quantity normalized to exchange filters", map[string]any{
			"symbol":    req.Symbol,
			"requested": requested.String(),
			"adjusted":  qty.String(),
			"step_size": filters.StepSize.String(),
		})
	}

	if c.breaker.State() == BreakerOpen {
		err := &domain.CircuitOpenError{AccountType: c.cfg.AccountType, Err: ErrBreakerOpen}
		c.recordFailure(req, err)
		return nil, err
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = clientOrderIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.submit(ctx, t, req)
	})
	if err != nil {
		if errors.Is(err, ErrBreakerOpen) {
			err = &domain.CircuitOpenError{AccountType: c.cfg.AccountType, Err: err}
		} else {
			err = &domain.OrderError{Symbol: req.Symbol, Err: err}
		}
		c.recordFailure(req, err)
		return nil, err
	}

	resp, _ := res.(*domain.OrderResponse)
	c.recordSuccess(req, price, resp)

	return resp.Clone(), nil
}

func (c *Client) submit(ctx context.Context, t Transport, req domain.OrderRequest) (*domain.OrderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	if ls, ok := t.(leverageSetter); ok && req.Leverage > 0 && !req.ReduceOnly {
		if err := ls.SetLeverage(callCtx, req.Symbol, req.Leverage); err != nil {
			return nil, errors.Wrapf(err, "set leverage %dx", req.Leverage)
		}
	}

	resp, err := t.SubmitOrder(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("exchange returned an empty order response")
	}

	return resp, nil
}

// session returns the current transport, dialing once if there is none.
func (c *Client) session(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		return t, nil
	}

	if !c.Connect(ctx) {
		return nil, &domain.ConnectionError{AccountType: c.cfg.AccountType, Op: "connect", Err: errors.New(c.LastError())}
	}

	c.mu.Lock()
	t = c.transport
	c.mu.Unlock()
	if t == nil {
		return nil, &domain.ConnectionError{AccountType: c.cfg.AccountType, Op: "connect"}
	}

	return t, nil
}

func (c *Client) resolvePrice(ctx context.Context, req domain.OrderRequest) (decimal.Decimal, error) {
	if req.Price.IsPositive() {
		return req.Price, nil
	}
	if req.Type == domain.OrderTypeLimit {
		return decimal.Zero, &domain.ValidationError{Symbol: req.Symbol, Reason: domain.ReasonNoPrice}
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return decimal.Zero, &domain.ConnectionError{AccountType: c.cfg.AccountType, Op: "latest price"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	price, err := t.LatestPrice(callCtx, req.Symbol)
	if err != nil {
		return decimal.Zero, &domain.ConnectionError{AccountType: c.cfg.AccountType, Op: "latest price", Err: err}
	}
	if !price.IsPositive() {
		return decimal.Zero, &domain.ValidationError{Symbol: req.Symbol, Reason: domain.ReasonNoPrice}
	}

	return price, nil
}

func (c *Client) recordSuccess(req domain.OrderRequest, price decimal.Decimal, resp *domain.OrderResponse) {
	event := domain.OrderEvent{
		Timestamp: time.Now().UTC(),
		Status:    domain.OrderEventSuccess,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     price,
		Testnet:   c.cfg.Credentials.Testnet,
		Response:  resp.Clone(),
	}

	c.mu.Lock()
	c.history.append(event)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveOrder(c.cfg.AccountType, domain.OrderEventSuccess)
	}
	c.logger.Info("order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("qty", req.Quantity.String()),
		zap.String("client_order_id", req.ClientOrderID))
}

func (c *Client) recordFailure(req domain.OrderRequest, err error) {
	event := domain.OrderEvent{
		Timestamp: time.Now().UTC(),
		Status:    domain.OrderEventError,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Testnet:   c.cfg.Credentials.Testnet,
		Error:     err.Error(),
	}

	c.mu.Lock()
	c.history.append(event)
	c.lastError = err.Error()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveOrder(c.cfg.AccountType, domain.OrderEventError)
	}
	c.logger.Warn("order failed", zap.String("symbol", req.Symbol), zap.Error(err))
	c.publish(domain.SeverityError, "ORDER_FAILED", "order submission failed", map[string]any{
		"symbol": req.Symbol,
		"side":   string(req.Side),
		"qty":    req.Quantity.String(),
		"error":  err.Error(),
	})
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// LastError returns the most recent connection or order error.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// History returns deep copies of the recorded order events, oldest first.
func (c *Client) History() []domain.OrderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.snapshot()
}

// Status returns the connectivity, breaker and recent order summary.
func (c *Client) Status() Status {
	breaker := c.breaker.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		AccountType:         c.cfg.AccountType,
		Connected:           c.connected,
		Testnet:             c.cfg.Credentials.Testnet,
		LastError:           c.lastError,
		RecentOrders:        c.history.snapshot(),
		CircuitBreakerState: breaker.State,
		FailureCount:        breaker.FailureCount,
		LastFailureTime:     breaker.LastFailureTime,
	}
}

func (c *Client) onBreakerStateChange(from, to BreakerState) {
	if c.metrics != nil {
		c.metrics.SetBreakerState(c.cfg.AccountType, to)
	}

	severity := domain.SeverityInfo
	if to == BreakerOpen {
		severity = domain.SeverityError
	}
	eventType := "CIRCUIT_CLOSED"
	switch to {
	case BreakerOpen:
		eventType = "CIRCUIT_OPENED"
	case BreakerHalfOpen:
		eventType = "CIRCUIT_HALF_OPEN"
	}

	c.logger.Info("circuit breaker state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	c.publish(severity, eventType, "circuit breaker "+string(from)+" -> "+string(to), map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (c *Client) publish(severity domain.Severity, eventType, message string, details map[string]any) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(domain.NewLogEvent(eventType, severity, c.cfg.AccountType, message, details))
}
