// Package engine holds the shared single-tenant trading clients.
package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/exchange"
	"github.com/vadiminshakov/execguard/internal/riskgate"
	"go.uber.org/zap"
)

// ErrNotEnabled no client has been enabled for the account type.
var ErrNotEnabled = errors.New("trading not enabled")

// Mode is the live/futures state of the engine. With neither client enabled the
// engine places no orders at all.
type Mode struct {
	Spot    bool `json:"spot_enabled"`
	Futures bool `json:"futures_enabled"`
	// Live is true when at least one enabled client targets the production venue.
	Live    bool `json:"live"`
}

// Engine is safe for concurrent use.
type Engine struct {
	template   exchange.Config
	dialers    map[domain.AccountType]exchange.Dialer
	clientOpts []exchange.Option
	observers  []ClientObserver
	l          *zap.Logger

	// futures entries always pass through the gate; composed once.
	futures riskgate.OrderPlacer

	mu      sync.RWMutex
	clients map[domain.AccountType]*exchange.Client
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

// ClientObserver is told when a client is swapped in (creds set) or dropped (creds nil).
type ClientObserver func(accountType domain.AccountType, creds *exchange.Credentials)

// WithClientObserver registers fn for client changes.
func WithClientObserver(fn ClientObserver) Option {
	return func(e *Engine) {
		if fn != nil {
			e.observers = append(e.observers, fn)
		}
	}
}

// WithClientOptions are applied to every client the engine creates.
func WithClientOptions(opts ...exchange.Option) Option {
	return func(e *Engine) {
		e.clientOpts = append(e.clientOpts, opts...)
	}
}

// New creates an engine with no enabled clients. template carries breaker, history and
// timeout settings; its account type and credentials are ignored. A nil gate leaves
// futures orders ungated.
func New(template exchange.Config, dialers map[domain.AccountType]exchange.Dialer, gate *riskgate.Gate, opts ...Option) *Engine {
	e := &Engine{
		template: template,
		dialers:  dialers,
		l:        zap.NewNop(),
		clients:  make(map[domain.AccountType]*exchange.Client),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.l = e.l.With(zap.String("component", "engine"))

	direct := placerFunc(func(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
		return e.placeDirect(ctx, domain.AccountTypeFutures, req)
	})
	if gate != nil {
		e.futures = riskgate.NewGatedPlacer(direct, gate)
	} else {
		e.futures = direct
	}

	return e
}

// EnableLive connects a new client with creds and swaps it in. The previous client,
// if any, stays active when the connection fails.
func (e *Engine) EnableLive(ctx context.Context, accountType domain.AccountType, creds exchange.Credentials) error {
	dial, ok := e.dialers[accountType]
	if !ok {
		return errors.Errorf("no dialer for account type %q", accountType)
	}

	cfg := e.template
	cfg.AccountType = accountType
	cfg.Credentials = creds

	c, err := exchange.NewClient(cfg, dial, e.clientOpts...)
	if err != nil {
		return errors.Wrap(err, "create client")
	}
	if !c.Connect(ctx) {
		return &domain.ConnectionError{AccountType: accountType, Op: "connect", Err: errors.New(c.LastError())}
	}

	e.mu.Lock()
	e.clients[accountType] = c
	e.mu.Unlock()

	e.l.Info("trading enabled",
		zap.String("account_type", accountType.String()),
		zap.Bool("testnet", creds.Testnet))
	e.notify(accountType, &creds)

	return nil
}

// Disable drops the client for accountType.
func (e *Engine) Disable(accountType domain.AccountType) {
	e.mu.Lock()
	_, ok := e.clients[accountType]
	delete(e.clients, accountType)
	e.mu.Unlock()

	if ok {
		e.l.Info("trading disabled", zap.String("account_type", accountType.String()))
		e.notify(accountType, nil)
	}
}

func (e *Engine) notify(accountType domain.AccountType, creds *exchange.Credentials) {
	for _, fn := range e.observers {
		fn(accountType, creds)
	}
}

// Client returns the enabled client for accountType, or nil.
func (e *Engine) Client(accountType domain.AccountType) *exchange.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.clients[accountType]
}

// Mode reports which clients are enabled.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var m Mode
	for at, c := range e.clients {
		switch at {
		case domain.AccountTypeSpot:
			m.Spot = true
		case domain.AccountTypeFutures:
			m.Futures = true
		}
		if !c.Testnet() {
			m.Live = true
		}
	}

	return m
}

// PlaceOrder routes futures orders through the risk gate and spot orders straight to the client.
func (e *Engine) PlaceOrder(ctx context.Context, accountType domain.AccountType, req domain.OrderRequest) (*domain.OrderResponse, error) {
	if accountType == domain.AccountTypeFutures {
		return e.futures.PlaceOrder(ctx, req)
	}

	return e.placeDirect(ctx, accountType, req)
}

// Status returns the status of every enabled client.
func (e *Engine) Status() map[domain.AccountType]exchange.Status {
	e.mu.RLock()
	clients := make(map[domain.AccountType]*exchange.Client, len(e.clients))
	for at, c := range e.clients {
		clients[at] = c
	}
	e.mu.RUnlock()

	out := make(map[domain.AccountType]exchange.Status, len(clients))
	for at, c := range clients {
		out[at] = c.Status()
	}

	return out
}

func (e *Engine) placeDirect(ctx context.Context, accountType domain.AccountType, req domain.OrderRequest) (*domain.OrderResponse, error) {
	c := e.Client(accountType)
	if c == nil {
		return nil, errors.Wrapf(ErrNotEnabled, "%s", accountType)
	}

	return c.PlaceOrder(ctx, req)
}

type placerFunc func(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error)

func (f placerFunc) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResponse, error) {
	return f(ctx, req)
}
