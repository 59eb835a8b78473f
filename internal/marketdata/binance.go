// Package marketdata provides the historical-candle provider and the realized-PnL
// source the risk gate consumes, backed by Binance USDⓈ-M futures.
package marketdata

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"

	maxKlinesPerRequest = 1500
	maxIncomePerRequest = 1000
	defaultCallTimeout  = 15 * time.Second
	defaultRPS          = 5
)

const incomeRealizedPnL = "REALIZED_PNL"

// ErrNoCredentials income history needs an API key.
var ErrNoCredentials = errors.New("income history requires futures credentials")

// Config configures a BinanceFutures provider.
type Config struct {
	APIKey      string
	APISecret   string
	Testnet     bool
	BaseURL     string // overrides the mainnet/testnet URL when set
	CallTimeout time.Duration
	RPS         float64
}

// BinanceFutures fetches klines and realized PnL income from Binance futures.
// Both calls are read-only and retried on timeouts.
type BinanceFutures struct {
	baseURL     string
	limiter     *rate.Limiter
	retrier     *retrier.Retrier
	callTimeout time.Duration
	l           *zap.Logger

	mu      sync.RWMutex
	client  *futures.Client
	hasKeys bool
}

// NewBinanceFutures creates a provider. Income history requires API credentials;
// klines do not.
func NewBinanceFutures(cfg Config, l *zap.Logger) *BinanceFutures {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = defaultRPS
	}

	p := &BinanceFutures{
		baseURL: cfg.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		retrier: retrier.New(
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxInterval(5*time.Second),
			retrier.WithMaxRetries(2),
			retrier.WithRetryIf(isTimeout),
		),
		callTimeout: cfg.CallTimeout,
		l:           l.With(zap.String("component", "marketdata")),
	}
	p.SetCredentials(cfg.APIKey, cfg.APISecret, cfg.Testnet)

	return p
}

// SetCredentials swaps the API credentials and network. Empty keys leave klines
// working and make Executions fail with ErrNoCredentials.
func (p *BinanceFutures) SetCredentials(apiKey, apiSecret string, testnet bool) {
	client := binance.NewFuturesClient(apiKey, apiSecret)
	switch {
	case p.baseURL != "":
		client.BaseURL = p.baseURL
	case testnet:
		client.BaseURL = testnetURL
	default:
		client.BaseURL = mainnetURL
	}

	p.mu.Lock()
	p.client = client
	p.hasKeys = apiKey != "" && apiSecret != ""
	p.mu.Unlock()
}

func (p *BinanceFutures) current() (*futures.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client, p.hasKeys
}

// Candles returns up to limit most recent candles for symbol, oldest first.
func (p *BinanceFutures) Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	symbol = strings.ToUpper(symbol)

	klines, err := retrier.DoWithData(p.retrier, ctx, func(ctx context.Context) ([]*futures.Kline, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		client, _ := p.current()
		return client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(callCtx)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch klines for %s", symbol)
	}

	result := make([]domain.Candle, 0, len(klines))
	for i, k := range klines {
		c, err := parseKline(k)
		if err != nil {
			return nil, errors.Wrapf(err, "kline %d for %s", i, symbol)
		}
		result = append(result, c)
	}

	return result, nil
}

// Executions returns realized PnL entries for symbol since the given time, oldest first.
func (p *BinanceFutures) Executions(ctx context.Context, symbol string, since time.Time) ([]domain.Execution, error) {
	symbol = strings.ToUpper(symbol)
	client, ok := p.current()
	if !ok {
		return nil, ErrNoCredentials
	}

	incomes, err := retrier.DoWithData(p.retrier, ctx, func(ctx context.Context) ([]*futures.IncomeHistory, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		return client.NewGetIncomeHistoryService().
			Symbol(symbol).
			IncomeType(incomeRealizedPnL).
			StartTime(since.UnixMilli()).
			Limit(maxIncomePerRequest).
			Do(callCtx)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch income history for %s", symbol)
	}

	result := make([]domain.Execution, 0, len(incomes))
	for _, in := range incomes {
		if in.IncomeType != incomeRealizedPnL {
			continue
		}
		pnl, err := decimal.NewFromString(in.Income)
		if err != nil {
			p.l.Warn("skipping unparsable income entry", zap.String("symbol", symbol), zap.String("income", in.Income))
			continue
		}
		result = append(result, domain.Execution{
			Time:        time.UnixMilli(in.Time).UTC(),
			RealizedPnL: pnl,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Time.Before(result[j].Time) })

	return result, nil
}

func parseKline(k *futures.Kline) (domain.Candle, error) {
	var (
		c   domain.Candle
		err error
	)
	c.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	c.CloseTime = time.UnixMilli(k.CloseTime).UTC()

	if c.Open, err = decimal.NewFromString(k.Open); err != nil {
		return domain.Candle{}, errors.Wrap(err, "failed to parse open price")
	}
	if c.High, err = decimal.NewFromString(k.High); err != nil {
		return domain.Candle{}, errors.Wrap(err, "failed to parse high price")
	}
	if c.Low, err = decimal.NewFromString(k.Low); err != nil {
		return domain.Candle{}, errors.Wrap(err, "failed to parse low price")
	}
	if c.Close, err = decimal.NewFromString(k.Close); err != nil {
		return domain.Candle{}, errors.Wrap(err, "failed to parse close price")
	}
	if c.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return domain.Candle{}, errors.Wrap(err, "failed to parse volume")
	}

	return c, nil
}

func isTimeout(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
