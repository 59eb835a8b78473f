package exchange

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/pkg/retrier"
	"golang.org/x/time/rate"
)

const (
	spotMainnetURL    = "https://api.binance.com"
	spotTestnetURL    = "https://testnet.binance.vision"
	futuresMainnetURL = "https://fapi.binance.com"
	futuresTestnetURL = "https://testnet.binancefuture.com"

	// read-only endpoints share a budget well below the exchange request weight limits
	readRequestsPerSecond = 10
	readBurst             = 5
)

// readGuard throttles and retries idempotent reads. Order submission never goes through it.
type readGuard struct {
	limiter *rate.Limiter
	retrier *retrier.Retrier
}

func newReadGuard() *readGuard {
	return &readGuard{
		limiter: rate.NewLimiter(rate.Limit(readRequestsPerSecond), readBurst),
		retrier: retrier.New(
			retrier.WithInitialInterval(200*time.Millisecond),
			retrier.WithMaxInterval(2*time.Second),
			retrier.WithMaxRetries(2),
			retrier.WithRetryIf(isTransient),
		),
	}
}

func (g *readGuard) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.retrier.Do(ctx, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// isTransient reports network timeouts. Exchange API rejections are final.
func isTransient(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// parseFilters reads LOT_SIZE, PRICE_FILTER and NOTIONAL/MIN_NOTIONAL entries of a
// symbol. Spot reports minNotional, futures reports notional.
func parseFilters(symbol string, raw []map[string]interface{}) (domain.ExchangeFilters, error) {
	f := domain.ExchangeFilters{Symbol: symbol}
	var haveLot bool

	for _, entry := range raw {
		kind, _ := entry["filterType"].(string)
		switch kind {
		case "LOT_SIZE":
			f.StepSize = filterDecimal(entry, "stepSize")
			f.MinQty = filterDecimal(entry, "minQty")
			f.MaxQty = filterDecimal(entry, "maxQty")
			haveLot = true
		case "PRICE_FILTER":
			f.TickSize = filterDecimal(entry, "tickSize")
		case "NOTIONAL", "MIN_NOTIONAL":
			if v := filterDecimal(entry, "minNotional"); v.IsPositive() {
				f.MinNotional = v
			} else if v := filterDecimal(entry, "notional"); v.IsPositive() {
				f.MinNotional = v
			}
		}
	}

	if !haveLot {
		return f, &domain.ValidationError{Symbol: symbol, Reason: domain.ReasonFiltersMissing}
	}

	return f, nil
}

func filterDecimal(entry map[string]interface{}, key string) decimal.Decimal {
	switch v := entry[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	default:
		return decimal.Zero
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toRaw flattens an exchange response into a JSON-compatible map.
func toRaw(v any) map[string]any {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return out
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
