package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoCredentials no credentials stored for the requested scope.
	ErrNoCredentials = errors.New("no stored credentials")
	// ErrLiveTradingBlocked live credentials were applied without terms acceptance.
	ErrLiveTradingBlocked = errors.New("live trading blocked: terms of use not accepted")
)

// ConnectionError exchange unreachable or credentials rejected.
type ConnectionError struct {
	AccountType AccountType
	Op          string
	Err         error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s exchange unavailable: %s", e.AccountType, e.Op)
	}
	return fmt.Sprintf("%s exchange unavailable: %s: %v", e.AccountType, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Validation reason codes.
const (
	ReasonNoPrice          = "NO_PRICE"
	ReasonQtyZero          = "QTY_ROUNDS_TO_ZERO"
	ReasonQtyBelowMin      = "QTY_BELOW_MIN"
	ReasonNotionalBelowMin = "NOTIONAL_BELOW_MIN"
	ReasonFiltersMissing   = "FILTERS_UNAVAILABLE"
)

// ValidationError order rejected before any network submission.
type ValidationError struct {
	Symbol  string
	Reason  string
	Details map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order rejected for %s: %s", e.Symbol, e.Reason)
}

// CircuitOpenError breaker is open, the call was not attempted.
type CircuitOpenError struct {
	AccountType AccountType
	Err         error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s circuit open: order not submitted", e.AccountType)
}

func (e *CircuitOpenError) Unwrap() error { return e.Err }

// OrderError exchange rejected or failed the submission.
type OrderError struct {
	Symbol string
	Err    error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order error for %s: %v", e.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// RiskDeniedError order entry blocked by the risk gate.
type RiskDeniedError struct {
	Reason  string
	Details map[string]any
}

func (e *RiskDeniedError) Error() string {
	return "TRADE_BLOCKED: " + e.Reason
}

// PersistenceError best-effort state write failed.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
