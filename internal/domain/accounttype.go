// Package domain defines core data structures shared by the execution safety layer.
package domain

// AccountType exchange account a credential or client belongs to.
type AccountType string

const (
	// AccountTypeSpot spot trading account.
	AccountTypeSpot AccountType = "spot"
	// AccountTypeFutures USDⓈ-M futures trading account.
	AccountTypeFutures AccountType = "futures"
)

// AccountTypes lists every supported account type in a stable order.
var AccountTypes = []AccountType{AccountTypeSpot, AccountTypeFutures}

// String returns the string representation.
func (a AccountType) String() string {
	return string(a)
}

// IsValid checks if the AccountType value is valid.
func (a AccountType) IsValid() bool {
	return a == AccountTypeSpot || a == AccountTypeFutures
}
