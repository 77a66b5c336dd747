package exchange

import "errors"

// Business-rule failures. None of them leave partial state behind.
var (
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrInvalidSide          = errors.New("side must be 'buy' or 'sell'")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrHoldingNotFound      = errors.New("no holding for asset")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAssetNotFound        = errors.New("asset not found")
)
