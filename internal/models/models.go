package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides shared by transactions and resting orders
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// User represents a registered user and their cash account
type User struct {
	ID           int             `json:"id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance_usd"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a tradable cryptocurrency and its last known market data
type Asset struct {
	ID             int                 `json:"id"`
	Symbol         string              `json:"symbol"`
	Name           string              `json:"name"`
	CoingeckoID    string              `json:"coingecko_id"`
	CurrentPrice   decimal.NullDecimal `json:"current_price"`
	MarketCap      decimal.NullDecimal `json:"market_cap"`
	Volume24h      decimal.NullDecimal `json:"volume_24h"`
	PriceChange24h decimal.NullDecimal `json:"price_change_24h"`
	LastUpdated    *time.Time          `json:"last_updated"`
}

// Holding is a user's position in one asset. Amount is always > 0 while the row exists.
type Holding struct {
	ID      int             `json:"id"`
	UserID  int             `json:"-"`
	AssetID int             `json:"-"`
	Amount  decimal.Decimal `json:"amount"`
	Asset   *Asset          `json:"crypto,omitempty"`
}

// Transaction is an immutable record of a settled trade. Price is the unit
// price at execution; Total is the cost for buys and the revenue for sells.
type Transaction struct {
	ID        int             `json:"id"`
	UserID    int             `json:"-"`
	AssetID   int             `json:"-"`
	Symbol    string          `json:"crypto"`
	Side      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"date"`
}

// Order is a resting limit order. It is recorded but never matched.
type Order struct {
	ID        int             `json:"id"`
	UserID    int             `json:"-"`
	AssetID   int             `json:"-"`
	Symbol    string          `json:"crypto"`
	Side      string          `json:"order_type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"timestamp"`
}

// PortfolioLine values a single holding at the asset's last known price
type PortfolioLine struct {
	Holding
	Value decimal.Decimal `json:"total_value"`
}

// Portfolio is a point-in-time valuation of a user's account
type Portfolio struct {
	Balance        decimal.Decimal `json:"balance_usd"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Holdings       []PortfolioLine `json:"holdings"`
}
