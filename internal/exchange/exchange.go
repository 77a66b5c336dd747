package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/papertrade/internal/logging"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/pricefeed"
)

const defaultPriceTimeout = 10 * time.Second

// Ledger is the set of account-scoped records a settlement may read and
// write. All writes made through one Ledger commit together or not at all.
type Ledger interface {
	UpdateBalance(ctx context.Context, balance decimal.Decimal) error
	AssetByCoingeckoID(ctx context.Context, coingeckoID string) (*models.Asset, error)
	UpsertAsset(ctx context.Context, asset *models.Asset) (*models.Asset, error)
	Holding(ctx context.Context, assetID int) (*models.Holding, error)
	SaveHolding(ctx context.Context, assetID int, amount decimal.Decimal) error
	DeleteHolding(ctx context.Context, assetID int) error
	InsertTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error)
}

// Store gives the engine serialized access to an account.
//
// WithAccount locks the account for the duration of fn, so a balance read
// through user stays valid until fn returns. If fn returns an error nothing
// it wrote is kept. Both methods report a missing account as
// ErrAccountNotFound.
type Store interface {
	WithAccount(ctx context.Context, userID int, fn func(user *models.User, l Ledger) error) error
	Snapshot(ctx context.Context, userID int) (*models.User, []models.Holding, error)
}

// PriceSource returns the live unit price of an asset
type PriceSource interface {
	Quote(ctx context.Context, coingeckoID string) (pricefeed.Quote, error)
}

// Publisher receives every settled transaction after it is committed
type Publisher interface {
	Publish(ctx context.Context, tx models.Transaction) error
}

// Config holds the process-wide trading parameters
type Config struct {
	CommissionRate decimal.Decimal
	PriceTimeout   time.Duration
}

// Settlement is the outcome of a successful buy or sell
type Settlement struct {
	Transaction models.Transaction
	Asset       models.Asset
	Balance     decimal.Decimal
}

// Exchange settles trades against user cash balances and holdings
type Exchange struct {
	store     Store
	prices    PriceSource
	publisher Publisher
	cfg       Config
}

// Option configures an Exchange
type Option func(*Exchange)

// WithPublisher sets the sink for settled transactions
func WithPublisher(p Publisher) Option {
	return func(e *Exchange) {
		e.publisher = p
	}
}

// NewExchange creates a new exchange
func NewExchange(store Store, prices PriceSource, cfg Config, opts ...Option) *Exchange {
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = defaultPriceTimeout
	}
	e := &Exchange{store: store, prices: prices, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CommissionRate returns the fee rate applied to every trade
func (e *Exchange) CommissionRate() decimal.Decimal {
	return e.cfg.CommissionRate
}

// Buy purchases quantity units of an asset at its current feed price
func (e *Exchange) Buy(ctx context.Context, userID int, coingeckoID string, quantity decimal.Decimal) (*Settlement, error) {
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	quote, err := e.Quote(ctx, coingeckoID)
	if err != nil {
		return nil, err
	}
	return e.BuyAt(ctx, userID, quote, quantity)
}

// Sell sells quantity units of an asset at its current feed price
func (e *Exchange) Sell(ctx context.Context, userID int, coingeckoID string, quantity decimal.Decimal) (*Settlement, error) {
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	quote, err := e.Quote(ctx, coingeckoID)
	if err != nil {
		return nil, err
	}
	return e.SellAt(ctx, userID, quote, quantity)
}

// Quote fetches the live price of an asset. There is no fallback to a
// stored price: a feed failure is ErrPriceUnavailable.
func (e *Exchange) Quote(ctx context.Context, coingeckoID string) (pricefeed.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()

	quote, err := e.prices.Quote(qctx, coingeckoID)
	switch {
	case err == nil:
	case errors.Is(err, pricefeed.ErrNotFound):
		return pricefeed.Quote{}, ErrAssetNotFound
	default:
		logging.FromContext(ctx).WithError(err).WithField("coin", coingeckoID).Warn("price lookup failed")
		return pricefeed.Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	quote.ID = coingeckoID
	return quote, nil
}

// BuyAt debits quantity*price plus commission from the user's cash and adds
// quantity to their holding of the quoted asset.
func (e *Exchange) BuyAt(ctx context.Context, userID int, quote pricefeed.Quote, quantity decimal.Decimal) (*Settlement, error) {
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if !quote.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	notional, fee := e.charges(quantity, quote.Price)
	totalCost := notional.Add(fee)

	var result Settlement
	err := e.store.WithAccount(ctx, userID, func(user *models.User, l Ledger) error {
		if user.Balance.LessThan(totalCost) {
			return ErrInsufficientFunds
		}

		asset, err := l.UpsertAsset(ctx, &models.Asset{
			Symbol:       quote.Symbol,
			Name:         quote.Name,
			CoingeckoID:  quote.ID,
			CurrentPrice: decimal.NewNullDecimal(quote.Price),
		})
		if err != nil {
			return err
		}

		holding, err := l.Holding(ctx, asset.ID)
		if err != nil {
			return err
		}
		amount := decimal.Zero
		if holding != nil {
			amount = holding.Amount
		}
		if err := l.SaveHolding(ctx, asset.ID, amount.Add(quantity)); err != nil {
			return err
		}

		balance := user.Balance.Sub(totalCost)
		if err := l.UpdateBalance(ctx, balance); err != nil {
			return err
		}

		tx, err := l.InsertTransaction(ctx, &models.Transaction{
			UserID:  userID,
			AssetID: asset.ID,
			Symbol:  asset.Symbol,
			Side:    models.SideBuy,
			Amount:  quantity,
			Price:   quote.Price,
			Fee:     fee,
			Total:   totalCost,
		})
		if err != nil {
			return err
		}

		result = Settlement{Transaction: *tx, Asset: *asset, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.settled(ctx, &result)
	return &result, nil
}

// SellAt credits quantity*price minus commission to the user's cash and
// removes quantity from their holding. A holding that reaches exactly zero
// is deleted; any nonzero remainder, however small, is kept.
func (e *Exchange) SellAt(ctx context.Context, userID int, quote pricefeed.Quote, quantity decimal.Decimal) (*Settlement, error) {
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if !quote.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	var result Settlement
	err := e.store.WithAccount(ctx, userID, func(user *models.User, l Ledger) error {
		asset, err := l.AssetByCoingeckoID(ctx, quote.ID)
		if err != nil {
			return err
		}
		if asset == nil {
			return ErrAssetNotFound
		}

		holding, err := l.Holding(ctx, asset.ID)
		if err != nil {
			return err
		}
		if holding == nil {
			return ErrHoldingNotFound
		}
		if holding.Amount.LessThan(quantity) {
			return ErrInsufficientHoldings
		}

		notional, fee := e.charges(quantity, quote.Price)
		totalRevenue := notional.Sub(fee)

		remaining := holding.Amount.Sub(quantity)
		if remaining.IsZero() {
			err = l.DeleteHolding(ctx, asset.ID)
		} else {
			err = l.SaveHolding(ctx, asset.ID, remaining)
		}
		if err != nil {
			return err
		}

		asset.CurrentPrice = decimal.NewNullDecimal(quote.Price)
		if asset, err = l.UpsertAsset(ctx, asset); err != nil {
			return err
		}

		balance := user.Balance.Add(totalRevenue)
		if err := l.UpdateBalance(ctx, balance); err != nil {
			return err
		}

		tx, err := l.InsertTransaction(ctx, &models.Transaction{
			UserID:  userID,
			AssetID: asset.ID,
			Symbol:  asset.Symbol,
			Side:    models.SideSell,
			Amount:  quantity,
			Price:   quote.Price,
			Fee:     fee,
			Total:   totalRevenue,
		})
		if err != nil {
			return err
		}

		result = Settlement{Transaction: *tx, Asset: *asset, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.settled(ctx, &result)
	return &result, nil
}

// charges returns the notional value of a trade and the commission on it
func (e *Exchange) charges(quantity, price decimal.Decimal) (notional, fee decimal.Decimal) {
	notional = quantity.Mul(price)
	fee = notional.Mul(e.cfg.CommissionRate)
	return notional, fee
}

func (e *Exchange) settled(ctx context.Context, s *Settlement) {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"user_id":  s.Transaction.UserID,
		"side":     s.Transaction.Side,
		"asset":    s.Asset.CoingeckoID,
		"quantity": s.Transaction.Amount.String(),
		"price":    s.Transaction.Price.String(),
		"fee":      s.Transaction.Fee.String(),
	})
	log.Info("trade settled")

	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, s.Transaction); err != nil {
		log.WithError(err).Warn("failed to publish trade")
	}
}
