package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// CreateOrder records a resting limit order. Orders are never matched.
//
// A sell order requires the user to hold at least quantity of the asset at
// creation time. Nothing is reserved, so a later Sell can still spend it.
func (e *Exchange) CreateOrder(ctx context.Context, userID int, coingeckoID, side string, quantity, price decimal.Decimal) (*models.Order, error) {
	if side != models.SideBuy && side != models.SideSell {
		return nil, ErrInvalidSide
	}
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	var order *models.Order
	err := e.store.WithAccount(ctx, userID, func(user *models.User, l Ledger) error {
		asset, err := l.AssetByCoingeckoID(ctx, coingeckoID)
		if err != nil {
			return err
		}
		if asset == nil {
			return ErrAssetNotFound
		}

		if side == models.SideSell {
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
		}

		order, err = l.InsertOrder(ctx, &models.Order{
			UserID:   userID,
			AssetID:  asset.ID,
			Symbol:   asset.Symbol,
			Side:     side,
			Quantity: quantity,
			Price:    price,
			IsActive: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
