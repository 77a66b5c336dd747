package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// ValuePortfolio values the user's holdings at each asset's last stored
// price. An asset with no stored price counts as zero.
func (e *Exchange) ValuePortfolio(ctx context.Context, userID int) (*models.Portfolio, error) {
	user, holdings, err := e.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &models.Portfolio{
		Balance:        user.Balance,
		PortfolioValue: decimal.Zero,
		Holdings:       make([]models.PortfolioLine, 0, len(holdings)),
	}
	for _, h := range holdings {
		price := decimal.Zero
		if h.Asset != nil && h.Asset.CurrentPrice.Valid {
			price = h.Asset.CurrentPrice.Decimal
		}
		value := h.Amount.Mul(price)
		p.PortfolioValue = p.PortfolioValue.Add(value)
		p.Holdings = append(p.Holdings, models.PortfolioLine{Holding: h, Value: value})
	}
	p.TotalValue = p.Balance.Add(p.PortfolioValue)
	return p, nil
}
