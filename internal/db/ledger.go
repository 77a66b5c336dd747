package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/exchange"
	"github.com/xtrntr/papertrade/internal/models"
)

// WithAccount runs fn inside one transaction holding a row lock on the user.
// Concurrent settlements for the same user queue on the lock, so the
// balance passed to fn cannot change underneath it. The transaction commits
// only if fn returns nil.
func (db *DB) WithAccount(ctx context.Context, userID int, fn func(user *models.User, l exchange.Ledger) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the user row for the rest of the transaction
	user, err := scanUser(tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return exchange.ErrAccountNotFound
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}

	if err := fn(user, &ledger{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Snapshot reads a user and their holdings, with asset prices, from a single
// repeatable-read snapshot.
func (db *DB) Snapshot(ctx context.Context, userID int) (*models.User, []models.Holding, error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := scanUser(tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, exchange.ErrAccountNotFound
		}
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT h.id, h.user_id, h.crypto_id, h.amount,
		       c.id, c.symbol, c.name, c.coingecko_id, c.current_price, c.market_cap,
		       c.volume_24h, c.price_change_24h, c.last_updated
		FROM holdings h JOIN cryptocurrencies c ON c.id = h.crypto_id
		WHERE h.user_id = $1
		ORDER BY h.id`,
		userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	holdings := []models.Holding{}
	for rows.Next() {
		h := models.Holding{Asset: &models.Asset{}}
		a := h.Asset
		if err := rows.Scan(&h.ID, &h.UserID, &h.AssetID, &h.Amount,
			&a.ID, &a.Symbol, &a.Name, &a.CoingeckoID, &a.CurrentPrice, &a.MarketCap,
			&a.Volume24h, &a.PriceChange24h, &a.LastUpdated); err != nil {
			return nil, nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to get holdings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return user, holdings, nil
}

// ledger implements exchange.Ledger on an open transaction
type ledger struct {
	tx     pgx.Tx
	userID int
}

func (l *ledger) UpdateBalance(ctx context.Context, balance decimal.Decimal) error {
	_, err := l.tx.Exec(ctx, "UPDATE users SET balance_usd = $1 WHERE id = $2", balance, l.userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (l *ledger) AssetByCoingeckoID(ctx context.Context, coingeckoID string) (*models.Asset, error) {
	a, err := scanAsset(l.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM cryptocurrencies WHERE coingecko_id = $1", coingeckoID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// UpsertAsset records a traded price. Market metadata is left to the sync job.
func (l *ledger) UpsertAsset(ctx context.Context, asset *models.Asset) (*models.Asset, error) {
	a, err := scanAsset(l.tx.QueryRow(ctx, `
		INSERT INTO cryptocurrencies (symbol, name, coingecko_id, current_price, last_updated)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (coingecko_id) DO UPDATE SET
			symbol = COALESCE(NULLIF(EXCLUDED.symbol, ''), cryptocurrencies.symbol),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), cryptocurrencies.name),
			current_price = EXCLUDED.current_price,
			last_updated = NOW()
		RETURNING `+assetColumns,
		asset.Symbol, asset.Name, asset.CoingeckoID, asset.CurrentPrice))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert asset: %w", err)
	}
	return a, nil
}

func (l *ledger) Holding(ctx context.Context, assetID int) (*models.Holding, error) {
	h := &models.Holding{}
	err := l.tx.QueryRow(ctx,
		"SELECT id, user_id, crypto_id, amount FROM holdings WHERE user_id = $1 AND crypto_id = $2",
		l.userID, assetID).Scan(&h.ID, &h.UserID, &h.AssetID, &h.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

func (l *ledger) SaveHolding(ctx context.Context, assetID int, amount decimal.Decimal) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO holdings (user_id, crypto_id, amount) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, crypto_id) DO UPDATE SET amount = EXCLUDED.amount`,
		l.userID, assetID, amount)
	if err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

func (l *ledger) DeleteHolding(ctx context.Context, assetID int) error {
	_, err := l.tx.Exec(ctx, "DELETE FROM holdings WHERE user_id = $1 AND crypto_id = $2", l.userID, assetID)
	if err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

func (l *ledger) InsertTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	n := *t
	err := l.tx.QueryRow(ctx, `
		INSERT INTO transactions (user_id, crypto_id, transaction_type, amount, price_at_transaction, fee, total_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		l.userID, t.AssetID, t.Side, t.Amount, t.Price, t.Fee, t.Total).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	n.UserID = l.userID
	return &n, nil
}

func (l *ledger) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	n := *o
	err := l.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, crypto_id, quantity, price, order_type, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, timestamp`,
		l.userID, o.AssetID, o.Quantity, o.Price, o.Side, o.IsActive).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	n.UserID = l.userID
	return &n, nil
}
