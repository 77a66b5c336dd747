package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match no row
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned when registering a username that exists
	ErrUsernameTaken = errors.New("username already exists")
	// ErrEmailTaken is returned when registering an email that exists
	ErrEmailTaken = errors.New("email already in use")
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

const userColumns = "id, username, email, password_hash, balance_usd, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Balance, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// CreateUser inserts a new user with an opening cash balance
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash, balance_usd) VALUES ($1, $2, $3, $4) RETURNING "+userColumns,
		username, email, passwordHash, balance))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "users_email_key" {
				return nil, ErrEmailTaken
			}
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

const assetColumns = "id, symbol, name, coingecko_id, current_price, market_cap, volume_24h, price_change_24h, last_updated"

func scanAsset(row pgx.Row) (*models.Asset, error) {
	a := &models.Asset{}
	err := row.Scan(&a.ID, &a.Symbol, &a.Name, &a.CoingeckoID, &a.CurrentPrice,
		&a.MarketCap, &a.Volume24h, &a.PriceChange24h, &a.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListAssets retrieves all known assets ordered by market cap
func (db *DB) ListAssets(ctx context.Context) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+assetColumns+" FROM cryptocurrencies ORDER BY market_cap DESC NULLS LAST, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := []models.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// GetAssetByCoingeckoID retrieves an asset by its price feed id
func (db *DB) GetAssetByCoingeckoID(ctx context.Context, coingeckoID string) (*models.Asset, error) {
	a, err := scanAsset(db.Pool.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM cryptocurrencies WHERE coingecko_id = $1", coingeckoID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, err
}

// UpsertMarket inserts or refreshes an asset with full market metadata
func (db *DB) UpsertMarket(ctx context.Context, a *models.Asset) (*models.Asset, error) {
	updated, err := scanAsset(db.Pool.QueryRow(ctx, `
		INSERT INTO cryptocurrencies (symbol, name, coingecko_id, current_price, market_cap, volume_24h, price_change_24h, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (coingecko_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			current_price = EXCLUDED.current_price,
			market_cap = EXCLUDED.market_cap,
			volume_24h = EXCLUDED.volume_24h,
			price_change_24h = EXCLUDED.price_change_24h,
			last_updated = EXCLUDED.last_updated
		RETURNING `+assetColumns,
		a.Symbol, a.Name, a.CoingeckoID, a.CurrentPrice, a.MarketCap, a.Volume24h, a.PriceChange24h, a.LastUpdated))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert asset: %w", err)
	}
	return updated, nil
}

// GetUserTransactions retrieves a user's most recent transactions, newest first
func (db *DB) GetUserTransactions(ctx context.Context, userID, limit int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT t.id, t.user_id, t.crypto_id, c.symbol, t.transaction_type, t.amount,
		       t.price_at_transaction, t.fee, t.total_cost, t.created_at
		FROM transactions t JOIN cryptocurrencies c ON c.id = t.crypto_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.AssetID, &t.Symbol, &t.Side, &t.Amount,
			&t.Price, &t.Fee, &t.Total, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	return transactions, nil
}

// GetUserOrders retrieves all resting orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT o.id, o.user_id, o.crypto_id, c.symbol, o.order_type, o.quantity, o.price, o.is_active, o.timestamp
		FROM orders o JOIN cryptocurrencies c ON c.id = o.crypto_id
		WHERE o.user_id = $1
		ORDER BY o.timestamp DESC, o.id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.AssetID, &o.Symbol, &o.Side, &o.Quantity, &o.Price, &o.IsActive, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return orders, nil
}
