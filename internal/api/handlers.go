package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/exchange"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/pricefeed"
)

// Transaction history is capped at this many rows per request
const maxTransactions = 50

// Trader settles trades and values portfolios
type Trader interface {
	Buy(ctx context.Context, userID int, coingeckoID string, quantity decimal.Decimal) (*exchange.Settlement, error)
	Sell(ctx context.Context, userID int, coingeckoID string, quantity decimal.Decimal) (*exchange.Settlement, error)
	ValuePortfolio(ctx context.Context, userID int) (*models.Portfolio, error)
	CreateOrder(ctx context.Context, userID int, coingeckoID, side string, quantity, price decimal.Decimal) (*models.Order, error)
	Quote(ctx context.Context, coingeckoID string) (pricefeed.Quote, error)
}

// Store serves the read-only queries behind the API
type Store interface {
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	GetUserTransactions(ctx context.Context, userID, limit int) ([]models.Transaction, error)
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	ListAssets(ctx context.Context) ([]models.Asset, error)
	GetAssetByCoingeckoID(ctx context.Context, coingeckoID string) (*models.Asset, error)
}

// Syncer refreshes stored market data on demand
type Syncer interface {
	Sync(ctx context.Context) ([]models.Asset, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          Store
	Exchange    Trader
	AuthService *auth.AuthService
	Syncer      Syncer
}

// NewHandler creates a new handler. syncer may be nil.
func NewHandler(store Store, ex Trader, authService *auth.AuthService, syncer Syncer) *Handler {
	return &Handler{DB: store, Exchange: ex, AuthService: authService, Syncer: syncer}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,max=80"`
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required,max=72"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tradeRequest struct {
	CoingeckoID string          `json:"coingecko_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

type orderRequest struct {
	CoingeckoID string          `json:"coingecko_id" validate:"required"`
	OrderType   string          `json:"order_type" validate:"required,oneof=buy sell"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

type authResponse struct {
	Message     string       `json:"message,omitempty"`
	AccessToken string       `json:"access_token"`
	User        *models.User `json:"user"`
}

// tradeResult reports the total as total_cost for a buy and total_revenue
// for a sell.
type tradeResult struct {
	ID           int              `json:"id"`
	Type         string           `json:"type"`
	Crypto       string           `json:"crypto"`
	Amount       decimal.Decimal  `json:"amount"`
	Price        decimal.Decimal  `json:"price"`
	Fee          decimal.Decimal  `json:"fee"`
	TotalCost    *decimal.Decimal `json:"total_cost,omitempty"`
	TotalRevenue *decimal.Decimal `json:"total_revenue,omitempty"`
	NewBalance   decimal.Decimal  `json:"new_balance"`
}

type tradeResponse struct {
	Message     string      `json:"message"`
	Transaction tradeResult `json:"transaction"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := h.AuthService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Message: "registration successful", AccessToken: token, User: user})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{AccessToken: token, User: user})
}

// Me returns the authenticated user's account
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.DB.GetUserByID(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Buy purchases an asset at its live price
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.Exchange.Buy, "purchase successful")
}

// Sell sells an asset at its live price
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.Exchange.Sell, "sale successful")
}

type settleFunc func(ctx context.Context, userID int, coingeckoID string, quantity decimal.Decimal) (*exchange.Settlement, error)

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, settle settleFunc, message string) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req tradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := settle(r.Context(), userID, req.CoingeckoID, req.Amount)
	if err != nil {
		handleError(w, r, err)
		return
	}

	result := tradeResult{
		ID:         s.Transaction.ID,
		Type:       s.Transaction.Side,
		Crypto:     s.Asset.Symbol,
		Amount:     s.Transaction.Amount,
		Price:      s.Transaction.Price,
		Fee:        s.Transaction.Fee,
		NewBalance: s.Balance,
	}
	total := s.Transaction.Total
	if s.Transaction.Side == models.SideSell {
		result.TotalRevenue = &total
	} else {
		result.TotalCost = &total
	}

	writeJSON(w, http.StatusOK, tradeResponse{Message: message, Transaction: result})
}

// Portfolio values the user's cash and holdings
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	p, err := h.Exchange.ValuePortfolio(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Transactions returns the user's most recent transactions, newest first
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := maxTransactions
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	txs, err := h.DB.GetUserTransactions(r.Context(), userID, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// CreateOrder records a resting limit order
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req orderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.Exchange.CreateOrder(r.Context(), userID, req.CoingeckoID, req.OrderType, req.Quantity, req.Price)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListCryptocurrencies returns every stored asset
func (h *Handler) ListCryptocurrencies(w http.ResponseWriter, r *http.Request) {
	assets, err := h.DB.ListAssets(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetCryptocurrency returns an asset with its live price. Stored metadata
// is included when the asset has been traded or synced before.
func (h *Handler) GetCryptocurrency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	quote, err := h.Exchange.Quote(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}

	asset, err := h.DB.GetAssetByCoingeckoID(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		asset = &models.Asset{Symbol: quote.Symbol, Name: quote.Name, CoingeckoID: id}
	case err != nil:
		handleError(w, r, err)
		return
	}
	asset.CurrentPrice = decimal.NewNullDecimal(quote.Price)
	writeJSON(w, http.StatusOK, asset)
}

// Sync refreshes stored market data immediately
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "market sync disabled")
		return
	}

	assets, err := h.Syncer.Sync(r.Context())
	if err != nil {
		if errors.Is(err, pricefeed.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, exchange.ErrPriceUnavailable.Error())
			return
		}
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": len(assets), "assets": assets})
}
