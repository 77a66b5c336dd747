package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/pricefeed"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "expected %s, got %s", want, got)
}

type holdingKey struct {
	userID  int
	assetID int
}

// memState is everything memStore persists. It is cloned per settlement so
// a failed settlement can be discarded.
type memState struct {
	users    map[int]models.User
	assets   map[string]models.Asset
	holdings map[holdingKey]decimal.Decimal
	txs      []models.Transaction
	orders   []models.Order
}

func (s *memState) clone() *memState {
	c := &memState{
		users:    make(map[int]models.User, len(s.users)),
		assets:   make(map[string]models.Asset, len(s.assets)),
		holdings: make(map[holdingKey]decimal.Decimal, len(s.holdings)),
		txs:      append([]models.Transaction(nil), s.txs...),
		orders:   append([]models.Order(nil), s.orders...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.assets {
		c.assets[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	return c
}

// memStore serializes every settlement behind one mutex
type memStore struct {
	mu    sync.Mutex
	state *memState
	// failInsert makes InsertTransaction fail, to exercise rollback
	failInsert bool
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		users:    map[int]models.User{},
		assets:   map[string]models.Asset{},
		holdings: map[holdingKey]decimal.Decimal{},
	}}
}

func (m *memStore) addUser(id int, balance string) {
	m.state.users[id] = models.User{ID: id, Username: "user", Balance: dec(balance)}
}

func (m *memStore) addAsset(id int, coingeckoID string, price *string) {
	a := models.Asset{ID: id, Symbol: coingeckoID[:3], Name: coingeckoID, CoingeckoID: coingeckoID}
	if price != nil {
		a.CurrentPrice = decimal.NewNullDecimal(dec(*price))
	}
	m.state.assets[coingeckoID] = a
}

func (m *memStore) setHolding(userID, assetID int, amount string) {
	m.state.holdings[holdingKey{userID, assetID}] = dec(amount)
}

func (m *memStore) balance(userID int) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.users[userID].Balance
}

func (m *memStore) holding(userID, assetID int) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.state.holdings[holdingKey{userID, assetID}]
	return h, ok
}

func (m *memStore) transactions() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transaction(nil), m.state.txs...)
}

func (m *memStore) WithAccount(ctx context.Context, userID int, fn func(user *models.User, l Ledger) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.state.users[userID]
	if !ok {
		return ErrAccountNotFound
	}
	work := m.state.clone()
	if err := fn(&user, &memLedger{store: m, state: work, userID: userID}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) Snapshot(ctx context.Context, userID int) (*models.User, []models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.state.users[userID]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	var holdings []models.Holding
	for _, a := range m.state.assets {
		amount, ok := m.state.holdings[holdingKey{userID, a.ID}]
		if !ok {
			continue
		}
		asset := a
		holdings = append(holdings, models.Holding{UserID: userID, AssetID: a.ID, Amount: amount, Asset: &asset})
	}
	return &user, holdings, nil
}

type memLedger struct {
	store  *memStore
	state  *memState
	userID int
}

func (l *memLedger) UpdateBalance(ctx context.Context, balance decimal.Decimal) error {
	u := l.state.users[l.userID]
	u.Balance = balance
	l.state.users[l.userID] = u
	return nil
}

func (l *memLedger) AssetByCoingeckoID(ctx context.Context, coingeckoID string) (*models.Asset, error) {
	a, ok := l.state.assets[coingeckoID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (l *memLedger) UpsertAsset(ctx context.Context, asset *models.Asset) (*models.Asset, error) {
	a, ok := l.state.assets[asset.CoingeckoID]
	if !ok {
		a = models.Asset{ID: len(l.state.assets) + 100, Symbol: asset.Symbol, Name: asset.Name, CoingeckoID: asset.CoingeckoID}
	}
	a.CurrentPrice = asset.CurrentPrice
	l.state.assets[asset.CoingeckoID] = a
	return &a, nil
}

func (l *memLedger) Holding(ctx context.Context, assetID int) (*models.Holding, error) {
	amount, ok := l.state.holdings[holdingKey{l.userID, assetID}]
	if !ok {
		return nil, nil
	}
	return &models.Holding{UserID: l.userID, AssetID: assetID, Amount: amount}, nil
}

func (l *memLedger) SaveHolding(ctx context.Context, assetID int, amount decimal.Decimal) error {
	l.state.holdings[holdingKey{l.userID, assetID}] = amount
	return nil
}

func (l *memLedger) DeleteHolding(ctx context.Context, assetID int) error {
	delete(l.state.holdings, holdingKey{l.userID, assetID})
	return nil
}

func (l *memLedger) InsertTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if l.store.failInsert {
		return nil, errors.New("disk full")
	}
	n := *tx
	n.ID = len(l.state.txs) + 1
	n.CreatedAt = time.Now()
	l.state.txs = append(l.state.txs, n)
	return &n, nil
}

func (l *memLedger) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	n := *o
	n.ID = len(l.state.orders) + 1
	n.CreatedAt = time.Now()
	l.state.orders = append(l.state.orders, n)
	return &n, nil
}

// stubPrices serves quotes from a map; unknown ids are not found
type stubPrices struct {
	prices map[string]string
	err    error
}

func (p stubPrices) Quote(ctx context.Context, id string) (pricefeed.Quote, error) {
	if p.err != nil {
		return pricefeed.Quote{}, p.err
	}
	price, ok := p.prices[id]
	if !ok {
		return pricefeed.Quote{}, pricefeed.ErrNotFound
	}
	return pricefeed.Quote{ID: id, Symbol: "BTC", Name: "Bitcoin", Price: dec(price)}, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	txs []models.Transaction
}

func (p *recordingPublisher) Publish(ctx context.Context, tx models.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = append(p.txs, tx)
	return nil
}

func newTestExchange(store *memStore, prices PriceSource, rate string) *Exchange {
	return NewExchange(store, prices, Config{CommissionRate: dec(rate)})
}

func strPtr(s string) *string { return &s }

func TestExchange_Buy(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "1000")
	pub := &recordingPublisher{}
	ex := NewExchange(store, stubPrices{prices: map[string]string{"bitcoin": "500"}}, Config{CommissionRate: dec("0.015")}, WithPublisher(pub))

	s, err := ex.Buy(context.Background(), 1, "bitcoin", dec("1"))
	require.NoError(t, err)

	assertDecimal(t, "7.5", s.Transaction.Fee)
	assertDecimal(t, "507.5", s.Transaction.Total)
	assertDecimal(t, "500", s.Transaction.Price)
	assertDecimal(t, "492.5", s.Balance)
	assert.Equal(t, models.SideBuy, s.Transaction.Side)
	assert.Equal(t, "bitcoin", s.Asset.CoingeckoID)
	assertDecimal(t, "500", s.Asset.CurrentPrice.Decimal)

	assertDecimal(t, "492.5", store.balance(1))
	amount, ok := store.holding(1, s.Asset.ID)
	require.True(t, ok)
	assertDecimal(t, "1", amount)
	assert.Len(t, store.transactions(), 1)
	assert.Len(t, pub.txs, 1)
}

func TestExchange_BuyAddsToHolding(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "10000")
	store.addAsset(7, "bitcoin", strPtr("100"))
	store.setHolding(1, 7, "0.5")
	ex := newTestExchange(store, nil, "0.01")

	quote := pricefeed.Quote{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Price: dec("200")}
	s, err := ex.BuyAt(context.Background(), 1, quote, dec("2.25"))
	require.NoError(t, err)

	// notional 450, fee 4.5
	assertDecimal(t, "4.5", s.Transaction.Fee)
	assertDecimal(t, "9545.5", store.balance(1))
	amount, _ := store.holding(1, 7)
	assertDecimal(t, "2.75", amount)
}

func TestExchange_BuyProperty(t *testing.T) {
	tests := []struct {
		name     string
		cash     string
		rate     string
		quantity string
		price    string
	}{
		{name: "Fractional", cash: "1000", rate: "0.015", quantity: "0.123456", price: "43210.98"},
		{name: "ZeroRate", cash: "50", rate: "0", quantity: "3", price: "16.5"},
		{name: "ExactBalance", cash: "101.5", rate: "0.015", quantity: "1", price: "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addUser(1, tt.cash)
			ex := newTestExchange(store, nil, tt.rate)

			q, p, rate := dec(tt.quantity), dec(tt.price), dec(tt.rate)
			s, err := ex.BuyAt(context.Background(), 1, pricefeed.Quote{ID: "bitcoin", Price: p}, q)
			require.NoError(t, err)

			wantCost := q.Mul(p).Mul(decimal.NewFromInt(1).Add(rate))
			assert.True(t, store.balance(1).Equal(dec(tt.cash).Sub(wantCost)))
			assert.True(t, s.Transaction.Fee.Equal(q.Mul(p).Mul(rate)))
			assert.False(t, store.balance(1).IsNegative())
			assert.Len(t, store.transactions(), 1)
		})
	}
}

func TestExchange_BuyFailures(t *testing.T) {
	tests := []struct {
		name      string
		cash      string
		quantity  string
		prices    stubPrices
		userID    int
		expectErr error
	}{
		{
			name:      "InsufficientFunds",
			cash:      "507.49",
			quantity:  "1",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			userID:    1,
			expectErr: ErrInsufficientFunds,
		},
		{
			name:      "ZeroQuantity",
			cash:      "1000",
			quantity:  "0",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			userID:    1,
			expectErr: ErrInvalidQuantity,
		},
		{
			name:      "NegativeQuantity",
			cash:      "1000",
			quantity:  "-1",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			userID:    1,
			expectErr: ErrInvalidQuantity,
		},
		{
			name:      "PriceUnavailable",
			cash:      "1000",
			quantity:  "1",
			prices:    stubPrices{err: pricefeed.ErrUnavailable},
			userID:    1,
			expectErr: ErrPriceUnavailable,
		},
		{
			name:      "UnknownCoin",
			cash:      "1000",
			quantity:  "1",
			prices:    stubPrices{prices: map[string]string{}},
			userID:    1,
			expectErr: ErrAssetNotFound,
		},
		{
			name:      "UnknownAccount",
			cash:      "1000",
			quantity:  "1",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			userID:    2,
			expectErr: ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addUser(1, tt.cash)
			ex := newTestExchange(store, tt.prices, "0.015")

			_, err := ex.Buy(context.Background(), tt.userID, "bitcoin", dec(tt.quantity))
			assert.ErrorIs(t, err, tt.expectErr)

			assertDecimal(t, tt.cash, store.balance(1))
			assert.Empty(t, store.transactions())
			assert.Empty(t, store.state.holdings)
			assert.Empty(t, store.state.assets)
		})
	}
}

func TestExchange_BuyRollsBackOnStoreFailure(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "1000")
	store.failInsert = true
	ex := newTestExchange(store, stubPrices{prices: map[string]string{"bitcoin": "500"}}, "0.015")

	_, err := ex.Buy(context.Background(), 1, "bitcoin", dec("1"))
	require.Error(t, err)

	assertDecimal(t, "1000", store.balance(1))
	assert.Empty(t, store.state.holdings)
	assert.Empty(t, store.transactions())
}

func TestExchange_Sell(t *testing.T) {
	tests := []struct {
		name          string
		held          string
		quantity      string
		expectBalance string
		expectHolding string
	}{
		{name: "FullLiquidation", held: "1", quantity: "1", expectBalance: "1492.5", expectHolding: ""},
		{name: "Partial", held: "2", quantity: "0.5", expectBalance: "1246.25", expectHolding: "1.5"},
		{name: "DustRemains", held: "1.000000000000000001", quantity: "1", expectBalance: "1492.5", expectHolding: "0.000000000000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addUser(1, "1000")
			store.addAsset(7, "bitcoin", strPtr("480"))
			store.setHolding(1, 7, tt.held)
			ex := newTestExchange(store, stubPrices{prices: map[string]string{"bitcoin": "500"}}, "0.015")

			s, err := ex.Sell(context.Background(), 1, "bitcoin", dec(tt.quantity))
			require.NoError(t, err)

			assert.Equal(t, models.SideSell, s.Transaction.Side)
			assertDecimal(t, tt.expectBalance, store.balance(1))
			assertDecimal(t, tt.expectBalance, s.Balance)
			assertDecimal(t, "500", s.Asset.CurrentPrice.Decimal)

			amount, ok := store.holding(1, 7)
			if tt.expectHolding == "" {
				assert.False(t, ok, "holding should be deleted")
			} else {
				require.True(t, ok)
				assertDecimal(t, tt.expectHolding, amount)
			}
			assert.Len(t, store.transactions(), 1)
		})
	}
}

func TestExchange_SellScenario(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "492.5")
	store.addAsset(7, "bitcoin", strPtr("500"))
	store.setHolding(1, 7, "1")
	ex := newTestExchange(store, stubPrices{prices: map[string]string{"bitcoin": "500"}}, "0.015")

	s, err := ex.Sell(context.Background(), 1, "bitcoin", dec("1"))
	require.NoError(t, err)
	assertDecimal(t, "7.5", s.Transaction.Fee)
	assertDecimal(t, "492.5", s.Transaction.Total)
	assertDecimal(t, "985", store.balance(1))
	_, ok := store.holding(1, 7)
	assert.False(t, ok)
}

func TestExchange_SellFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*memStore)
		quantity  string
		prices    stubPrices
		expectErr error
	}{
		{
			name: "InsufficientHoldings",
			setup: func(m *memStore) {
				m.addAsset(7, "bitcoin", strPtr("500"))
				m.setHolding(1, 7, "0.5")
			},
			quantity:  "1",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			expectErr: ErrInsufficientHoldings,
		},
		{
			name: "HoldingNotFound",
			setup: func(m *memStore) {
				m.addAsset(7, "bitcoin", strPtr("500"))
			},
			quantity:  "1",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			expectErr: ErrHoldingNotFound,
		},
		{
			name:      "AssetNotStored",
			setup:     func(m *memStore) {},
			quantity:  "1",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			expectErr: ErrAssetNotFound,
		},
		{
			name: "PriceUnavailable",
			setup: func(m *memStore) {
				m.addAsset(7, "bitcoin", strPtr("500"))
				m.setHolding(1, 7, "1")
			},
			quantity:  "1",
			prices:    stubPrices{err: context.DeadlineExceeded},
			expectErr: ErrPriceUnavailable,
		},
		{
			name: "ZeroQuantity",
			setup: func(m *memStore) {
				m.addAsset(7, "bitcoin", strPtr("500"))
				m.setHolding(1, 7, "1")
			},
			quantity:  "0",
			prices:    stubPrices{prices: map[string]string{"bitcoin": "500"}},
			expectErr: ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addUser(1, "1000")
			tt.setup(store)
			before := store.state.clone()
			ex := newTestExchange(store, tt.prices, "0.015")

			_, err := ex.Sell(context.Background(), 1, "bitcoin", dec(tt.quantity))
			assert.ErrorIs(t, err, tt.expectErr)

			assertDecimal(t, "1000", store.balance(1))
			assert.Equal(t, before.holdings, store.state.holdings)
			assert.Empty(t, store.transactions())
		})
	}
}

func TestExchange_PriceTimeout(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "1000")
	ex := NewExchange(store, slowPrices{}, Config{CommissionRate: dec("0.015"), PriceTimeout: 10 * time.Millisecond})

	start := time.Now()
	_, err := ex.Buy(context.Background(), 1, "bitcoin", dec("1"))
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

// slowPrices blocks until the caller's deadline
type slowPrices struct{}

func (slowPrices) Quote(ctx context.Context, id string) (pricefeed.Quote, error) {
	<-ctx.Done()
	return pricefeed.Quote{}, ctx.Err()
}

func TestExchange_ConcurrentBuysNeverOverspend(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "1000")
	ex := newTestExchange(store, stubPrices{prices: map[string]string{"bitcoin": "100"}}, "0.015")

	var wg sync.WaitGroup
	n := 25
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := ex.Buy(context.Background(), 1, "bitcoin", dec("1")); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// floor(1000 / 101.5) = 9
	assert.Equal(t, 9, successCount)
	assertDecimal(t, "86.5", store.balance(1))
	assert.Len(t, store.transactions(), 9)
}

func TestExchange_ValuePortfolio(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "250")
	store.addAsset(7, "bitcoin", strPtr("500"))
	store.addAsset(8, "ethereum", strPtr("20"))
	store.addAsset(9, "unpriced", nil)
	store.setHolding(1, 7, "0.5")
	store.setHolding(1, 8, "3")
	store.setHolding(1, 9, "100")
	ex := newTestExchange(store, nil, "0.015")

	p, err := ex.ValuePortfolio(context.Background(), 1)
	require.NoError(t, err)

	assertDecimal(t, "250", p.Balance)
	assertDecimal(t, "310", p.PortfolioValue)
	assertDecimal(t, "560", p.TotalValue)
	assert.Len(t, p.Holdings, 3)

	again, err := ex.ValuePortfolio(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, p.TotalValue.Equal(again.TotalValue))
	assert.True(t, p.PortfolioValue.Equal(again.PortfolioValue))

	_, err = ex.ValuePortfolio(context.Background(), 2)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestExchange_CreateOrder(t *testing.T) {
	tests := []struct {
		name      string
		side      string
		quantity  string
		price     string
		coin      string
		expectErr error
	}{
		{name: "Buy", side: models.SideBuy, quantity: "10", price: "90", coin: "bitcoin"},
		{name: "SellWithinHolding", side: models.SideSell, quantity: "2", price: "150", coin: "bitcoin"},
		{name: "SellTooMuch", side: models.SideSell, quantity: "2.5", price: "150", coin: "bitcoin", expectErr: ErrInsufficientHoldings},
		{name: "SellNoHolding", side: models.SideSell, quantity: "1", price: "150", coin: "ethereum", expectErr: ErrHoldingNotFound},
		{name: "InvalidSide", side: "hold", quantity: "1", price: "150", coin: "bitcoin", expectErr: ErrInvalidSide},
		{name: "ZeroQuantity", side: models.SideBuy, quantity: "0", price: "150", coin: "bitcoin", expectErr: ErrInvalidQuantity},
		{name: "ZeroPrice", side: models.SideBuy, quantity: "1", price: "0", coin: "bitcoin", expectErr: ErrInvalidPrice},
		{name: "UnknownAsset", side: models.SideBuy, quantity: "1", price: "1", coin: "nope", expectErr: ErrAssetNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addUser(1, "1000")
			store.addAsset(7, "bitcoin", strPtr("100"))
			store.addAsset(8, "ethereum", strPtr("10"))
			store.setHolding(1, 7, "2")
			ex := newTestExchange(store, nil, "0.015")

			order, err := ex.CreateOrder(context.Background(), 1, tt.coin, tt.side, dec(tt.quantity), dec(tt.price))
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				assert.Empty(t, store.state.orders)
				return
			}
			require.NoError(t, err)
			assert.True(t, order.IsActive)
			assert.Equal(t, tt.side, order.Side)
			assert.Len(t, store.state.orders, 1)

			// No reservation: holdings and cash are untouched
			assertDecimal(t, "1000", store.balance(1))
			amount, _ := store.holding(1, 7)
			assertDecimal(t, "2", amount)
		})
	}
}
