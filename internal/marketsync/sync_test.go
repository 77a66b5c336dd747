package marketsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/pricefeed"
)

type stubSource struct {
	markets []pricefeed.Market
	err     error
	calls   int32
}

func (s *stubSource) Markets(ctx context.Context, ids []string) ([]pricefeed.Market, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.markets, s.err
}

type memStore struct {
	mu     sync.Mutex
	assets map[string]models.Asset
	err    error
}

func (m *memStore) UpsertMarket(ctx context.Context, a *models.Asset) (*models.Asset, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *a
	stored.ID = len(m.assets) + 1
	if prev, ok := m.assets[a.CoingeckoID]; ok {
		stored.ID = prev.ID
	}
	m.assets[a.CoingeckoID] = stored
	return &stored, nil
}

type recordingHub struct {
	batches [][]models.Asset
}

func (h *recordingHub) BroadcastTickers(assets []models.Asset) {
	h.batches = append(h.batches, assets)
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestSyncer_Sync(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	markets := []pricefeed.Market{
		{
			ID:          "bitcoin",
			Symbol:      "BTC",
			Name:        "Bitcoin",
			Price:       decimal.NewFromInt(60000),
			MarketCap:   decimal.NewNullDecimal(decimal.NewFromInt(1200000000000)),
			LastUpdated: updated,
		},
		{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", Price: decimal.NewFromInt(3000)},
	}

	tests := []struct {
		name          string
		source        *stubSource
		storeErr      error
		expectErr     bool
		expectStored  int
		expectBatches int
	}{
		{name: "Success", source: &stubSource{markets: markets}, expectStored: 2, expectBatches: 1},
		{name: "Empty", source: &stubSource{}, expectStored: 0, expectBatches: 0},
		{name: "FeedDown", source: &stubSource{err: pricefeed.ErrUnavailable}, expectErr: true},
		{name: "StoreFails", source: &stubSource{markets: markets}, storeErr: errors.New("db down"), expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{assets: map[string]models.Asset{}, err: tt.storeErr}
			hub := &recordingHub{}
			s := NewSyncer(tt.source, store, hub, []string{"bitcoin", "ethereum"}, testLog())

			assets, err := s.Sync(context.Background())
			if tt.expectErr {
				assert.Error(t, err)
				assert.Empty(t, hub.batches)
				return
			}
			require.NoError(t, err)
			assert.Len(t, assets, tt.expectStored)
			assert.Len(t, store.assets, tt.expectStored)
			assert.Len(t, hub.batches, tt.expectBatches)
		})
	}
}

func TestSyncer_SyncMapsMetadata(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &stubSource{markets: []pricefeed.Market{{
		ID:             "bitcoin",
		Symbol:         "BTC",
		Name:           "Bitcoin",
		Price:          decimal.NewFromInt(60000),
		Volume24h:      decimal.NewNullDecimal(decimal.NewFromInt(25)),
		PriceChange24h: decimal.NewNullDecimal(decimal.RequireFromString("-1.5")),
		LastUpdated:    updated,
	}, {
		ID:     "ethereum",
		Symbol: "ETH",
		Price:  decimal.NewFromInt(3000),
	}}}
	store := &memStore{assets: map[string]models.Asset{}}
	s := NewSyncer(source, store, nil, []string{"bitcoin", "ethereum"}, testLog())

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	btc := store.assets["bitcoin"]
	assert.True(t, btc.CurrentPrice.Valid)
	assert.True(t, btc.CurrentPrice.Decimal.Equal(decimal.NewFromInt(60000)))
	assert.False(t, btc.MarketCap.Valid)
	assert.True(t, btc.PriceChange24h.Decimal.Equal(decimal.RequireFromString("-1.5")))
	require.NotNil(t, btc.LastUpdated)
	assert.True(t, btc.LastUpdated.Equal(updated))

	assert.Nil(t, store.assets["ethereum"].LastUpdated)
}

func TestSyncer_Start(t *testing.T) {
	source := &stubSource{markets: []pricefeed.Market{{ID: "bitcoin", Symbol: "BTC", Price: decimal.NewFromInt(1)}}}
	store := &memStore{assets: map[string]models.Asset{}}
	s := NewSyncer(source, store, nil, []string{"bitcoin"}, testLog())

	task, err := s.Start("@every 1s", time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&source.calls) > 0 }, 3*time.Second, 50*time.Millisecond)
	task.Cancel()

	_, err = s.Start("not a schedule", time.Second)
	assert.Error(t, err)
}
