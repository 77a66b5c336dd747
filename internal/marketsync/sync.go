// Package marketsync refreshes stored asset prices and market metadata from
// the price feed and pushes the result to ticker subscribers.
package marketsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/pricefeed"
)

// MarketSource returns market snapshots for a set of feed ids
type MarketSource interface {
	Markets(ctx context.Context, ids []string) ([]pricefeed.Market, error)
}

// MarketStore persists refreshed assets
type MarketStore interface {
	UpsertMarket(ctx context.Context, asset *models.Asset) (*models.Asset, error)
}

// Broadcaster receives the assets updated by a sync
type Broadcaster interface {
	BroadcastTickers(assets []models.Asset)
}

// Syncer copies market data for a fixed list of coins into the store
type Syncer struct {
	source MarketSource
	store  MarketStore
	hub    Broadcaster
	assets []string
	log    *logrus.Entry

	// one sync at a time, whether scheduled or on demand
	mu sync.Mutex
}

// NewSyncer creates a syncer for the given feed ids. hub may be nil.
func NewSyncer(source MarketSource, store MarketStore, hub Broadcaster, assets []string, log *logrus.Entry) *Syncer {
	return &Syncer{source: source, store: store, hub: hub, assets: assets, log: log}
}

// Sync fetches the configured coins and upserts them. It returns the
// updated assets; coins the feed omits are left untouched.
func (s *Syncer) Sync(ctx context.Context) ([]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markets, err := s.source.Markets(ctx, s.assets)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}

	updated := make([]models.Asset, 0, len(markets))
	for _, m := range markets {
		a, err := s.store.UpsertMarket(ctx, toAsset(m))
		if err != nil {
			return updated, fmt.Errorf("failed to store %s: %w", m.ID, err)
		}
		updated = append(updated, *a)
	}

	if s.hub != nil && len(updated) > 0 {
		s.hub.BroadcastTickers(updated)
	}
	s.log.WithFields(logrus.Fields{"requested": len(s.assets), "updated": len(updated)}).Info("market sync complete")
	return updated, nil
}

// Start runs Sync on cronSpec. Each run is bounded by timeout.
func (s *Syncer) Start(cronSpec string, timeout time.Duration) (*ScheduledTask, error) {
	return NewScheduledTask(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := s.Sync(ctx); err != nil {
			s.log.WithError(err).Warn("scheduled market sync failed")
		}
	})
}

func toAsset(m pricefeed.Market) *models.Asset {
	a := &models.Asset{
		Symbol:         m.Symbol,
		Name:           m.Name,
		CoingeckoID:    m.ID,
		CurrentPrice:   decimal.NewNullDecimal(m.Price),
		MarketCap:      m.MarketCap,
		Volume24h:      m.Volume24h,
		PriceChange24h: m.PriceChange24h,
	}
	if !m.LastUpdated.IsZero() {
		updated := m.LastUpdated
		a.LastUpdated = &updated
	}
	return a
}
