package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when the feed cannot be reached or answers with an error
	ErrUnavailable = errors.New("price feed unavailable")
	// ErrNotFound is returned when the feed does not know the requested coin
	ErrNotFound = errors.New("coin not found")
)

// Quote is the live USD price of a coin
type Quote struct {
	ID     string
	Symbol string
	Name   string
	Price  decimal.Decimal
}

// Market is the market snapshot of a coin used to refresh stored metadata
type Market struct {
	ID             string
	Symbol         string
	Name           string
	Price          decimal.Decimal
	MarketCap      decimal.NullDecimal
	Volume24h      decimal.NullDecimal
	PriceChange24h decimal.NullDecimal
	LastUpdated    time.Time
}

// Client talks to a CoinGecko-compatible REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client whose requests are bounded by timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type coinResponse struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	MarketData struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

type marketResponse struct {
	ID                       string              `json:"id"`
	Symbol                   string              `json:"symbol"`
	Name                     string              `json:"name"`
	CurrentPrice             *decimal.Decimal    `json:"current_price"`
	MarketCap                decimal.NullDecimal `json:"market_cap"`
	TotalVolume              decimal.NullDecimal `json:"total_volume"`
	PriceChangePercentage24h decimal.NullDecimal `json:"price_change_percentage_24h"`
	LastUpdated              time.Time           `json:"last_updated"`
}

// Quote fetches the current USD price of a coin by its feed id
func (c *Client) Quote(ctx context.Context, id string) (Quote, error) {
	if id == "" {
		return Quote{}, ErrNotFound
	}

	body, err := c.get(ctx, "/coins/"+url.PathEscape(id), url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
	})
	if err != nil {
		return Quote{}, err
	}

	var resp coinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Quote{}, fmt.Errorf("%w: decode coin: %v", ErrUnavailable, err)
	}
	price, ok := resp.MarketData.CurrentPrice["usd"]
	if !ok || !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: no usd price for %s", ErrUnavailable, id)
	}

	return Quote{
		ID:     resp.ID,
		Symbol: strings.ToUpper(resp.Symbol),
		Name:   resp.Name,
		Price:  price,
	}, nil
}

// Markets fetches market snapshots for the given feed ids. Coins the feed
// does not know are omitted from the result.
func (c *Client) Markets(ctx context.Context, ids []string) ([]Market, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	body, err := c.get(ctx, "/coins/markets", url.Values{
		"vs_currency": {"usd"},
		"ids":         {strings.Join(ids, ",")},
	})
	if err != nil {
		return nil, err
	}

	var resp []marketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode markets: %v", ErrUnavailable, err)
	}

	markets := make([]Market, 0, len(resp))
	for _, m := range resp {
		if m.CurrentPrice == nil {
			continue
		}
		markets = append(markets, Market{
			ID:             m.ID,
			Symbol:         strings.ToUpper(m.Symbol),
			Name:           m.Name,
			Price:          *m.CurrentPrice,
			MarketCap:      m.MarketCap,
			Volume24h:      m.TotalVolume,
			PriceChange24h: m.PriceChangePercentage24h,
			LastUpdated:    m.LastUpdated,
		})
	}
	return markets, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return body, nil
}
