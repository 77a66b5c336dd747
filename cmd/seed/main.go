package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/exchange"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/pricefeed"
	"github.com/xtrntr/papertrade/migrations"
)

const demoPassword = "password123"

var demoAssets = []models.Asset{
	{Symbol: "BTC", Name: "Bitcoin", CoingeckoID: "bitcoin", CurrentPrice: price("30000")},
	{Symbol: "ETH", Name: "Ethereum", CoingeckoID: "ethereum", CurrentPrice: price("2000")},
	{Symbol: "SOL", Name: "Solana", CoingeckoID: "solana", CurrentPrice: price("100")},
}

var demoTrades = []struct {
	username string
	coin     string
	side     string
	quantity string
}{
	{"trader1", "bitcoin", models.SideBuy, "0.1"},
	{"trader1", "ethereum", models.SideBuy, "1.5"},
	{"trader2", "solana", models.SideBuy, "20"},
	{"trader2", "solana", models.SideSell, "5"},
}

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// Seed the database with demo users, assets and trades. Trades settle at the
// seeded prices so no price feed is needed.
func main() {
	ctx := context.Background()

	cfg, err := config.LoadSeed(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logrus.StandardLogger()

	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Skip if the demo accounts already exist
	if _, err := database.GetUserByUsername(ctx, "trader1"); err == nil {
		fmt.Println("Database already seeded. Nothing to do.")
		os.Exit(0)
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Fatalf("Failed to check users: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	users := map[string]int{}
	for _, name := range []string{"trader1", "trader2"} {
		user, err := database.CreateUser(ctx, name, name+"@example.com", string(hash), cfg.InitialBalance)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", name, err)
		}
		users[name] = user.ID
	}

	quotes := map[string]pricefeed.Quote{}
	for i := range demoAssets {
		a, err := database.UpsertMarket(ctx, &demoAssets[i])
		if err != nil {
			log.Fatalf("Failed to create asset %s: %v", demoAssets[i].CoingeckoID, err)
		}
		quotes[a.CoingeckoID] = pricefeed.Quote{ID: a.CoingeckoID, Symbol: a.Symbol, Name: a.Name, Price: a.CurrentPrice.Decimal}
	}

	ex := exchange.NewExchange(database, nil, exchange.Config{CommissionRate: cfg.CommissionRate})
	for _, t := range demoTrades {
		settle := ex.BuyAt
		if t.side == models.SideSell {
			settle = ex.SellAt
		}
		if _, err := settle(ctx, users[t.username], quotes[t.coin], decimal.RequireFromString(t.quantity)); err != nil {
			log.Fatalf("Failed to %s %s for %s: %v", t.side, t.coin, t.username, err)
		}
	}

	fmt.Printf("Seeded %d users, %d assets and %d trades. Password for every user: %s\n",
		len(users), len(demoAssets), len(demoTrades), demoPassword)
}
