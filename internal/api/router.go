package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the HTTP routes. ws serves the ticker stream and may be nil.
func NewRouter(h *Handler, ws http.HandlerFunc, allowedOrigins []string, log *logrus.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Get("/cryptocurrencies", h.ListCryptocurrencies)
		r.Get("/cryptocurrency/{id}", h.GetCryptocurrency)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Get("/me", h.Me)
			r.Post("/buy", h.Buy)
			r.Post("/sell", h.Sell)
			r.Get("/portfolio", h.Portfolio)
			r.Get("/transactions", h.Transactions)
			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetUserOrders)
			r.Post("/sync", h.Sync)
		})
	})

	return r
}
