package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkuznetsov/agromarket-system/internal/middleware"
	"github.com/nkuznetsov/agromarket-system/internal/model"
)

func consignmentID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// SetupRouter настраивает маршрутизацию HTTP-запросов сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.GzipMiddleware)
	r.Use(middleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/api/farmer", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(middleware.RequireRole(model.RoleFarmer))

		r.Post("/consignments", h.SubmitConsignment)
		r.Get("/consignments", h.GetFarmerConsignments)
		r.Post("/consignments/{id}/respond", h.FarmerRespond)

		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/transactions", h.GetWalletTransactions)
		r.Post("/wallet/withdraw", h.Withdraw)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(middleware.RequireRole(model.RoleAdmin))

		r.Get("/consignments", h.AdminListConsignments)
		r.Post("/consignments/{id}/review", h.AdminReview)
		r.Post("/consignments/{id}/assign", h.AssignDriver)
		r.Post("/consignments/{id}/list", h.ListInShop)
	})

	r.Route("/api/driver", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(middleware.RequireRole(model.RoleDriver))

		r.Post("/consignments/{id}/collected", h.MarkCollected)
	})

	// Внутренний webhook сервиса заказов, закрыт на уровне сети.
	r.Post("/api/internal/sales", h.RecordSale)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
