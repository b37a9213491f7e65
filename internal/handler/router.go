package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/gymdesk-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса gymdesk.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/staff/register", h.RegisterStaff)
		r.Post("/staff/login", h.LoginStaff)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/invoice/preview", h.PreviewInvoice)

			r.Post("/members", h.EnrollMember)
			r.Get("/members/next-id", h.NextMemberID)
			r.Get("/members/{id}", h.GetMember)
			r.Get("/members/{id}/transactions", h.GetMemberTransactions)

			r.Get("/fees/pending", h.ListPending)
			r.Post("/fees/pending/{id}/pay", h.PayOutstanding)
			r.Delete("/fees/pending/{id}", h.DeletePending)

			r.Post("/transactions/{id}/pay", h.PayTransaction)

			r.Get("/metrics", h.GetMetrics)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
