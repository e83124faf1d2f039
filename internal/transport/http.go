package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daksndt/order-engine/internal/config"
	"github.com/daksndt/order-engine/internal/handler"
	"github.com/daksndt/order-engine/internal/notify"
	"github.com/daksndt/order-engine/internal/order"
	"github.com/daksndt/order-engine/internal/stock"
)

func NewRouter(pool *pgxpool.Pool, pricing config.PricingConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	ledger := stock.NewLedger()
	repo := order.NewRepository(pool, ledger)
	svc := order.NewService(repo, pricing, notify.NewLogNotifier())
	h := handler.NewOrderHandler(svc)
	h.RegisterRoutes(r)

	return r
}
