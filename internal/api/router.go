// Package api is the thin HTTP surface over the ledger and settlement
// services. Authentication and session handling live in an upstream
// gateway; handlers here take the account id from the request path.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/internal/settlement"
)

// Dependencies wires the router to the services it fronts.
type Dependencies struct {
	Logger     *zap.Logger
	Ledger     *ledger.Service
	Settlement *settlement.Service
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/accounts", handleCreateAccount(deps))
		r.Get("/accounts/{accountID}/balance", handleGetBalance(deps))
		r.Get("/accounts/{accountID}/transactions", handleListTransactions(deps))
		r.Post("/accounts/{accountID}/deposit", handleDeposit(deps))
		r.Post("/transfers", handleTransfer(deps))
		r.Post("/withdrawals", handleWithdraw(deps))
		r.Get("/withdrawals/fee-estimate", handleEstimateWithdrawFee(deps))
		r.Get("/status/hot-wallet", handleHotWalletStatus(deps))
	})

	return r
}
