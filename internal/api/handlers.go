package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
)

func accountIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	return id, err == nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed request body")
		return false
	}
	return true
}

func parseAmount(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a decimal string")
		return decimal.Zero, false
	}
	return amount, true
}

type createAccountRequest struct {
	Email        string `json:"email"`
	ChainAddress string `json:"chain_address"`
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if !decodeBody(w, r, &req) {
			return
		}
		acct, err := deps.Ledger.CreateAccount(r.Context(), req.Email, req.ChainAddress)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, acct)
	}
}

type balanceResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
}

func handleGetBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountIDParam(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_account_id", "account id must be a uuid")
			return
		}
		balance, err := deps.Ledger.GetBalance(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{
			AccountID: id,
			Balance:   balance.StringFixed(ledger.Scale),
			Currency:  "USDC",
		})
	}
}

func handleListTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountIDParam(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_account_id", "account id must be a uuid")
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		txs, err := deps.Ledger.ListTransactions(r.Context(), id, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
	}
}

type depositRequest struct {
	Amount string `json:"amount"`
}

func handleDeposit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountIDParam(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_account_id", "account id must be a uuid")
			return
		}
		var req depositRequest
		if !decodeBody(w, r, &req) {
			return
		}
		amount, ok := parseAmount(w, req.Amount)
		if !ok {
			return
		}
		tx, err := deps.Ledger.Deposit(r.Context(), id, amount)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	}
}

type transferRequest struct {
	FromAccountID uuid.UUID `json:"from_account_id"`
	ToAccountID   uuid.UUID `json:"to_account_id"`
	Amount        string    `json:"amount"`
	Notes         string    `json:"notes"`
}

func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if !decodeBody(w, r, &req) {
			return
		}
		amount, ok := parseAmount(w, req.Amount)
		if !ok {
			return
		}
		tx, err := deps.Ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, amount, req.Notes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	}
}

type withdrawRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	ToAddress string    `json:"to_address"`
	Amount    string    `json:"amount"`
}

func handleWithdraw(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req withdrawRequest
		if !decodeBody(w, r, &req) {
			return
		}
		amount, ok := parseAmount(w, req.Amount)
		if !ok {
			return
		}
		tx, err := deps.Settlement.Withdraw(r.Context(), req.AccountID, req.ToAddress, amount)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	}
}

func handleHotWalletStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Settlement.HotWalletStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "hot_wallet_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleEstimateWithdrawFee(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(r.URL.Query().Get("account_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_account_id", "account_id must be a uuid")
			return
		}
		amount, ok := parseAmount(w, r.URL.Query().Get("amount"))
		if !ok {
			return
		}
		estimate, svcErr := deps.Settlement.EstimateWithdrawFee(r.Context(), accountID, amount)
		if svcErr != nil {
			writeServiceError(w, svcErr)
			return
		}
		writeJSON(w, http.StatusOK, estimate)
	}
}
