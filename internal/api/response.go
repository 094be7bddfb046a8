package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/internal/settlement"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientBalanceError
	var invalid *ledger.InvalidInputError
	var broadcast *settlement.ChainBroadcastError

	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "transaction_not_found", err.Error())
	case errors.Is(err, ledger.ErrSelfTransfer):
		writeError(w, http.StatusBadRequest, "self_transfer", err.Error())
	case errors.Is(err, ledger.ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account_inactive", err.Error())
	case errors.As(err, &insufficient):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.As(err, &broadcast):
		writeError(w, http.StatusBadGateway, "chain_broadcast_failed", "network error, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
