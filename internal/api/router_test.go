package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/internal/settlement"
	"github.com/gabrielgalati24/Usdc-app/pkg/chainclient"
)

type fakeBroadcaster struct {
	result *chainclient.BroadcastResult
	err    error
}

func (f *fakeBroadcaster) BroadcastTransfer(context.Context, string, decimal.Decimal) (*chainclient.BroadcastResult, error) {
	return f.result, f.err
}

func newTestServer(t *testing.T, chain settlement.Broadcaster) (*httptest.Server, *ledger.Service) {
	t.Helper()
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(), nil, nil)
	settlementSvc := settlement.NewService(ledgerSvc, chain, nil, nil, settlement.Config{
		FeeReserve:  decimal.RequireFromString("0.10"),
		MinWithdraw: decimal.RequireFromString("0.01"),
	})
	srv := httptest.NewServer(NewRouter(Dependencies{
		Ledger:     ledgerSvc,
		Settlement: settlementSvc,
	}))
	t.Cleanup(srv.Close)
	return srv, ledgerSvc
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func seedAccount(t *testing.T, ledgerSvc *ledger.Service, amount string) *ledger.Account {
	t.Helper()
	acct, err := ledgerSvc.CreateAccount(context.Background(), "alice@example.com", "")
	require.NoError(t, err)
	if amount != "" {
		_, err = ledgerSvc.Deposit(context.Background(), acct.ID, decimal.RequireFromString(amount))
		require.NoError(t, err)
	}
	return acct
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroadcaster{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAccountEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroadcaster{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/accounts", map[string]string{
		"email":         "alice@example.com",
		"chain_address": "0x1111111111111111111111111111111111111111",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, true, body["is_active"])
}

func TestCreateAccountRejectsMissingEmail(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroadcaster{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/accounts", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["code"])
}

func TestGetBalanceEndpoint(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	acct := seedAccount(t, ledgerSvc, "42.5")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/accounts/"+acct.ID.String()+"/balance", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42.500000", body["balance"])
	assert.Equal(t, "USDC", body["currency"])
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroadcaster{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/accounts/"+uuid.NewString()+"/balance", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "account_not_found", body["code"])
}

func TestGetBalanceMalformedID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroadcaster{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/accounts/not-a-uuid/balance", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_account_id", body["code"])
}

func TestDepositEndpoint(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	acct := seedAccount(t, ledgerSvc, "")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/accounts/"+acct.ID.String()+"/deposit", map[string]string{"amount": "10.25"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "deposit", body["type"])
	assert.Equal(t, "completed", body["status"])
}

func TestDepositRejectsMalformedAmount(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	acct := seedAccount(t, ledgerSvc, "")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/accounts/"+acct.ID.String()+"/deposit", map[string]string{"amount": "ten"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_amount", body["code"])
}

func TestTransferEndpoint(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	alice := seedAccount(t, ledgerSvc, "100")
	bob, err := ledgerSvc.CreateAccount(context.Background(), "bob@example.com", "")
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/transfers", map[string]string{
		"from_account_id": alice.ID.String(),
		"to_account_id":   bob.ID.String(),
		"amount":          "30",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "internal", body["type"])

	b, err := ledgerSvc.GetBalance(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.000000", b.StringFixed(ledger.Scale))
}

func TestTransferSelfRejected(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	alice := seedAccount(t, ledgerSvc, "100")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/transfers", map[string]string{
		"from_account_id": alice.ID.String(),
		"to_account_id":   alice.ID.String(),
		"amount":          "1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "self_transfer", body["code"])
}

func TestTransferInsufficientBalance(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	alice := seedAccount(t, ledgerSvc, "5")
	bob, err := ledgerSvc.CreateAccount(context.Background(), "bob@example.com", "")
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/transfers", map[string]string{
		"from_account_id": alice.ID.String(),
		"to_account_id":   bob.ID.String(),
		"amount":          "100",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "insufficient_balance", body["code"])
}

func TestWithdrawalEndpoint(t *testing.T) {
	chain := &fakeBroadcaster{result: &chainclient.BroadcastResult{TxHash: "0xfeed", Confirmed: true}}
	srv, ledgerSvc := newTestServer(t, chain)
	alice := seedAccount(t, ledgerSvc, "100")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/withdrawals", map[string]string{
		"account_id": alice.ID.String(),
		"to_address": "0x3333333333333333333333333333333333333333",
		"amount":     "50",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "withdrawal", body["type"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "0xfeed", body["chain_tx_hash"])
}

func TestWithdrawalBroadcastFailureMapsToBadGateway(t *testing.T) {
	chain := &fakeBroadcaster{err: assert.AnError}
	srv, ledgerSvc := newTestServer(t, chain)
	alice := seedAccount(t, ledgerSvc, "100")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/withdrawals", map[string]string{
		"account_id": alice.ID.String(),
		"to_address": "0x3333333333333333333333333333333333333333",
		"amount":     "50",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "chain_broadcast_failed", body["code"])

	b, err := ledgerSvc.GetBalance(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.000000", b.StringFixed(ledger.Scale))
}

func TestFeeEstimateEndpoint(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	alice := seedAccount(t, ledgerSvc, "100")

	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/v1/withdrawals/fee-estimate?account_id="+alice.ID.String()+"&amount=50", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "50.1", body["total_required"])
	assert.Equal(t, true, body["sufficient"])
}

func TestHotWalletStatusUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroadcaster{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/status/hot-wallet", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "hot_wallet_unavailable", body["code"])
}

func TestListTransactionsEndpoint(t *testing.T) {
	srv, ledgerSvc := newTestServer(t, &fakeBroadcaster{})
	alice := seedAccount(t, ledgerSvc, "1")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/accounts/"+alice.ID.String()+"/transactions?limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	txs, ok := body["transactions"].([]any)
	require.True(t, ok)
	assert.Len(t, txs, 1)
}
