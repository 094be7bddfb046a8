package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/pkg/chainclient"
)

const validAddress = "0x3333333333333333333333333333333333333333"

type fakeBroadcaster struct {
	result *chainclient.BroadcastResult
	err    error
	calls  int
}

func (f *fakeBroadcaster) BroadcastTransfer(_ context.Context, _ string, _ decimal.Decimal) (*chainclient.BroadcastResult, error) {
	f.calls++
	return f.result, f.err
}

func defaultConfig() Config {
	return Config{
		FeeReserve:  decimal.RequireFromString("0.10"),
		MinWithdraw: decimal.RequireFromString("0.01"),
	}
}

func newTestSettlement(t *testing.T, chain Broadcaster) (*Service, *ledger.Service) {
	t.Helper()
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(), nil, nil)
	return NewService(ledgerSvc, chain, nil, nil, defaultConfig()), ledgerSvc
}

func fundedAccount(t *testing.T, ledgerSvc *ledger.Service, amount string) *ledger.Account {
	t.Helper()
	acct, err := ledgerSvc.CreateAccount(context.Background(), "alice@example.com", "")
	require.NoError(t, err)
	_, err = ledgerSvc.Deposit(context.Background(), acct.ID, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return acct
}

func balance(t *testing.T, ledgerSvc *ledger.Service, acct *ledger.Account) string {
	t.Helper()
	b, err := ledgerSvc.GetBalance(context.Background(), acct.ID)
	require.NoError(t, err)
	return b.StringFixed(ledger.Scale)
}

func TestWithdrawDebitsAmountPlusFee(t *testing.T) {
	chain := &fakeBroadcaster{result: &chainclient.BroadcastResult{TxHash: "0xfeed", Confirmed: true}}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "100")

	tx, err := svc.Withdraw(context.Background(), acct.ID, validAddress, decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, "0xfeed", tx.ChainTxHash)
	assert.Equal(t, "49.900000", balance(t, ledgerSvc, acct))
	assert.Equal(t, 1, chain.calls)
}

func TestWithdrawBroadcastFailureIsNetZero(t *testing.T) {
	chain := &fakeBroadcaster{err: errors.New("gateway unavailable")}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "100")

	_, err := svc.Withdraw(context.Background(), acct.ID, validAddress, decimal.RequireFromString("50"))
	var broadcastErr *ChainBroadcastError
	require.ErrorAs(t, err, &broadcastErr)
	assert.Equal(t, "100.000000", balance(t, ledgerSvc, acct))

	txs, err := ledgerSvc.ListTransactions(context.Background(), acct.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.Equal(t, ledger.StatusFailed, txs[0].Status)
}

func TestWithdrawEmptyHashTreatedAsFailure(t *testing.T) {
	chain := &fakeBroadcaster{result: &chainclient.BroadcastResult{TxHash: ""}}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "100")

	_, err := svc.Withdraw(context.Background(), acct.ID, validAddress, decimal.RequireFromString("50"))
	var broadcastErr *ChainBroadcastError
	require.ErrorAs(t, err, &broadcastErr)
	assert.Equal(t, "100.000000", balance(t, ledgerSvc, acct))
}

func TestWithdrawRejectsInvalidAddress(t *testing.T) {
	chain := &fakeBroadcaster{}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "100")

	for _, addr := range []string{"", "0x123", "3333333333333333333333333333333333333333", "0xZZ33333333333333333333333333333333333333"} {
		_, err := svc.Withdraw(context.Background(), acct.ID, addr, decimal.RequireFromString("10"))
		var invalid *ledger.InvalidInputError
		require.ErrorAs(t, err, &invalid, "address %q", addr)
	}
	assert.Zero(t, chain.calls)
	assert.Equal(t, "100.000000", balance(t, ledgerSvc, acct))
}

func TestWithdrawRejectsBelowFloor(t *testing.T) {
	chain := &fakeBroadcaster{}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "100")

	_, err := svc.Withdraw(context.Background(), acct.ID, validAddress, decimal.RequireFromString("0.009999"))
	var invalid *ledger.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, chain.calls)
}

func TestWithdrawInsufficientForAmountPlusFee(t *testing.T) {
	chain := &fakeBroadcaster{}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "50")

	// Exactly the amount but not the fee on top.
	_, err := svc.Withdraw(context.Background(), acct.ID, validAddress, decimal.RequireFromString("50"))
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Zero(t, chain.calls)
	assert.Equal(t, "50.000000", balance(t, ledgerSvc, acct))
}

func TestWithdrawRecordsTrail(t *testing.T) {
	chain := &fakeBroadcaster{result: &chainclient.BroadcastResult{TxHash: "0xfeed"}}
	svc, ledgerSvc := newTestSettlement(t, chain)
	acct := fundedAccount(t, ledgerSvc, "100")

	_, err := svc.Withdraw(context.Background(), acct.ID, validAddress, decimal.RequireFromString("10"))
	require.NoError(t, err)

	entries := svc.Trail().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "withdrawal.reserved", entries[0].Operation)
	assert.Equal(t, "withdrawal.completed", entries[1].Operation)
}

func TestEstimateWithdrawFee(t *testing.T) {
	svc, ledgerSvc := newTestSettlement(t, &fakeBroadcaster{})
	acct := fundedAccount(t, ledgerSvc, "100")

	est, err := svc.EstimateWithdrawFee(context.Background(), acct.ID, decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.Equal(t, "50.100000", est.TotalRequired.StringFixed(ledger.Scale))
	assert.Equal(t, "0.100000", est.FeeReserve.StringFixed(ledger.Scale))
	assert.True(t, est.Sufficient)

	est, err = svc.EstimateWithdrawFee(context.Background(), acct.ID, decimal.RequireFromString("99.95"))
	require.NoError(t, err)
	assert.False(t, est.Sufficient)

	// Estimation never mutates the balance.
	assert.Equal(t, "100.000000", balance(t, ledgerSvc, acct))
}

type fakeWallet struct {
	fakeBroadcaster
	token decimal.Decimal
	gas   decimal.Decimal
}

func (f *fakeWallet) GetTokenBalance(context.Context, string) (decimal.Decimal, error) {
	return f.token, nil
}

func (f *fakeWallet) GetGasBalance(context.Context, string) (decimal.Decimal, error) {
	return f.gas, nil
}

func TestHotWalletStatus(t *testing.T) {
	wallet := &fakeWallet{
		token: decimal.RequireFromString("10000"),
		gas:   decimal.RequireFromString("0.25"),
	}
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(), nil, nil)
	cfg := defaultConfig()
	cfg.HotWalletAddress = validAddress
	svc := NewService(ledgerSvc, wallet, nil, nil, cfg)

	status, err := svc.HotWalletStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, validAddress, status.Address)
	assert.Equal(t, "10000", status.TokenBalance.String())
	assert.True(t, status.GasLow)

	wallet.gas = decimal.RequireFromString("3")
	status, err = svc.HotWalletStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.GasLow)
}

func TestHotWalletStatusUnavailableWithoutReader(t *testing.T) {
	svc, _ := newTestSettlement(t, &fakeBroadcaster{})

	_, err := svc.HotWalletStatus(context.Background())
	require.Error(t, err)
}

func TestListStuckPending(t *testing.T) {
	svc, ledgerSvc := newTestSettlement(t, &fakeBroadcaster{})
	acct := fundedAccount(t, ledgerSvc, "100")

	_, err := ledgerSvc.Reserve(context.Background(), acct.ID, decimal.RequireFromString("10"), validAddress, "")
	require.NoError(t, err)

	stuck, err := svc.ListStuckPending(context.Background(), -time.Second)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, ledger.StatusPending, stuck[0].Status)

	stuck, err = svc.ListStuckPending(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
