// Package chainclient is the HTTP client for the chain gateway, the
// internal service that fronts the Polygon JSON-RPC node and the USDC
// token contract. The ledger consumes the gateway as a capability: token
// and gas balances, transfer-event queries over a block range, and token
// transfer broadcasts.
package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction filters transfer-event queries.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionAll      Direction = "all"
)

// TransferEvent is one token transfer observed on-chain. A single chain
// transaction can emit several of these; (TxHash, LogIndex) identifies an
// event uniquely.
type TransferEvent struct {
	TxHash        string          `json:"tx_hash"`
	LogIndex      uint32          `json:"log_index"`
	BlockNumber   uint64          `json:"block_number"`
	Confirmations uint64          `json:"confirmations"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
}

// BroadcastResult is the gateway's answer to a transfer broadcast.
type BroadcastResult struct {
	TxHash      string `json:"tx_hash"`
	Confirmed   bool   `json:"confirmed"`
	BlockNumber uint64 `json:"block_number"`
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chain gateway error (%d): %s", e.StatusCode, e.Message)
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress reports whether s has the shape of an EVM address.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Client talks to the chain gateway over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a gateway client with a 30 second request timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetBlockNumber returns the current chain head height.
func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	var out struct {
		BlockNumber uint64 `json:"block_number"`
	}
	if err := c.get(ctx, "/v1/chain/head", nil, &out); err != nil {
		return 0, err
	}
	return out.BlockNumber, nil
}

// GetTokenBalance returns the USDC balance of an address.
func (c *Client) GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.get(ctx, "/v1/token/balance", url.Values{"address": {address}}, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// GetGasBalance returns the native gas (POL) balance of an address.
func (c *Client) GetGasBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.get(ctx, "/v1/gas/balance", url.Values{"address": {address}}, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// GetTransfersInRange returns token transfer events touching address
// between fromBlock and toBlock inclusive.
func (c *Client) GetTransfersInRange(ctx context.Context, address string, fromBlock, toBlock uint64, direction Direction) ([]TransferEvent, error) {
	q := url.Values{
		"address":    {address},
		"from_block": {fmt.Sprintf("%d", fromBlock)},
		"to_block":   {fmt.Sprintf("%d", toBlock)},
		"direction":  {string(direction)},
	}
	var out struct {
		Transfers []TransferEvent `json:"transfers"`
	}
	if err := c.get(ctx, "/v1/token/transfers", q, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

type broadcastRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// BroadcastTransfer asks the gateway to send amount USDC from the
// custodial hot wallet to toAddress and waits for the first confirmation.
func (c *Client) BroadcastTransfer(ctx context.Context, toAddress string, amount decimal.Decimal) (*BroadcastResult, error) {
	if !IsValidAddress(toAddress) {
		return nil, fmt.Errorf("invalid destination address %q", toAddress)
	}
	var out BroadcastResult
	err := c.post(ctx, "/v1/token/transfer", broadcastRequest{To: toAddress, Amount: amount.String()}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
