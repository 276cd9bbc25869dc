// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ProgramAccount is one entry from a program-account scan: the deposit
// account's address and its parsed contents.
type ProgramAccount struct {
	Address string
	Account DepositAccount
}

// Client queries the chain over JSON-RPC. All reads use confirmed
// commitment: the mirror would rather lag a slot than credit a balance
// the chain later rolls back.
type Client struct {
	rpcURL    string
	programID string
	http      *http.Client
	logger    *slog.Logger
}

// ClientConfig holds the parameters for NewClient.
type ClientConfig struct {
	// RPCURL is the JSON-RPC HTTP endpoint. Required.
	RPCURL string

	// ProgramID is the deposit program's base58 address. Required.
	ProgramID string

	// HTTPClient overrides the transport. Nil means a client with a
	// 30 second timeout.
	HTTPClient *http.Client

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// NewClient validates the config and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: RPCURL is required")
	}
	if cfg.ProgramID == "" {
		return nil, fmt.Errorf("chain: ProgramID is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		rpcURL:    cfg.RPCURL,
		programID: cfg.ProgramID,
		http:      httpClient,
		logger:    logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type accountValue struct {
	Data []string `json:"data"`
}

func (v *accountValue) decode() ([]byte, error) {
	if v == nil || len(v.Data) == 0 {
		return nil, fmt.Errorf("chain: account has no data")
	}
	raw, err := base64.StdEncoding.DecodeString(v.Data[0])
	if err != nil {
		return nil, fmt.Errorf("chain: decode account data: %w", err)
	}
	return raw, nil
}

var rpcOpts = map[string]string{"encoding": "base64", "commitment": "confirmed"}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("chain: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s: endpoint returned %s", method, resp.Status)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("chain: decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("chain: %s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("chain: decode %s result: %w", method, err)
	}
	return nil
}

// ProgramAccounts enumerates every account owned by the deposit
// program. Accounts that fail to parse are logged and skipped: one
// corrupt account must not hide the rest of the ledger.
func (c *Client) ProgramAccounts(ctx context.Context) ([]ProgramAccount, error) {
	var result []struct {
		Pubkey  string       `json:"pubkey"`
		Account accountValue `json:"account"`
	}
	err := c.call(ctx, "getProgramAccounts", []any{c.programID, rpcOpts}, &result)
	if err != nil {
		return nil, err
	}

	accounts := make([]ProgramAccount, 0, len(result))
	for _, entry := range result {
		raw, err := entry.Account.decode()
		if err != nil {
			c.logger.Warn("skipping account with undecodable data", "address", entry.Pubkey, "error", err)
			continue
		}
		parsed, err := ParseDepositAccount(raw)
		if err != nil {
			c.logger.Warn("skipping unparseable account", "address", entry.Pubkey, "error", err)
			continue
		}
		accounts = append(accounts, ProgramAccount{Address: entry.Pubkey, Account: parsed})
	}
	return accounts, nil
}

// AccountInfo fetches and parses a single deposit account. A missing
// account (closed or never created) returns ok=false with no error.
func (c *Client) AccountInfo(ctx context.Context, address string) (DepositAccount, bool, error) {
	var result struct {
		Value *accountValue `json:"value"`
	}
	err := c.call(ctx, "getAccountInfo", []any{address, rpcOpts}, &result)
	if err != nil {
		return DepositAccount{}, false, err
	}
	if result.Value == nil {
		return DepositAccount{}, false, nil
	}

	raw, err := result.Value.decode()
	if err != nil {
		return DepositAccount{}, false, fmt.Errorf("chain: account %s: %w: %w", address, ErrBadAccountData, err)
	}
	parsed, err := ParseDepositAccount(raw)
	if err != nil {
		return DepositAccount{}, false, fmt.Errorf("chain: account %s: %w: %w", address, ErrBadAccountData, err)
	}
	return parsed, true, nil
}
