package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ordvault/vaultd/internal/core/ports"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
)

const (
	methodMint      = "vault_mintShares"
	methodBurn      = "vault_burnShares"
	methodBalanceOf = "vault_balanceOf"

	rpcCodeMethodNotFound = -32601
)

// service is a JSON-RPC client against the share-token issuer contract
// endpoint on the second ledger.
type service struct {
	rpcURL    string
	client    *http.Client
	requestID atomic.Uint64
}

func NewService(rpcURL string, timeout time.Duration) (ports.TokenIssuer, error) {
	if len(rpcURL) == 0 {
		return nil, fmt.Errorf("token issuer RPC URL is required")
	}
	return &service{
		rpcURL: strings.TrimSuffix(rpcURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *service) Mint(
	ctx context.Context, assetID, owner string, totalShares uint64,
) (string, error) {
	var txRef string
	params := map[string]any{
		"asset_id": assetID, "owner": owner, "amount": totalShares,
	}
	if err := s.call(ctx, methodMint, params, &txRef); err != nil {
		return "", err
	}
	if len(txRef) == 0 {
		// a success without a tx reference is a stub response, refuse it
		return "", vaulterrors.NOT_IMPLEMENTED.New("issuer returned no mint tx reference")
	}
	return txRef, nil
}

func (s *service) Burn(ctx context.Context, assetID string, amount uint64) (string, error) {
	var txRef string
	params := map[string]any{"asset_id": assetID, "amount": amount}
	if err := s.call(ctx, methodBurn, params, &txRef); err != nil {
		return "", err
	}
	if len(txRef) == 0 {
		return "", vaulterrors.NOT_IMPLEMENTED.New("issuer returned no burn tx reference")
	}
	return txRef, nil
}

func (s *service) BalanceOf(ctx context.Context, assetID, owner string) (uint64, error) {
	var balance uint64
	params := map[string]any{"asset_id": assetID, "owner": owner}
	if err := s.call(ctx, methodBalanceOf, params, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *service) call(ctx context.Context, method string, params, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      s.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.rpcURL, bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("issuer call %s failed: %w", method, err)
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("issuer call %s failed with status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("malformed issuer response for %s: %s", method, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcCodeMethodNotFound {
			return vaulterrors.NOT_IMPLEMENTED.New(
				"issuer does not support %s: %s", method, rpcResp.Error.Message,
			)
		}
		return fmt.Errorf("issuer call %s failed: %s", method, rpcResp.Error.Message)
	}

	return json.Unmarshal(rpcResp.Result, result)
}
