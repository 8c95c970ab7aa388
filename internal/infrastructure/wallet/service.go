package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ordvault/vaultd/internal/core/ports"
)

// service asks the owner wallet endpoint to sign and finalize a packet. The
// wallet holds the keys; this client only moves packets back and forth.
type service struct {
	walletURL string
	client    *http.Client
}

func NewService(walletURL string, timeout time.Duration) (ports.TxSigner, error) {
	if len(walletURL) == 0 {
		return nil, fmt.Errorf("wallet URL is required")
	}
	return &service{
		walletURL: strings.TrimSuffix(walletURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type signRequest struct {
	Psbt string `json:"psbt"`
}

type signResponse struct {
	Tx string `json:"tx"`
}

func (s *service) SignTx(ctx context.Context, unsignedTx string) (string, error) {
	payload, err := json.Marshal(signRequest{Psbt: unsignedTx})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, fmt.Sprintf("%s/sign", s.walletURL), bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wallet signing call failed: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("wallet refused to sign (%d): %s", resp.StatusCode, string(body))
	}

	var signed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("malformed wallet response: %s", err)
	}
	if len(signed.Tx) == 0 {
		return "", fmt.Errorf("wallet returned no signed transaction")
	}
	return signed.Tx, nil
}
