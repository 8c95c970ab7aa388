package esplora

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/core/ports"
)

// service talks to an esplora REST endpoint for coins and broadcasts, and to
// an ord-style indexer to locate the coin currently holding an inscription.
type service struct {
	esploraURL string
	ordURL     string
	client     *http.Client
}

func NewService(esploraURL, ordURL string, timeout time.Duration) (ports.CoinSource, error) {
	if len(esploraURL) == 0 {
		return nil, fmt.Errorf("esplora URL is required")
	}
	if len(ordURL) == 0 {
		return nil, fmt.Errorf("ord indexer URL is required")
	}
	return &service{
		esploraURL: strings.TrimSuffix(esploraURL, "/"),
		ordURL:     strings.TrimSuffix(ordURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}, nil
}

type utxoResponse struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  uint64 `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

func (s *service) ListCoins(ctx context.Context, address string) ([]ports.Coin, error) {
	endpoint := fmt.Sprintf("%s/address/%s/utxo", s.esploraURL, url.PathEscape(address))

	var utxos []utxoResponse
	if err := s.getJSON(ctx, endpoint, &utxos); err != nil {
		return nil, fmt.Errorf("failed to list coins for %s: %w", address, err)
	}

	coins := make([]ports.Coin, 0, len(utxos))
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			continue
		}
		// the utxo listing carries no script, the funding tx does
		_, pkScript, err := s.output(ctx, utxo.Txid, utxo.Vout)
		if err != nil {
			return nil, err
		}
		coins = append(coins, ports.Coin{
			Outpoint: domain.Outpoint{Txid: utxo.Txid, VOut: utxo.Vout},
			Value:    utxo.Value,
			PkScript: pkScript,
		})
	}
	return coins, nil
}

type inscriptionResponse struct {
	Satpoint string `json:"satpoint"`
}

type txResponse struct {
	Vout []struct {
		ScriptPubKey string `json:"scriptpubkey"`
		Value        uint64 `json:"value"`
	} `json:"vout"`
}

func (s *service) GetAssetCoin(ctx context.Context, assetID string) (*ports.Coin, error) {
	endpoint := fmt.Sprintf("%s/inscription/%s", s.ordURL, url.PathEscape(assetID))

	var inscription inscriptionResponse
	if err := s.getJSON(ctx, endpoint, &inscription); err != nil {
		return nil, fmt.Errorf("failed to locate inscription %s: %w", assetID, err)
	}

	// satpoint format is txid:vout:offset
	parts := strings.Split(inscription.Satpoint, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed satpoint %q for inscription %s", inscription.Satpoint, assetID)
	}
	txid := parts[0]
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed satpoint vout %q: %s", parts[1], err)
	}

	value, pkScript, err := s.output(ctx, txid, uint32(vout))
	if err != nil {
		return nil, err
	}

	return &ports.Coin{
		Outpoint: domain.Outpoint{Txid: txid, VOut: uint32(vout)},
		Value:    value,
		PkScript: pkScript,
	}, nil
}

func (s *service) output(ctx context.Context, txid string, vout uint32) (uint64, []byte, error) {
	var tx txResponse
	if err := s.getJSON(ctx, fmt.Sprintf("%s/tx/%s", s.esploraURL, txid), &tx); err != nil {
		return 0, nil, fmt.Errorf("failed to fetch tx %s: %w", txid, err)
	}
	if int(vout) >= len(tx.Vout) {
		return 0, nil, fmt.Errorf("tx %s has no output %d", txid, vout)
	}

	pkScript, err := hex.DecodeString(tx.Vout[vout].ScriptPubKey)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed scriptpubkey for %s:%d: %s", txid, vout, err)
	}
	return tx.Vout[vout].Value, pkScript, nil
}

func (s *service) SubmitTx(ctx context.Context, signedTx string) (string, error) {
	endpoint := fmt.Sprintf("%s/tx", s.esploraURL)
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, strings.NewReader(signedTx),
	)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast tx: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast rejected (%d): %s", resp.StatusCode, string(body))
	}

	return strings.TrimSpace(string(body)), nil
}

type txStatusResponse struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

func (s *service) GetTxStatus(ctx context.Context, txid string) (*ports.TxStatus, error) {
	var status txStatusResponse
	endpoint := fmt.Sprintf("%s/tx/%s/status", s.esploraURL, url.PathEscape(txid))
	if err := s.getJSON(ctx, endpoint, &status); err != nil {
		return nil, fmt.Errorf("failed to get status for tx %s: %w", txid, err)
	}

	if !status.Confirmed {
		return &ports.TxStatus{}, nil
	}

	var tipHeight int64
	if err := s.getJSON(ctx, fmt.Sprintf("%s/blocks/tip/height", s.esploraURL), &tipHeight); err != nil {
		return nil, fmt.Errorf("failed to get tip height: %w", err)
	}

	confirmations := tipHeight - status.BlockHeight + 1
	if confirmations < 0 {
		confirmations = 0
	}
	return &ports.TxStatus{
		Confirmed:     true,
		Confirmations: uint32(confirmations),
	}, nil
}

func (s *service) getJSON(ctx context.Context, endpoint string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}
