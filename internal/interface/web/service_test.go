package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ordvault/vaultd/internal/core/application"
	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/interface/web"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubAppService struct {
	createErr error
	redeemErr error
	vault     *domain.Vault
}

func (s *stubAppService) Start() error { return nil }
func (s *stubAppService) Stop()        {}

func (s *stubAppService) CreateVault(
	ctx context.Context, req application.CreateVaultRequest,
) (*domain.Vault, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.vault, nil
}

func (s *stubAppService) RedeemVault(
	ctx context.Context, req application.RedeemVaultRequest,
) (*application.RedeemVaultResult, error) {
	if s.redeemErr != nil {
		return nil, s.redeemErr
	}
	return &application.RedeemVaultResult{
		ReleaseTxRef: "release-tx", State: domain.VaultStateReleased,
	}, nil
}

func (s *stubAppService) ResumeVault(ctx context.Context, assetID string) (*domain.Vault, error) {
	return s.vault, nil
}

func (s *stubAppService) GetVault(ctx context.Context, assetID string) (*domain.Vault, error) {
	if s.vault == nil {
		return nil, vaulterrors.VAULT_NOT_FOUND.New("no vault for asset %s", assetID)
	}
	return s.vault, nil
}

func (s *stubAppService) ListVaults(ctx context.Context) ([]domain.Vault, error) {
	if s.vault == nil {
		return nil, nil
	}
	return []domain.Vault{*s.vault}, nil
}

func testVault() *domain.Vault {
	return &domain.Vault{
		AssetID:        "ord-123",
		VaultID:        "9e107d9d-3721-4e80-b04a-43fdbb1dbf62",
		CustodyAddress: "tb1qcustody",
		State:          domain.VaultStateSharesIssued,
	}
}

func doRequest(
	t *testing.T, appSvc application.Service, method, path, body string,
) *httptest.ResponseRecorder {
	svc := web.NewService(appSvc, ":0")
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	svc.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestCreateVaultHandler(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		recorder := doRequest(
			t, &stubAppService{vault: testVault()}, http.MethodPost, "/v1/vaults",
			`{"asset_id": "ord-123", "owner_address": "tb1qowner",
			  "total_shares": 10000, "price_per_share": 50, "minted_to": "alice"}`,
		)
		require.Equal(t, http.StatusCreated, recorder.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		require.Equal(t, "tb1qcustody", resp["custody_address"])
		require.Equal(t, string(domain.VaultStateSharesIssued), resp["state"])
	})

	t.Run("malformed body", func(t *testing.T) {
		recorder := doRequest(
			t, &stubAppService{vault: testVault()},
			http.MethodPost, "/v1/vaults", `{"asset_id": 42}`,
		)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("taxonomy maps to status codes", func(t *testing.T) {
		fixtures := []struct {
			err      error
			expected int
		}{
			{vaulterrors.INVALID_SHARE_COUNT.New("bad share count"), http.StatusBadRequest},
			{vaulterrors.PRICE_OUT_OF_BAND.New("bad price"), http.StatusBadRequest},
			{vaulterrors.VAULT_ALREADY_EXISTS.New("dup"), http.StatusConflict},
			{vaulterrors.LEDGER_UNAVAILABLE.New("down"), http.StatusServiceUnavailable},
			{vaulterrors.DOUBLE_SPEND_DETECTED.New("gone"), http.StatusInternalServerError},
		}
		for _, f := range fixtures {
			recorder := doRequest(
				t, &stubAppService{createErr: f.err}, http.MethodPost, "/v1/vaults",
				`{"asset_id": "ord-123", "owner_address": "tb1qowner",
				  "total_shares": 10000, "price_per_share": 50, "minted_to": "alice"}`,
			)
			require.Equal(t, f.expected, recorder.Code)

			var resp map[string]any
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
			require.NotEmpty(t, resp["code"])
			require.NotEmpty(t, resp["kind"])
		}
	})
}

func TestRedeemVaultHandler(t *testing.T) {
	t.Run("released", func(t *testing.T) {
		recorder := doRequest(
			t, &stubAppService{vault: testVault()},
			http.MethodPost, "/v1/vaults/ord-123/redeem",
			`{"shares_presented": 7500, "requester": "alice"}`,
		)
		require.Equal(t, http.StatusOK, recorder.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		require.Equal(t, "release-tx", resp["release_tx_ref"])
	})

	t.Run("denied carries the requirement", func(t *testing.T) {
		denial := vaulterrors.INSUFFICIENT_SHARES.New("need more").
			WithMetadata(vaulterrors.InsufficientSharesMetadata{
				RequiredShares: 7500, SharesPresented: 100,
			})
		recorder := doRequest(
			t, &stubAppService{vault: testVault(), redeemErr: denial},
			http.MethodPost, "/v1/vaults/ord-123/redeem",
			`{"shares_presented": 100, "requester": "bob"}`,
		)
		require.Equal(t, http.StatusUnprocessableEntity, recorder.Code)

		var resp struct {
			Metadata map[string]string `json:"metadata"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		require.Equal(t, "7500", resp.Metadata["required_shares"])
	})
}

func TestGetVaultHandler(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		recorder := doRequest(
			t, &stubAppService{vault: testVault()}, http.MethodGet, "/v1/vaults/ord-123", "",
		)
		require.Equal(t, http.StatusOK, recorder.Code)
	})

	t.Run("not found", func(t *testing.T) {
		recorder := doRequest(t, &stubAppService{}, http.MethodGet, "/v1/vaults/ord-999", "")
		require.Equal(t, http.StatusNotFound, recorder.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	recorder := doRequest(t, &stubAppService{}, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, recorder.Code)
}
