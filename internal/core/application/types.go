package application

import (
	"context"

	"github.com/ordvault/vaultd/internal/core/domain"
)

// Service is the cross-ledger coordinator: the only component allowed to
// mutate vault state, always through the registry CAS.
type Service interface {
	Start() error
	Stop()
	CreateVault(ctx context.Context, req CreateVaultRequest) (*domain.Vault, error)
	RedeemVault(ctx context.Context, req RedeemVaultRequest) (*RedeemVaultResult, error)
	// ResumeVault re-drives a vault resting in a non-terminal state after a
	// transient failure or a restart, without re-submitting work already
	// confirmed on a ledger.
	ResumeVault(ctx context.Context, assetID string) (*domain.Vault, error)
	GetVault(ctx context.Context, assetID string) (*domain.Vault, error)
	ListVaults(ctx context.Context) ([]domain.Vault, error)
}

type CreateVaultRequest struct {
	AssetID       string
	OwnerAddress  string
	AssetClass    string
	TotalShares   uint64
	PricePerShare uint64
	MintedTo      string
}

type RedeemVaultRequest struct {
	AssetID         string
	SharesPresented uint64
	Requester       string
}

type RedeemVaultResult struct {
	ReleaseTxRef string
	State        domain.VaultState
}
