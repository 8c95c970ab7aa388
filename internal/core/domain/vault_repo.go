package domain

import (
	"context"
	"errors"
)

var (
	// ErrVaultNotFound is returned when no vault exists for the requested asset.
	ErrVaultNotFound = errors.New("vault not found")
	// ErrVaultAlreadyExists is returned when adding a vault for an asset that
	// already has one.
	ErrVaultAlreadyExists = errors.New("vault already exists")
	// ErrStateConflict is returned by UpdateIf when the stored state does not
	// match the expected one. It is the CAS failure signal.
	ErrStateConflict = errors.New("vault state conflict")
)

type VaultRepository interface {
	Add(ctx context.Context, vault Vault) error
	Get(ctx context.Context, assetID string) (*Vault, error)
	GetAll(ctx context.Context) ([]Vault, error)
	GetByState(ctx context.Context, state VaultState) ([]Vault, error)
	// UpdateIf atomically applies update to the vault only if its current state
	// equals expectedState, and fails with ErrStateConflict otherwise. This is
	// the only mutation primitive: it serializes state transitions per asset.
	UpdateIf(
		ctx context.Context, assetID string, expectedState VaultState,
		update func(*Vault) error,
	) (*Vault, error)
	Close()
}
