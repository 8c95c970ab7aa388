package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const vaultStoreDir = "vaults"

type vaultRepository struct {
	store *badgerhold.Store
}

func NewVaultRepository(config ...interface{}) (domain.VaultRepository, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, vaultStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault store: %s", err)
	}

	return &vaultRepository{store}, nil
}

func (r *vaultRepository) Add(ctx context.Context, vault domain.Vault) error {
	insertFn := func() error {
		return r.store.Insert(vault.AssetID, vault)
	}
	if err := insertFn(); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrVaultAlreadyExists
		}
		if errors.Is(err, badger.ErrConflict) {
			attempts := 1
			for errors.Is(err, badger.ErrConflict) && attempts <= maxRetries {
				time.Sleep(100 * time.Millisecond)
				err = insertFn()
				attempts++
			}
		}
		return err
	}
	return nil
}

func (r *vaultRepository) Get(ctx context.Context, assetID string) (*domain.Vault, error) {
	var vault domain.Vault
	if err := r.store.Get(assetID, &vault); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrVaultNotFound
		}
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return &vault, nil
}

func (r *vaultRepository) GetAll(ctx context.Context) ([]domain.Vault, error) {
	var vaults []domain.Vault
	if err := r.store.Find(&vaults, nil); err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	return vaults, nil
}

func (r *vaultRepository) GetByState(
	ctx context.Context, state domain.VaultState,
) ([]domain.Vault, error) {
	var vaults []domain.Vault
	query := badgerhold.Where("State").Eq(state)
	if err := r.store.Find(&vaults, query); err != nil {
		return nil, fmt.Errorf("failed to list vaults by state: %w", err)
	}
	return vaults, nil
}

// UpdateIf runs the update inside a single badger transaction so that two
// coordinators racing on the same vault cannot both advance it from the same
// state.
func (r *vaultRepository) UpdateIf(
	ctx context.Context, assetID string, expectedState domain.VaultState,
	update func(*domain.Vault) error,
) (*domain.Vault, error) {
	var updated *domain.Vault
	casFn := func() error {
		return r.store.Badger().Update(func(tx *badger.Txn) error {
			var vault domain.Vault
			if err := r.store.TxGet(tx, assetID, &vault); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return domain.ErrVaultNotFound
				}
				return err
			}
			if vault.State != expectedState {
				return fmt.Errorf(
					"%w: expected %s, got %s", domain.ErrStateConflict, expectedState, vault.State,
				)
			}
			if err := update(&vault); err != nil {
				return err
			}
			if vault.State != expectedState && !expectedState.CanTransitionTo(vault.State) {
				return fmt.Errorf(
					"%w: illegal transition %s -> %s",
					domain.ErrStateConflict, expectedState, vault.State,
				)
			}
			vault.UpdatedAt = time.Now()
			if err := r.store.TxUpdate(tx, assetID, vault); err != nil {
				return err
			}
			updated = &vault
			return nil
		})
	}

	err := casFn()
	if errors.Is(err, badger.ErrConflict) {
		attempts := 1
		for errors.Is(err, badger.ErrConflict) && attempts <= maxRetries {
			time.Sleep(100 * time.Millisecond)
			err = casFn()
			attempts++
		}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *vaultRepository) Close() {
	// nolint:all
	r.store.Close()
}
