package db_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/core/ports"
	"github.com/ordvault/vaultd/internal/infrastructure/db"
	"github.com/stretchr/testify/require"
)

func newTestRepoManager(t *testing.T) ports.RepoManager {
	t.Helper()
	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   "badger",
		DataStoreConfig: []interface{}{"", nil},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func newTestVault(assetID string) domain.Vault {
	return domain.Vault{
		AssetID:        assetID,
		VaultID:        "vault-" + assetID,
		OwnerAddress:   "tb1qowner",
		CustodyAddress: "tb1qcustody",
		Threshold:      2,
		KeyCount:       3,
		State:          domain.VaultStatePending,
		CreatedAt:      time.Now(),
	}
}

func TestVaultRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("unsupported store type", func(t *testing.T) {
		_, err := db.NewService(db.ServiceConfig{DataStoreType: "postgres"})
		require.Error(t, err)
	})

	t.Run("add and get", func(t *testing.T) {
		repo := newTestRepoManager(t)

		err := repo.Vaults().Add(ctx, newTestVault("ord-1"))
		require.NoError(t, err)

		vault, err := repo.Vaults().Get(ctx, "ord-1")
		require.NoError(t, err)
		require.Equal(t, "ord-1", vault.AssetID)
		require.Equal(t, domain.VaultStatePending, vault.State)
	})

	t.Run("get missing vault", func(t *testing.T) {
		repo := newTestRepoManager(t)

		_, err := repo.Vaults().Get(ctx, "nope")
		require.ErrorIs(t, err, domain.ErrVaultNotFound)
	})

	t.Run("duplicate add rejected", func(t *testing.T) {
		repo := newTestRepoManager(t)

		require.NoError(t, repo.Vaults().Add(ctx, newTestVault("ord-1")))
		err := repo.Vaults().Add(ctx, newTestVault("ord-1"))
		require.ErrorIs(t, err, domain.ErrVaultAlreadyExists)
	})

	t.Run("get by state", func(t *testing.T) {
		repo := newTestRepoManager(t)

		require.NoError(t, repo.Vaults().Add(ctx, newTestVault("ord-1")))
		locked := newTestVault("ord-2")
		locked.State = domain.VaultStateLocked
		require.NoError(t, repo.Vaults().Add(ctx, locked))

		pending, err := repo.Vaults().GetByState(ctx, domain.VaultStatePending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "ord-1", pending[0].AssetID)

		all, err := repo.Vaults().GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("update if state matches", func(t *testing.T) {
		repo := newTestRepoManager(t)
		require.NoError(t, repo.Vaults().Add(ctx, newTestVault("ord-1")))

		updated, err := repo.Vaults().UpdateIf(
			ctx, "ord-1", domain.VaultStatePending,
			func(v *domain.Vault) error {
				v.State = domain.VaultStateLocked
				v.LockTxid = "txid"
				return nil
			},
		)
		require.NoError(t, err)
		require.Equal(t, domain.VaultStateLocked, updated.State)
		require.False(t, updated.UpdatedAt.IsZero())

		// second CAS from the stale state must fail
		_, err = repo.Vaults().UpdateIf(
			ctx, "ord-1", domain.VaultStatePending,
			func(v *domain.Vault) error {
				v.State = domain.VaultStateLocked
				return nil
			},
		)
		require.ErrorIs(t, err, domain.ErrStateConflict)
	})

	t.Run("update rejects illegal transition", func(t *testing.T) {
		repo := newTestRepoManager(t)
		require.NoError(t, repo.Vaults().Add(ctx, newTestVault("ord-1")))

		_, err := repo.Vaults().UpdateIf(
			ctx, "ord-1", domain.VaultStatePending,
			func(v *domain.Vault) error {
				v.State = domain.VaultStateReleased
				return nil
			},
		)
		require.ErrorIs(t, err, domain.ErrStateConflict)
	})

	t.Run("concurrent cas has exactly one winner", func(t *testing.T) {
		repo := newTestRepoManager(t)
		vault := newTestVault("ord-1")
		vault.State = domain.VaultStateSharesIssued
		require.NoError(t, repo.Vaults().Add(ctx, vault))

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners, conflicts := 0, 0

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Vaults().UpdateIf(
					ctx, "ord-1", domain.VaultStateSharesIssued,
					func(v *domain.Vault) error {
						v.State = domain.VaultStateRedemptionRequested
						return nil
					},
				)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners++
					return
				}
				if errors.Is(err, domain.ErrStateConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, winners)
		require.Equal(t, workers-1, conflicts)
	})
}
