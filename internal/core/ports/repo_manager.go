package ports

import "github.com/ordvault/vaultd/internal/core/domain"

type RepoManager interface {
	Vaults() domain.VaultRepository
	Close()
}
