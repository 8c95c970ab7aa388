package db

import (
	"fmt"

	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/core/ports"
	badgerdb "github.com/ordvault/vaultd/internal/infrastructure/db/badger"
)

var vaultStoreTypes = map[string]func(...interface{}) (domain.VaultRepository, error){
	"badger": badgerdb.NewVaultRepository,
}

type ServiceConfig struct {
	DataStoreType   string
	DataStoreConfig []interface{}
}

type service struct {
	vaultStore domain.VaultRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	vaultStoreFactory, ok := vaultStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("vault store type not supported: %s", config.DataStoreType)
	}

	vaultStore, err := vaultStoreFactory(config.DataStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault store: %s", err)
	}

	return &service{vaultStore}, nil
}

func (s *service) Vaults() domain.VaultRepository {
	return s.vaultStore
}

func (s *service) Close() {
	s.vaultStore.Close()
}
