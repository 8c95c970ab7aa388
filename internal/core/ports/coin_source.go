package ports

import (
	"context"

	"github.com/ordvault/vaultd/internal/core/domain"
)

// Coin is a reference to an unspent output. Immutable once observed, spent
// exactly once.
type Coin struct {
	domain.Outpoint
	Value    uint64
	PkScript []byte
}

type TxStatus struct {
	Confirmed     bool
	Confirmations uint32
}

// CoinSource is the Bitcoin-side ledger client. Submitted transactions are
// signed by the asset owner's wallet before broadcast; the coordinator never
// holds signing keys for user funds.
type CoinSource interface {
	ListCoins(ctx context.Context, address string) ([]Coin, error)
	// GetAssetCoin locates the coin currently carrying the given asset
	// (inscription) identifier.
	GetAssetCoin(ctx context.Context, assetID string) (*Coin, error)
	SubmitTx(ctx context.Context, signedTx string) (txid string, err error)
	GetTxStatus(ctx context.Context, txid string) (*TxStatus, error)
}
