package ports

import "context"

// TxSigner hands a transaction packet to the owner wallet quorum for signing
// and finalization. The coordinator never holds signing keys for user funds,
// so every packet crosses this seam before broadcast.
type TxSigner interface {
	SignTx(ctx context.Context, unsignedTx string) (signedTx string, err error)
}
