package ports

import "context"

// TokenIssuer is the second-ledger mint/burn authority for fractional shares.
type TokenIssuer interface {
	Mint(ctx context.Context, assetID, owner string, totalShares uint64) (txRef string, err error)
	Burn(ctx context.Context, assetID string, amount uint64) (txRef string, err error)
	BalanceOf(ctx context.Context, assetID, owner string) (uint64, error)
}
