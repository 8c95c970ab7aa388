package ports

import (
	"context"
	"errors"
	"time"
)

// ErrPriceUnavailable is returned when no price source can serve a quote. The
// coordinator tolerates it: the price band check is skipped, never failed.
var ErrPriceUnavailable = errors.New("reference price unavailable")

type ReferencePrice struct {
	AssetClass string
	Price      uint64 // smallest unit (sats)
	AsOf       time.Time
}

type PriceOracle interface {
	GetReferencePrice(ctx context.Context, assetClass string) (*ReferencePrice, error)
}
