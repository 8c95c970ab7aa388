package application

import (
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
)

// RequiredShares computes the redemption bar in integer math:
// ceil(totalShares * thresholdPercent / 100). The computation is split so the
// product cannot overflow uint64 for any share count and any percent in
// (0, 100].
func RequiredShares(totalShares, thresholdPercent uint64) uint64 {
	whole := totalShares / 100
	rem := totalShares % 100
	return whole*thresholdPercent + (rem*thresholdPercent+99)/100
}

// ValidateThresholdPercent is run once at vault creation. The percent must sit
// in (0, 100].
func ValidateThresholdPercent(thresholdPercent uint64) error {
	if thresholdPercent == 0 || thresholdPercent > 100 {
		return vaulterrors.INVALID_THRESHOLD.New(
			"redemption threshold percent must be in (0, 100], got %d", thresholdPercent,
		)
	}
	return nil
}

// CheckRedemption gates release of the custodied asset. Denials carry the
// numeric requirement so a caller can retry with exact presentation.
func CheckRedemption(totalShares, thresholdPercent, sharesPresented uint64) (uint64, error) {
	requiredShares := RequiredShares(totalShares, thresholdPercent)
	if sharesPresented < requiredShares {
		return requiredShares, vaulterrors.INSUFFICIENT_SHARES.New(
			"%d shares presented, %d required", sharesPresented, requiredShares,
		).WithMetadata(vaulterrors.InsufficientSharesMetadata{
			RequiredShares:  requiredShares,
			SharesPresented: sharesPresented,
		})
	}
	return requiredShares, nil
}
