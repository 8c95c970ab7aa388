package custody

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ordvault/vaultd/internal/core/ports"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
)

// assetIDPattern bounds what we accept as an asset identifier: inscription ids
// and similar opaque handles, no whitespace, no empty string.
var assetIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9:._-]{0,127}$`)

type keyDeriver struct {
	masterSecret []byte
}

// NewKeyDeriver returns a deriver producing custody keys as
// HMAC-SHA256(masterSecret, assetID || 0x00 || slotLabel). The master secret
// keeps the key material un-derivable from the public asset id alone while the
// derivation stays recomputable for audit.
func NewKeyDeriver(masterSecret []byte) (ports.KeyDeriver, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(masterSecret))
	}
	secret := make([]byte, len(masterSecret))
	copy(secret, masterSecret)
	return &keyDeriver{masterSecret: secret}, nil
}

func (d *keyDeriver) DeriveKey(assetID, slotLabel string) (*ports.KeyMaterial, error) {
	if !assetIDPattern.MatchString(assetID) {
		return nil, vaulterrors.INVALID_ASSET_ID.
			New("asset id is empty or malformed: %q", assetID).
			WithMetadata(vaulterrors.AssetMetadata{AssetID: assetID})
	}
	if len(slotLabel) == 0 {
		return nil, fmt.Errorf("missing slot label")
	}

	mac := hmac.New(sha256.New, d.masterSecret)
	// zero byte separator, so ("ab","c") and ("a","bc") never collide
	mac.Write([]byte(assetID))
	mac.Write([]byte{0x00})
	mac.Write([]byte(slotLabel))

	privKey, pubKey := btcec.PrivKeyFromBytes(mac.Sum(nil))
	return &ports.KeyMaterial{PrivKey: privKey, PubKey: pubKey}, nil
}
