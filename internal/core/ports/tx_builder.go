package ports

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// KeyMaterial is one derived custody key slot. The private key never leaves
// the process and is recomputable from the asset id, the slot label and the
// master secret.
type KeyMaterial struct {
	PrivKey *btcec.PrivateKey
	PubKey  *btcec.PublicKey
}

// KeyDeriver deterministically derives custody key material. Same
// (assetID, slotLabel) always yields the same keys so a custody address can be
// recomputed and audited without a side database.
type KeyDeriver interface {
	DeriveKey(assetID, slotLabel string) (*KeyMaterial, error)
}

// CustodyDescriptor is the threshold script commitment for one asset: the
// P2WSH address, the serialized M-of-N witness script and the pubkeys in
// script order.
type CustodyDescriptor struct {
	Address      string
	RedeemScript []byte
	PubKeys      []*btcec.PublicKey
	Threshold    int
}

// TxBuilder builds the custody-side transaction skeletons. Building is pure:
// no network access, no signing.
type TxBuilder interface {
	BuildCustody(assetID string, n, m int) (*CustodyDescriptor, error)
	// BuildLockTx moves the asset coin to the custody address. The custody
	// output carries exactly minAmount; the remainder above fees returns to
	// changeAddress when it clears the dust floor.
	BuildLockTx(
		coin Coin, custodyAddress, changeAddress string, minAmount, feeSats uint64,
	) (unsignedTx string, err error)
	// BuildReleaseTx spends the custody coin back to the owner, attaching the
	// witness script as the spending condition.
	BuildReleaseTx(
		custodyCoin Coin, redeemScript []byte, ownerAddress string, amount, feeSats uint64,
	) (unsignedTx string, err error)
}
