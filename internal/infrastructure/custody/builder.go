package custody

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ordvault/vaultd/internal/core/ports"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
)

const (
	slotLabelFormat = "slot-%d"

	// maxCustodyKeys caps N at the standardness limit for bare
	// OP_CHECKMULTISIG scripts.
	maxCustodyKeys = 15
)

type txBuilder struct {
	deriver ports.KeyDeriver
	network *chaincfg.Params
	dust    uint64
}

func NewTxBuilder(
	deriver ports.KeyDeriver, network *chaincfg.Params, dustAmount uint64,
) ports.TxBuilder {
	return &txBuilder{deriver, network, dustAmount}
}

// BuildCustody derives N key slots for the asset and commits an M-of-N
// multisig script into a P2WSH address. Pubkeys are sorted ascending by their
// compressed serialization (BIP67) so the script bytes, and therefore the
// address, are canonical for a given (assetID, n, m).
func (b *txBuilder) BuildCustody(assetID string, n, m int) (*ports.CustodyDescriptor, error) {
	if m < 1 || m > n {
		return nil, vaulterrors.INVALID_THRESHOLD.
			New("threshold must satisfy 1 <= m <= n, got %d-of-%d", m, n).
			WithMetadata(vaulterrors.ThresholdMetadata{M: m, N: n})
	}
	if n > maxCustodyKeys {
		return nil, vaulterrors.INVALID_THRESHOLD.
			New("at most %d custody keys are supported, got %d", maxCustodyKeys, n).
			WithMetadata(vaulterrors.ThresholdMetadata{M: m, N: n})
	}

	pubkeys := make([]*btcec.PublicKey, 0, n)
	for i := 1; i <= n; i++ {
		keys, err := b.deriver.DeriveKey(assetID, fmt.Sprintf(slotLabelFormat, i))
		if err != nil {
			return nil, err
		}
		pubkeys = append(pubkeys, keys.PubKey)
	}

	sort.Slice(pubkeys, func(i, j int) bool {
		return bytes.Compare(
			pubkeys[i].SerializeCompressed(), pubkeys[j].SerializeCompressed(),
		) < 0
	})

	redeemScript, err := multisigScript(pubkeys, m)
	if err != nil {
		return nil, vaulterrors.SCRIPT_INVARIANT_VIOLATED.Wrap(err)
	}

	scriptHash := sha256.Sum256(redeemScript)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], b.network)
	if err != nil {
		return nil, vaulterrors.SCRIPT_INVARIANT_VIOLATED.Wrap(err)
	}

	return &ports.CustodyDescriptor{
		Address:      address.EncodeAddress(),
		RedeemScript: redeemScript,
		PubKeys:      pubkeys,
		Threshold:    m,
	}, nil
}

// multisigScript serializes OP_M <pubkeys...> OP_N OP_CHECKMULTISIG.
func multisigScript(pubkeys []*btcec.PublicKey, m int) ([]byte, error) {
	builder := txscript.NewScriptBuilder().AddInt64(int64(m))
	for _, pubkey := range pubkeys {
		builder.AddData(pubkey.SerializeCompressed())
	}
	builder.AddInt64(int64(len(pubkeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// p2wshScript returns the pkScript committing to the given witness script.
func p2wshScript(witnessScript []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(witnessScript)
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(scriptHash[:]).Script()
}
