package custody

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ordvault/vaultd/internal/core/ports"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
)

// BuildLockTx builds the unsigned transaction moving the asset coin into
// custody. One input, a custody output of exactly minAmount, and a change
// output back to the owner when the remainder clears the dust floor.
func (b *txBuilder) BuildLockTx(
	coin ports.Coin, custodyAddress, changeAddress string, minAmount, feeSats uint64,
) (string, error) {
	// the input's pkScript ends up in the packet's witness utxo, a packet
	// without one cannot be signed or even re-decoded
	if len(coin.PkScript) == 0 {
		return "", vaulterrors.INTERNAL_ERROR.New("coin %s carries no pkScript", coin.Outpoint)
	}

	required := minAmount + feeSats
	if coin.Value < required {
		return "", vaulterrors.INSUFFICIENT_FUNDS.
			New("input value %d does not cover amount + fee %d", coin.Value, required).
			WithMetadata(vaulterrors.InsufficientFundsMetadata{
				InputValue: coin.Value, Required: required,
			})
	}

	custodyScript, err := b.pkScript(custodyAddress)
	if err != nil {
		return "", err
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(minAmount), custodyScript)}
	if change := coin.Value - required; change >= b.dust {
		changeScript, err := b.pkScript(changeAddress)
		if err != nil {
			return "", err
		}
		outputs = append(outputs, wire.NewTxOut(int64(change), changeScript))
	}

	return b.packetFromCoin(coin, outputs, nil)
}

// BuildReleaseTx builds the unsigned transaction spending the custody coin
// back to the owner, with the witness script attached so the wallet quorum can
// sign it.
func (b *txBuilder) BuildReleaseTx(
	custodyCoin ports.Coin, redeemScript []byte, ownerAddress string, amount, feeSats uint64,
) (string, error) {
	required := amount + feeSats
	if custodyCoin.Value < required {
		return "", vaulterrors.INSUFFICIENT_FUNDS.
			New("custody value %d does not cover amount + fee %d", custodyCoin.Value, required).
			WithMetadata(vaulterrors.InsufficientFundsMetadata{
				InputValue: custodyCoin.Value, Required: required,
			})
	}

	// the custody prevout must commit to the script we are about to reveal
	expectedPkScript, err := p2wshScript(redeemScript)
	if err != nil {
		return "", vaulterrors.SCRIPT_INVARIANT_VIOLATED.Wrap(err)
	}
	if len(custodyCoin.PkScript) > 0 && !bytes.Equal(custodyCoin.PkScript, expectedPkScript) {
		return "", vaulterrors.SCRIPT_INVARIANT_VIOLATED.New(
			"custody coin %s does not commit to the redeem script", custodyCoin.Outpoint,
		)
	}
	custodyCoin.PkScript = expectedPkScript

	ownerScript, err := b.pkScript(ownerAddress)
	if err != nil {
		return "", err
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(amount), ownerScript)}
	return b.packetFromCoin(custodyCoin, outputs, redeemScript)
}

func (b *txBuilder) packetFromCoin(
	coin ports.Coin, outputs []*wire.TxOut, witnessScript []byte,
) (string, error) {
	txHash, err := chainhash.NewHashFromStr(coin.Txid)
	if err != nil {
		return "", vaulterrors.INTERNAL_ERROR.Wrap(err)
	}

	ptx, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(txHash, coin.VOut)},
		outputs, 2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return "", vaulterrors.INTERNAL_ERROR.Wrap(err)
	}

	ptx.Inputs[0].WitnessUtxo = wire.NewTxOut(int64(coin.Value), coin.PkScript)
	ptx.Inputs[0].SighashType = txscript.SigHashAll
	if len(witnessScript) > 0 {
		ptx.Inputs[0].WitnessScript = witnessScript
	}

	return ptx.B64Encode()
}

func (b *txBuilder) pkScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.network)
	if err != nil {
		return nil, vaulterrors.INTERNAL_ERROR.New("invalid address %q: %s", address, err)
	}
	return txscript.PayToAddrScript(addr)
}
