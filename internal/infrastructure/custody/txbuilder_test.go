package custody_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/core/ports"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testTxid = "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456"

func testCoin(value uint64) ports.Coin {
	return ports.Coin{
		Outpoint: domain.Outpoint{Txid: testTxid, VOut: 0},
		Value:    value,
	}
}

func fundedCoin(value uint64) ports.Coin {
	coin := testCoin(value)
	coin.PkScript, _ = hex.DecodeString("0014751e76e8199196d454941c45d1b3a323f1433bd6")
	return coin
}

func decodePacket(t *testing.T, b64 string) *psbt.Packet {
	t.Helper()
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	require.NoError(t, err)
	return ptx
}

func TestBuildLockTx(t *testing.T) {
	builder := newTestBuilder(t)
	descriptor, err := builder.BuildCustody("ord-123", 3, 2)
	require.NoError(t, err)
	ownerDescriptor, err := builder.BuildCustody("owner-coin", 1, 1)
	require.NoError(t, err)
	ownerAddress := ownerDescriptor.Address

	t.Run("with change output", func(t *testing.T) {
		b64, err := builder.BuildLockTx(fundedCoin(100_000), descriptor.Address, ownerAddress, 546, 200)
		require.NoError(t, err)

		ptx := decodePacket(t, b64)
		require.Len(t, ptx.UnsignedTx.TxIn, 1)
		require.Len(t, ptx.UnsignedTx.TxOut, 2)
		require.Equal(t, int64(546), ptx.UnsignedTx.TxOut[0].Value)
		require.Equal(t, int64(100_000-546-200), ptx.UnsignedTx.TxOut[1].Value)
		require.NotNil(t, ptx.Inputs[0].WitnessUtxo)
	})

	t.Run("sub-dust change folded into fees", func(t *testing.T) {
		b64, err := builder.BuildLockTx(fundedCoin(546+200+100), descriptor.Address, ownerAddress, 546, 200)
		require.NoError(t, err)

		ptx := decodePacket(t, b64)
		require.Len(t, ptx.UnsignedTx.TxOut, 1)
		require.Equal(t, int64(546), ptx.UnsignedTx.TxOut[0].Value)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		fixtures := []struct {
			value, amount, fee uint64
		}{
			{545, 546, 0},
			{546, 546, 1},
			{0, 1, 0},
			{999, 546, 454},
			{100, 50, 51},
		}
		for _, f := range fixtures {
			_, err := builder.BuildLockTx(
				fundedCoin(f.value), descriptor.Address, ownerAddress, f.amount, f.fee,
			)
			require.Error(t, err)
			require.True(t, vaulterrors.INSUFFICIENT_FUNDS.Is(err))
		}
	})

	t.Run("rejects a coin without a pkScript", func(t *testing.T) {
		_, err := builder.BuildLockTx(testCoin(100_000), descriptor.Address, ownerAddress, 546, 200)
		require.Error(t, err)
		require.True(t, vaulterrors.INTERNAL_ERROR.Is(err))
	})
}

func TestBuildReleaseTx(t *testing.T) {
	builder := newTestBuilder(t)
	descriptor, err := builder.BuildCustody("ord-123", 3, 2)
	require.NoError(t, err)
	ownerDescriptor, err := builder.BuildCustody("owner-coin", 1, 1)
	require.NoError(t, err)
	ownerAddress := ownerDescriptor.Address

	t.Run("attaches witness script", func(t *testing.T) {
		b64, err := builder.BuildReleaseTx(
			testCoin(546+200), descriptor.RedeemScript, ownerAddress, 546, 200,
		)
		require.NoError(t, err)

		ptx := decodePacket(t, b64)
		require.Len(t, ptx.UnsignedTx.TxIn, 1)
		require.Len(t, ptx.UnsignedTx.TxOut, 1)
		require.Equal(t, int64(546), ptx.UnsignedTx.TxOut[0].Value)
		require.Equal(t, descriptor.RedeemScript, ptx.Inputs[0].WitnessScript)
		require.NotNil(t, ptx.Inputs[0].WitnessUtxo)
	})

	t.Run("rejects custody coin with wrong script commitment", func(t *testing.T) {
		coin := testCoin(10_000)
		coin.PkScript = []byte{0x00, 0x14, 0xde, 0xad, 0xbe, 0xef}
		_, err := builder.BuildReleaseTx(coin, descriptor.RedeemScript, ownerAddress, 546, 200)
		require.Error(t, err)
		require.True(t, vaulterrors.SCRIPT_INVARIANT_VIOLATED.Is(err))
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := builder.BuildReleaseTx(
			testCoin(546), descriptor.RedeemScript, ownerAddress, 546, 1,
		)
		require.Error(t, err)
		require.True(t, vaulterrors.INSUFFICIENT_FUNDS.Is(err))
	})
}
