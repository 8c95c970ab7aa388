package esplora_test

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordvault/vaultd/internal/infrastructure/ledger/esplora"
	"github.com/stretchr/testify/require"
)

const testTxid = "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456"

func TestCoinSource(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/esplora/address/tb1qowner/utxo", func(w http.ResponseWriter, r *http.Request) {
		// nolint:all
		w.Write([]byte(`[
			{"txid": "` + testTxid + `", "vout": 1, "value": 10000, "status": {"confirmed": true}},
			{"txid": "` + testTxid + `", "vout": 2, "value": 5000, "status": {"confirmed": false}}
		]`))
	})
	mux.HandleFunc("/ord/inscription/ord-123", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		// nolint:all
		w.Write([]byte(`{"satpoint": "` + testTxid + `:0:0"}`))
	})
	mux.HandleFunc("/esplora/tx/"+testTxid, func(w http.ResponseWriter, r *http.Request) {
		// nolint:all
		w.Write([]byte(`{"vout": [
			{"scriptpubkey": "0014deadbeef", "value": 546},
			{"scriptpubkey": "0014cafebabe", "value": 10000}
		]}`))
	})
	mux.HandleFunc("/esplora/tx/"+testTxid+"/status", func(w http.ResponseWriter, r *http.Request) {
		// nolint:all
		w.Write([]byte(`{"confirmed": true, "block_height": 100}`))
	})
	mux.HandleFunc("/esplora/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		// nolint:all
		w.Write([]byte(`105`))
	})
	mux.HandleFunc("/esplora/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// nolint:all
		w.Write([]byte(testTxid))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	svc, err := esplora.NewService(server.URL+"/esplora", server.URL+"/ord", time.Second)
	require.NoError(t, err)

	t.Run("list coins skips unconfirmed", func(t *testing.T) {
		coins, err := svc.ListCoins(ctx, "tb1qowner")
		require.NoError(t, err)
		require.Len(t, coins, 1)
		require.Equal(t, uint64(10000), coins[0].Value)
		require.Equal(t, uint32(1), coins[0].VOut)
		require.Equal(t, "0014cafebabe", hex.EncodeToString(coins[0].PkScript))
	})

	t.Run("locates asset coin via satpoint", func(t *testing.T) {
		coin, err := svc.GetAssetCoin(ctx, "ord-123")
		require.NoError(t, err)
		require.Equal(t, testTxid, coin.Txid)
		require.Equal(t, uint32(0), coin.VOut)
		require.Equal(t, uint64(546), coin.Value)
		require.NotEmpty(t, coin.PkScript)
	})

	t.Run("tx status with confirmations", func(t *testing.T) {
		status, err := svc.GetTxStatus(ctx, testTxid)
		require.NoError(t, err)
		require.True(t, status.Confirmed)
		require.Equal(t, uint32(6), status.Confirmations)
	})

	t.Run("broadcast returns txid", func(t *testing.T) {
		txid, err := svc.SubmitTx(ctx, "02000000...")
		require.NoError(t, err)
		require.Equal(t, testTxid, txid)
	})

	t.Run("missing config", func(t *testing.T) {
		_, err := esplora.NewService("", "", time.Second)
		require.Error(t, err)
	})
}
