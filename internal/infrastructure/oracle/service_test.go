package oracle_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordvault/vaultd/internal/core/ports"
	"github.com/ordvault/vaultd/internal/infrastructure/oracle"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	price uint64
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchFloorPrice(
	ctx context.Context, assetClass string,
) (*ports.ReferencePrice, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ports.ReferencePrice{
		AssetClass: assetClass, Price: s.price, AsOf: time.Now(),
	}, nil
}

func TestOracleFanOut(t *testing.T) {
	ctx := context.Background()

	t.Run("first success wins", func(t *testing.T) {
		failing := &stubSource{name: "down", err: fmt.Errorf("boom")}
		working := &stubSource{name: "up", price: 500_000}
		unreached := &stubSource{name: "spare", price: 1}

		svc, err := oracle.NewService(
			[]oracle.PriceSource{failing, working, unreached}, time.Minute,
		)
		require.NoError(t, err)

		price, err := svc.GetReferencePrice(ctx, "bitcoin-punks")
		require.NoError(t, err)
		require.Equal(t, uint64(500_000), price.Price)
		require.Equal(t, 1, failing.calls)
		require.Equal(t, 1, working.calls)
		require.Equal(t, 0, unreached.calls)
	})

	t.Run("all sources down", func(t *testing.T) {
		svc, err := oracle.NewService(
			[]oracle.PriceSource{&stubSource{name: "down", err: fmt.Errorf("boom")}},
			time.Minute,
		)
		require.NoError(t, err)

		_, err = svc.GetReferencePrice(ctx, "bitcoin-punks")
		require.ErrorIs(t, err, ports.ErrPriceUnavailable)
	})

	t.Run("quotes are cached", func(t *testing.T) {
		working := &stubSource{name: "up", price: 500_000}
		svc, err := oracle.NewService([]oracle.PriceSource{working}, time.Minute)
		require.NoError(t, err)

		_, err = svc.GetReferencePrice(ctx, "bitcoin-punks")
		require.NoError(t, err)
		_, err = svc.GetReferencePrice(ctx, "Bitcoin-Punks")
		require.NoError(t, err)
		require.Equal(t, 1, working.calls)
	})

	t.Run("no sources", func(t *testing.T) {
		_, err := oracle.NewService(nil, time.Minute)
		require.Error(t, err)
	})
}

func TestHTTPSource(t *testing.T) {
	t.Run("parses integer floor price", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/collections/bitcoin-punks/stats", r.URL.Path)
				// nolint:all
				w.Write([]byte(`{"floorPrice": 420000, "volume24h": 12}`))
			},
		))
		defer server.Close()

		source, err := oracle.NewHTTPSource("magiceden", server.URL, time.Second)
		require.NoError(t, err)

		price, err := source.FetchFloorPrice(context.Background(), "bitcoin-punks")
		require.NoError(t, err)
		require.Equal(t, uint64(420_000), price.Price)
	})

	t.Run("rejects fractional floor price", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				// nolint:all
				w.Write([]byte(`{"floorPrice": 0.0042}`))
			},
		))
		defer server.Close()

		source, err := oracle.NewHTTPSource("magiceden", server.URL, time.Second)
		require.NoError(t, err)

		_, err = source.FetchFloorPrice(context.Background(), "bitcoin-punks")
		require.Error(t, err)
	})

	t.Run("propagates upstream failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		))
		defer server.Close()

		source, err := oracle.NewHTTPSource("magiceden", server.URL, time.Second)
		require.NoError(t, err)

		_, err = source.FetchFloorPrice(context.Background(), "bitcoin-punks")
		require.Error(t, err)
	})
}
