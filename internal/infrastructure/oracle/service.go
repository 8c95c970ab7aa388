package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ordvault/vaultd/internal/core/ports"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// PriceSource is one floor-price provider. Sources are tried in order and the
// first successful quote wins.
type PriceSource interface {
	Name() string
	FetchFloorPrice(ctx context.Context, assetClass string) (*ports.ReferencePrice, error)
}

type service struct {
	sources []PriceSource
	cache   *bigcache.BigCache
}

func NewService(sources []PriceSource, cacheTTL time.Duration) (ports.PriceOracle, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one price source is required")
	}
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(cacheTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to init price cache: %s", err)
	}
	return &service{sources, cache}, nil
}

func (s *service) GetReferencePrice(
	ctx context.Context, assetClass string,
) (*ports.ReferencePrice, error) {
	cacheKey := strings.ToLower(assetClass)
	if buf, err := s.cache.Get(cacheKey); err == nil {
		var price ports.ReferencePrice
		if err := json.Unmarshal(buf, &price); err == nil {
			return &price, nil
		}
	}

	for _, source := range s.sources {
		price, err := source.FetchFloorPrice(ctx, assetClass)
		if err != nil {
			log.WithError(err).Warnf("price source %s failed, trying next", source.Name())
			continue
		}

		if buf, err := json.Marshal(price); err == nil {
			// nolint:all
			s.cache.Set(cacheKey, buf)
		}
		return price, nil
	}

	return nil, ports.ErrPriceUnavailable
}

type httpSource struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source against a marketplace stats endpoint returning
// `{"floorPrice": <sats>}` for a collection.
func NewHTTPSource(name, baseURL string, timeout time.Duration) (PriceSource, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url for source %s: %s", name, err)
	}
	return &httpSource{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *httpSource) Name() string {
	return s.name
}

func (s *httpSource) FetchFloorPrice(
	ctx context.Context, assetClass string,
) (*ports.ReferencePrice, error) {
	endpoint := fmt.Sprintf(
		"%s/collections/%s/stats", s.baseURL, url.PathEscape(assetClass),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, s.name)
	}

	// floor price is decoded as a decimal string, never through a float
	var payload struct {
		FloorPrice json.Number `json:"floorPrice"`
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %s", s.name, err)
	}

	floorPrice, err := decimal.NewFromString(payload.FloorPrice.String())
	if err != nil {
		return nil, fmt.Errorf("malformed floor price from %s: %s", s.name, err)
	}
	if floorPrice.IsNegative() || !floorPrice.IsInteger() {
		return nil, fmt.Errorf("floor price from %s is not a sat amount: %s", s.name, floorPrice)
	}

	return &ports.ReferencePrice{
		AssetClass: assetClass,
		Price:      floorPrice.BigInt().Uint64(),
		AsOf:       time.Now(),
	}, nil
}
