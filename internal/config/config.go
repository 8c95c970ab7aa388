package config

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ordvault/vaultd/internal/core/application"
	"github.com/ordvault/vaultd/internal/core/ports"
	"github.com/ordvault/vaultd/internal/infrastructure/custody"
	"github.com/ordvault/vaultd/internal/infrastructure/db"
	"github.com/ordvault/vaultd/internal/infrastructure/ledger/esplora"
	"github.com/ordvault/vaultd/internal/infrastructure/oracle"
	"github.com/ordvault/vaultd/internal/infrastructure/token"
	"github.com/ordvault/vaultd/internal/infrastructure/wallet"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	supportedDbs = supportedType{
		"badger": {},
	}
	supportedNetworks = map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"signet":  &chaincfg.SigNetParams,
		"regtest": &chaincfg.RegressionNetParams,
	}
)

type Config struct {
	Datadir  string
	Port     uint32
	LogLevel int

	DbType string
	DbDir  string

	Network      string
	MasterSecret string // hex

	CustodyKeyCount  int
	CustodyThreshold int
	DustAmount       uint64
	LockAmount       uint64
	FeeSats          uint64

	RedemptionThresholdPercent uint64
	MinShares                  uint64
	MaxShares                  uint64
	PriceBandMultiple          int64

	EsploraURL      string
	OrdIndexerURL   string
	TokenIssuerURL  string
	WalletURL       string
	PriceSourceURLs []string

	PriceCacheTTL        time.Duration
	LedgerTimeout        time.Duration
	MaxLedgerAttempts    uint64
	RedemptionStaleAfter time.Duration
	WatchInterval        time.Duration

	repo        ports.RepoManager
	deriver     ports.KeyDeriver
	txBuilder   ports.TxBuilder
	signer      ports.TxSigner
	coinSource  ports.CoinSource
	tokenIssuer ports.TokenIssuer
	priceOracle ports.PriceOracle
	svc         application.Service
}

func (c *Config) String() string {
	clone := *c
	if clone.MasterSecret != "" {
		clone.MasterSecret = "••••••"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir                    = appDataDir("vaultd")
	DefaultPort                       = 7080
	defaultLogLevel                   = 4
	defaultDbType                     = "badger"
	defaultNetwork                    = "testnet"
	defaultCustodyKeyCount            = 3
	defaultCustodyThreshold           = 2
	defaultDustAmount                 = 546
	defaultLockAmount                 = 10_000
	defaultFeeSats                    = 500
	defaultRedemptionThresholdPercent = 75
	defaultMinShares                  = 100
	defaultMaxShares                  = 1_000_000
	defaultPriceBandMultiple          = 2
	defaultEsploraURL                 = "https://blockstream.info/testnet/api"
	defaultOrdIndexerURL              = "https://ordinals.com"
	defaultPriceCacheTTL              = 300 // seconds
	defaultLedgerTimeout              = 15  // seconds
	defaultMaxLedgerAttempts          = 5
	defaultRedemptionStaleAfter       = 300 // seconds
	defaultWatchInterval              = 60  // seconds
)

// env returns a list of strings prefixed with `VAULTD_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("VAULTD_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	Port = &cli.UintFlag{
		Usage: "Port to listen on",
		Name:  "port", EnvVars: env("PORT"),
		Value: uint(DefaultPort),
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (badger)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	Network = &cli.StringFlag{
		Usage: "Bitcoin network (mainnet, testnet, signet, regtest)",
		Name:  "network", EnvVars: env("NETWORK"),
		Value: defaultNetwork,
	}

	MasterSecret = &cli.StringFlag{
		Usage: "Hex-encoded master secret for custody key derivation, at least 32 bytes",
		Name:  "master-secret", EnvVars: env("MASTER_SECRET"),
	}

	CustodyKeyCount = &cli.IntFlag{
		Usage: "Number of key slots (N) in the custody multisig",
		Name:  "custody-key-count", EnvVars: env("CUSTODY_KEY_COUNT"),
		Value: defaultCustodyKeyCount,
	}

	CustodyThreshold = &cli.IntFlag{
		Usage: "Signatures required to spend (M) from the custody multisig",
		Name:  "custody-threshold", EnvVars: env("CUSTODY_THRESHOLD"),
		Value: defaultCustodyThreshold,
	}

	DustAmount = &cli.Uint64Flag{
		Usage: "Dust floor in sats below which change outputs are folded into fees",
		Name:  "dust-amount", EnvVars: env("DUST_AMOUNT"),
		Value: uint64(defaultDustAmount),
	}

	LockAmount = &cli.Uint64Flag{
		Usage: "Value of the custody output in sats",
		Name:  "lock-amount", EnvVars: env("LOCK_AMOUNT"),
		Value: uint64(defaultLockAmount),
	}

	FeeSats = &cli.Uint64Flag{
		Usage: "Flat fee in sats for lock and release transactions",
		Name:  "fee-sats", EnvVars: env("FEE_SATS"),
		Value: uint64(defaultFeeSats),
	}

	RedemptionThresholdPercent = &cli.Uint64Flag{
		Usage: "Percent of total shares required to redeem the underlying asset",
		Name:  "redemption-threshold-percent", EnvVars: env("REDEMPTION_THRESHOLD_PERCENT"),
		Value: uint64(defaultRedemptionThresholdPercent),
	}

	MinShares = &cli.Uint64Flag{
		Usage: "Minimum total shares per vault",
		Name:  "min-shares", EnvVars: env("MIN_SHARES"),
		Value: uint64(defaultMinShares),
	}

	MaxShares = &cli.Uint64Flag{
		Usage: "Maximum total shares per vault",
		Name:  "max-shares", EnvVars: env("MAX_SHARES"),
		Value: uint64(defaultMaxShares),
	}

	PriceBandMultiple = &cli.Int64Flag{
		Usage: "Accepted price band around the reference price, as a multiple",
		Name:  "price-band-multiple", EnvVars: env("PRICE_BAND_MULTIPLE"),
		Value: int64(defaultPriceBandMultiple),
	}

	EsploraURL = &cli.StringFlag{
		Usage: "Esplora API URL",
		Name:  "esplora-url", EnvVars: env("ESPLORA_URL"),
		Value: defaultEsploraURL,
	}

	OrdIndexerURL = &cli.StringFlag{
		Usage: "Ord indexer API URL used to locate inscription coins",
		Name:  "ord-indexer-url", EnvVars: env("ORD_INDEXER_URL"),
		Value: defaultOrdIndexerURL,
	}

	TokenIssuerURL = &cli.StringFlag{
		Usage: "RPC URL of the second-ledger share token issuer",
		Name:  "token-issuer-url", EnvVars: env("TOKEN_ISSUER_URL"),
	}

	WalletURL = &cli.StringFlag{
		Usage: "Owner wallet endpoint that signs lock and release transactions",
		Name:  "wallet-url", EnvVars: env("WALLET_URL"),
	}

	PriceSourceURL = &cli.StringSliceFlag{
		Usage: "Floor price source base URLs, tried in order (comma-separated)",
		Name:  "price-source-url", EnvVars: env("PRICE_SOURCE_URL"),
	}

	PriceCacheTTL = &cli.IntFlag{
		Usage: "Reference price cache TTL in seconds",
		Name:  "price-cache-ttl", EnvVars: env("PRICE_CACHE_TTL"),
		Value: defaultPriceCacheTTL,
	}

	LedgerTimeout = &cli.IntFlag{
		Usage: "Timeout in seconds of a single external ledger call",
		Name:  "ledger-timeout", EnvVars: env("LEDGER_TIMEOUT"),
		Value: defaultLedgerTimeout,
	}

	MaxLedgerAttempts = &cli.Uint64Flag{
		Usage: "Attempt ceiling for one external ledger call before giving up",
		Name:  "max-ledger-attempts", EnvVars: env("MAX_LEDGER_ATTEMPTS"),
		Value: uint64(defaultMaxLedgerAttempts),
	}

	RedemptionStaleAfter = &cli.IntFlag{
		Usage: "Seconds after which an untouched redemption slot counts as abandoned",
		Name:  "redemption-stale-after", EnvVars: env("REDEMPTION_STALE_AFTER"),
		Value: defaultRedemptionStaleAfter,
	}

	WatchInterval = &cli.IntFlag{
		Usage: "Seconds between watcher sweeps over non-terminal vaults, 0 disables",
		Name:  "watch-interval", EnvVars: env("WATCH_INTERVAL"),
		Value: defaultWatchInterval,
	}
)

var Flags = []cli.Flag{
	Datadir,
	Port,
	LogLevel,
	DbType,
	Network,
	MasterSecret,
	CustodyKeyCount,
	CustodyThreshold,
	DustAmount,
	LockAmount,
	FeeSats,
	RedemptionThresholdPercent,
	MinShares,
	MaxShares,
	PriceBandMultiple,
	EsploraURL,
	OrdIndexerURL,
	TokenIssuerURL,
	WalletURL,
	PriceSourceURL,
	PriceCacheTTL,
	LedgerTimeout,
	MaxLedgerAttempts,
	RedemptionStaleAfter,
	WatchInterval,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	return &Config{
		Datadir:                    c.String(Datadir.Name),
		Port:                       uint32(c.Uint(Port.Name)),
		LogLevel:                   c.Int(LogLevel.Name),
		DbType:                     c.String(DbType.Name),
		DbDir:                      dbPath,
		Network:                    c.String(Network.Name),
		MasterSecret:               c.String(MasterSecret.Name),
		CustodyKeyCount:            c.Int(CustodyKeyCount.Name),
		CustodyThreshold:           c.Int(CustodyThreshold.Name),
		DustAmount:                 c.Uint64(DustAmount.Name),
		LockAmount:                 c.Uint64(LockAmount.Name),
		FeeSats:                    c.Uint64(FeeSats.Name),
		RedemptionThresholdPercent: c.Uint64(RedemptionThresholdPercent.Name),
		MinShares:                  c.Uint64(MinShares.Name),
		MaxShares:                  c.Uint64(MaxShares.Name),
		PriceBandMultiple:          c.Int64(PriceBandMultiple.Name),
		EsploraURL:                 c.String(EsploraURL.Name),
		OrdIndexerURL:              c.String(OrdIndexerURL.Name),
		TokenIssuerURL:             c.String(TokenIssuerURL.Name),
		WalletURL:                  c.String(WalletURL.Name),
		PriceSourceURLs:            c.StringSlice(PriceSourceURL.Name),
		PriceCacheTTL:              time.Duration(c.Int(PriceCacheTTL.Name)) * time.Second,
		LedgerTimeout:              time.Duration(c.Int(LedgerTimeout.Name)) * time.Second,
		MaxLedgerAttempts:          c.Uint64(MaxLedgerAttempts.Name),
		RedemptionStaleAfter:       time.Duration(c.Int(RedemptionStaleAfter.Name)) * time.Second,
		WatchInterval:              time.Duration(c.Int(WatchInterval.Name)) * time.Second,
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if _, ok := supportedNetworks[c.Network]; !ok {
		networks := make([]string, 0, len(supportedNetworks))
		for name := range supportedNetworks {
			networks = append(networks, name)
		}
		return fmt.Errorf(
			"network not supported, please select one of: %s", strings.Join(networks, " | "),
		)
	}
	if c.MasterSecret == "" {
		return fmt.Errorf("missing master secret")
	}
	if c.TokenIssuerURL == "" {
		return fmt.Errorf("missing token issuer url")
	}
	if c.WalletURL == "" {
		return fmt.Errorf("missing wallet url")
	}
	if c.LockAmount <= c.DustAmount {
		return fmt.Errorf(
			"lock amount %d must clear the %d sats dust floor", c.LockAmount, c.DustAmount,
		)
	}
	if len(c.PriceSourceURLs) == 0 {
		log.Warn("no price sources configured, the price band check will be skipped")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.txBuilderService(); err != nil {
		return err
	}
	if err := c.signerService(); err != nil {
		return err
	}
	if err := c.coinSourceService(); err != nil {
		return err
	}
	if err := c.tokenIssuerService(); err != nil {
		return err
	}
	if err := c.priceOracleService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) txBuilderService() error {
	masterSecret, err := hex.DecodeString(c.MasterSecret)
	if err != nil {
		return fmt.Errorf("master secret is not valid hex: %s", err)
	}

	deriver, err := custody.NewKeyDeriver(masterSecret)
	if err != nil {
		return err
	}

	c.deriver = deriver
	c.txBuilder = custody.NewTxBuilder(deriver, supportedNetworks[c.Network], c.DustAmount)
	return nil
}

func (c *Config) signerService() error {
	svc, err := wallet.NewService(c.WalletURL, c.LedgerTimeout)
	if err != nil {
		return err
	}

	c.signer = svc
	return nil
}

func (c *Config) coinSourceService() error {
	svc, err := esplora.NewService(c.EsploraURL, c.OrdIndexerURL, c.LedgerTimeout)
	if err != nil {
		return err
	}

	c.coinSource = svc
	return nil
}

func (c *Config) tokenIssuerService() error {
	svc, err := token.NewService(c.TokenIssuerURL, c.LedgerTimeout)
	if err != nil {
		return err
	}

	c.tokenIssuer = svc
	return nil
}

func (c *Config) priceOracleService() error {
	sources := make([]oracle.PriceSource, 0, len(c.PriceSourceURLs))
	for _, baseURL := range c.PriceSourceURLs {
		source, err := oracle.NewHTTPSource(sourceName(baseURL), baseURL, c.LedgerTimeout)
		if err != nil {
			return err
		}
		sources = append(sources, source)
	}
	if len(sources) == 0 {
		c.priceOracle = unavailableOracle{}
		return nil
	}

	svc, err := oracle.NewService(sources, c.PriceCacheTTL)
	if err != nil {
		return err
	}

	c.priceOracle = svc
	return nil
}

func (c *Config) appService() error {
	svc, err := application.NewService(
		application.ServiceOptions{
			KeyCount:                   c.CustodyKeyCount,
			Threshold:                  c.CustodyThreshold,
			RedemptionThresholdPercent: c.RedemptionThresholdPercent,
			MinShares:                  c.MinShares,
			MaxShares:                  c.MaxShares,
			PriceBandMultiple:          c.PriceBandMultiple,
			LockAmount:                 c.LockAmount,
			FeeSats:                    c.FeeSats,
			MaxLedgerAttempts:          c.MaxLedgerAttempts,
			RedemptionStaleAfter:       c.RedemptionStaleAfter,
			WatchInterval:              c.WatchInterval,
		},
		c.repo, c.txBuilder, c.signer, c.coinSource, c.tokenIssuer, c.priceOracle,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

// unavailableOracle stands in when no price sources are configured: the
// coordinator tolerates an unavailable oracle by skipping the band check.
type unavailableOracle struct{}

func (unavailableOracle) GetReferencePrice(
	ctx context.Context, assetClass string,
) (*ports.ReferencePrice, error) {
	return nil, ports.ErrPriceUnavailable
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}

func sourceName(baseURL string) string {
	name := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if idx := strings.IndexByte(name, '/'); idx > 0 {
		name = name[:idx]
	}
	return name
}

func appDataDir(appName string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./" + appName
	}
	return filepath.Join(homeDir, "."+appName)
}
