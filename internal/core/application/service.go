package application

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/core/ports"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	stepLockAsset    = "lock_asset"
	stepMintShares   = "mint_shares"
	stepBurnShares   = "burn_shares"
	stepReleaseAsset = "release_asset"
)

type ServiceOptions struct {
	// Custody script shape, M-of-N.
	KeyCount  int
	Threshold int
	// Share-redemption bar, percent of total shares in (0, 100].
	RedemptionThresholdPercent uint64
	MinShares                  uint64
	MaxShares                  uint64
	// PricePerShare must sit in [ref/PriceBandMultiple, ref*PriceBandMultiple].
	PriceBandMultiple int64
	// Value of the custody output in sats.
	LockAmount uint64
	FeeSats    uint64
	// Ceiling on retries of one external ledger call.
	MaxLedgerAttempts uint64
	// A RedemptionRequested vault untouched for this long is considered
	// abandoned; resume leaves fresher slots to their live redeemer.
	RedemptionStaleAfter time.Duration
	// How often the watcher re-drives non-terminal vaults.
	WatchInterval time.Duration
}

func (o ServiceOptions) validate() error {
	if o.Threshold < 1 || o.Threshold > o.KeyCount {
		return vaulterrors.INVALID_THRESHOLD.New(
			"custody threshold must be in [1, %d], got %d", o.KeyCount, o.Threshold,
		).WithMetadata(vaulterrors.ThresholdMetadata{M: o.Threshold, N: o.KeyCount})
	}
	if err := ValidateThresholdPercent(o.RedemptionThresholdPercent); err != nil {
		return err
	}
	if o.MinShares == 0 || o.MinShares > o.MaxShares {
		return fmt.Errorf(
			"invalid share bounds [%d, %d]", o.MinShares, o.MaxShares,
		)
	}
	if o.PriceBandMultiple < 1 {
		return fmt.Errorf("price band multiple must be >= 1, got %d", o.PriceBandMultiple)
	}
	if o.LockAmount == 0 {
		return fmt.Errorf("lock amount must be > 0")
	}
	if o.MaxLedgerAttempts == 0 {
		return fmt.Errorf("max ledger attempts must be > 0")
	}
	if o.RedemptionStaleAfter <= 0 {
		return fmt.Errorf("redemption stale threshold must be > 0")
	}
	return nil
}

type service struct {
	opts        ServiceOptions
	repoManager ports.RepoManager
	builder     ports.TxBuilder
	signer      ports.TxSigner
	coinSource  ports.CoinSource
	tokenIssuer ports.TokenIssuer
	priceOracle ports.PriceOracle

	watcher *watcher
}

func NewService(
	opts ServiceOptions,
	repoManager ports.RepoManager, builder ports.TxBuilder,
	signer ports.TxSigner, coinSource ports.CoinSource,
	tokenIssuer ports.TokenIssuer, priceOracle ports.PriceOracle,
) (Service, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	svc := &service{
		opts:        opts,
		repoManager: repoManager,
		builder:     builder,
		signer:      signer,
		coinSource:  coinSource,
		tokenIssuer: tokenIssuer,
		priceOracle: priceOracle,
	}
	svc.watcher = newWatcher(svc, repoManager, opts.WatchInterval)
	return svc, nil
}

func (s *service) Start() error {
	return s.watcher.start()
}

func (s *service) Stop() {
	s.watcher.stop()
	s.repoManager.Close()
}

func (s *service) CreateVault(
	ctx context.Context, req CreateVaultRequest,
) (*domain.Vault, error) {
	if req.TotalShares < s.opts.MinShares || req.TotalShares > s.opts.MaxShares {
		return nil, vaulterrors.INVALID_SHARE_COUNT.New(
			"total shares %d outside [%d, %d]",
			req.TotalShares, s.opts.MinShares, s.opts.MaxShares,
		).WithMetadata(vaulterrors.ShareCountMetadata{
			TotalShares: req.TotalShares,
			MinShares:   s.opts.MinShares,
			MaxShares:   s.opts.MaxShares,
		})
	}
	if len(req.OwnerAddress) == 0 {
		return nil, fmt.Errorf("missing owner address")
	}

	if err := s.checkPriceBand(ctx, req.AssetClass, req.PricePerShare); err != nil {
		return nil, err
	}

	descriptor, err := s.builder.BuildCustody(req.AssetID, s.opts.KeyCount, s.opts.Threshold)
	if err != nil {
		return nil, err
	}

	pubkeys := make([]string, 0, len(descriptor.PubKeys))
	for _, pubkey := range descriptor.PubKeys {
		pubkeys = append(pubkeys, fmt.Sprintf("%x", pubkey.SerializeCompressed()))
	}

	vault := domain.Vault{
		AssetID:        req.AssetID,
		VaultID:        uuid.NewString(),
		OwnerAddress:   req.OwnerAddress,
		CustodyAddress: descriptor.Address,
		RedeemScript:   fmt.Sprintf("%x", descriptor.RedeemScript),
		PubKeys:        pubkeys,
		Threshold:      descriptor.Threshold,
		KeyCount:       s.opts.KeyCount,
		State:          domain.VaultStatePending,
		Shares: &domain.ShareIssuance{
			AssetID:       req.AssetID,
			TotalShares:   req.TotalShares,
			PricePerShare: req.PricePerShare,
			MintedTo:      req.MintedTo,
		},
		CreatedAt: time.Now(),
	}
	if err := s.repoManager.Vaults().Add(ctx, vault); err != nil {
		if errors.Is(err, domain.ErrVaultAlreadyExists) {
			return nil, vaulterrors.VAULT_ALREADY_EXISTS.New(
				"vault for asset %s already exists", req.AssetID,
			).WithMetadata(vaulterrors.AssetMetadata{AssetID: req.AssetID})
		}
		return nil, err
	}

	return s.driveToSharesIssued(ctx, &vault)
}

func (s *service) RedeemVault(
	ctx context.Context, req RedeemVaultRequest,
) (*RedeemVaultResult, error) {
	vault, err := s.GetVault(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if vault.State != domain.VaultStateSharesIssued {
		return nil, vaulterrors.STATE_CONFLICT.New(
			"vault %s is %s, redemption requires %s",
			req.AssetID, vault.State, domain.VaultStateSharesIssued,
		).WithMetadata(vaulterrors.StateConflictMetadata{
			AssetID:       req.AssetID,
			ExpectedState: string(domain.VaultStateSharesIssued),
			CurrentState:  string(vault.State),
		})
	}

	requiredShares, err := CheckRedemption(
		vault.Shares.TotalShares, s.opts.RedemptionThresholdPercent, req.SharesPresented,
	)
	if err != nil {
		return nil, err
	}

	var balance uint64
	if err := s.retryLedger(ctx, "token-issuer", func() error {
		var err error
		balance, err = s.tokenIssuer.BalanceOf(ctx, req.AssetID, req.Requester)
		return err
	}); err != nil {
		return nil, err
	}
	if balance < req.SharesPresented {
		return nil, vaulterrors.INSUFFICIENT_SHARES.New(
			"%s holds %d shares, %d presented", req.Requester, balance, req.SharesPresented,
		).WithMetadata(vaulterrors.InsufficientSharesMetadata{
			RequiredShares:  requiredShares,
			SharesPresented: req.SharesPresented,
		})
	}

	// winner election: of two racing redeemers only one passes this CAS. The
	// request is recorded in the same transition so a crash after this point
	// resumes with the winner's exact shares instead of guessing.
	vault, err = s.updateVault(
		ctx, req.AssetID, domain.VaultStateSharesIssued,
		func(v *domain.Vault) error {
			v.State = domain.VaultStateRedemptionRequested
			v.Redemption = &domain.RedemptionRequest{
				AssetID:         req.AssetID,
				SharesPresented: req.SharesPresented,
				RequiredShares:  requiredShares,
				Requester:       req.Requester,
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	vault, err = s.driveToReleased(ctx, vault)
	if err != nil {
		return nil, err
	}
	return &RedeemVaultResult{ReleaseTxRef: vault.ReleaseTxid, State: vault.State}, nil
}

func (s *service) ResumeVault(ctx context.Context, assetID string) (*domain.Vault, error) {
	vault, err := s.GetVault(ctx, assetID)
	if err != nil {
		return nil, err
	}

	switch vault.State {
	case domain.VaultStatePending, domain.VaultStateLocked:
		return s.driveToSharesIssued(ctx, vault)
	case domain.VaultStateRedemptionRequested:
		// a fresh slot belongs to a live redeemer; re-driving it here would
		// race that redeemer's burn. Only abandoned slots are resumed.
		if time.Since(vault.UpdatedAt) < s.opts.RedemptionStaleAfter {
			return vault, nil
		}
		return s.driveToReleased(ctx, vault)
	default:
		return vault, nil
	}
}

func (s *service) GetVault(ctx context.Context, assetID string) (*domain.Vault, error) {
	vault, err := s.repoManager.Vaults().Get(ctx, assetID)
	if err != nil {
		if errors.Is(err, domain.ErrVaultNotFound) {
			return nil, vaulterrors.VAULT_NOT_FOUND.New(
				"no vault for asset %s", assetID,
			).WithMetadata(vaulterrors.AssetMetadata{AssetID: assetID})
		}
		return nil, err
	}
	return vault, nil
}

func (s *service) ListVaults(ctx context.Context) ([]domain.Vault, error) {
	return s.repoManager.Vaults().GetAll(ctx)
}

// driveToSharesIssued advances a vault from Pending or Locked as far as
// SharesIssued. Work already confirmed on a ledger is never redone: a recorded
// lock txid is awaited, not re-submitted.
func (s *service) driveToSharesIssued(
	ctx context.Context, vault *domain.Vault,
) (*domain.Vault, error) {
	var err error
	if vault.State == domain.VaultStatePending {
		if vault, err = s.lockAsset(ctx, vault); err != nil {
			return nil, err
		}
	}
	return s.mintShares(ctx, vault)
}

func (s *service) lockAsset(
	ctx context.Context, vault *domain.Vault,
) (*domain.Vault, error) {
	if vault.LockTxid == "" {
		var coin *ports.Coin
		if err := s.retryLedger(ctx, "bitcoin", func() error {
			var err error
			coin, err = s.coinSource.GetAssetCoin(ctx, vault.AssetID)
			return err
		}); err != nil {
			return nil, err
		}

		lockTx, err := s.builder.BuildLockTx(
			*coin, vault.CustodyAddress, vault.OwnerAddress, s.opts.LockAmount, s.opts.FeeSats,
		)
		if err != nil {
			return nil, err
		}

		signedTx, err := s.signTx(ctx, lockTx)
		if err != nil {
			return nil, err
		}

		var lockTxid string
		if err := s.retryLedger(ctx, "bitcoin", func() error {
			var err error
			lockTxid, err = s.coinSource.SubmitTx(ctx, signedTx)
			return err
		}); err != nil {
			return nil, err
		}

		// the txid is durable before the confirmation wait so a crash here
		// resumes by polling, not by double-submitting
		vault, err = s.updateVault(
			ctx, vault.AssetID, domain.VaultStatePending,
			func(v *domain.Vault) error {
				v.LockTxid = lockTxid
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
	}

	if err := s.waitForConfirmation(ctx, vault.LockTxid); err != nil {
		return nil, err
	}

	return s.updateVault(
		ctx, vault.AssetID, domain.VaultStatePending,
		func(v *domain.Vault) error {
			v.State = domain.VaultStateLocked
			return nil
		},
	)
}

func (s *service) mintShares(
	ctx context.Context, vault *domain.Vault,
) (*domain.Vault, error) {
	var mintTxRef string
	if err := s.retryLedger(ctx, "token-issuer", func() error {
		var err error
		mintTxRef, err = s.tokenIssuer.Mint(
			ctx, vault.AssetID, vault.Shares.MintedTo, vault.Shares.TotalShares,
		)
		return err
	}); err != nil {
		// the asset stays safely custodied in Locked, the mint is retryable
		if _, recordErr := s.failVault(ctx, vault, stepMintShares, err); recordErr != nil {
			return nil, recordErr
		}
		return nil, err
	}

	return s.updateVault(
		ctx, vault.AssetID, domain.VaultStateLocked,
		func(v *domain.Vault) error {
			v.State = domain.VaultStateSharesIssued
			v.Shares.MintTxRef = mintTxRef
			return nil
		},
	)
}

// driveToReleased advances a RedemptionRequested vault through burn, release
// and confirmation. The shares to burn come from the request recorded with the
// winner CAS, so a resumed redemption burns exactly what the winner presented.
func (s *service) driveToReleased(
	ctx context.Context, vault *domain.Vault,
) (*domain.Vault, error) {
	if vault.Shares.BurnedShares == 0 {
		if vault.Redemption == nil {
			// no recorded request and no burn: nothing is committed on either
			// ledger, so step back and let a redeemer retry
			return s.updateVault(
				ctx, vault.AssetID, domain.VaultStateRedemptionRequested,
				func(v *domain.Vault) error {
					v.State = domain.VaultStateSharesIssued
					return nil
				},
			)
		}
		sharesToBurn := vault.Redemption.SharesPresented

		if err := s.retryLedger(ctx, "token-issuer", func() error {
			_, err := s.tokenIssuer.Burn(ctx, vault.AssetID, sharesToBurn)
			return err
		}); err != nil {
			failed, recordErr := s.failVault(ctx, vault, stepBurnShares, err)
			if recordErr != nil {
				return nil, recordErr
			}
			if failed {
				return nil, err
			}
			// no shares were burned: release the winner slot so a later
			// redeemer starts from a clean SharesIssued vault
			if _, rollbackErr := s.updateVault(
				ctx, vault.AssetID, domain.VaultStateRedemptionRequested,
				func(v *domain.Vault) error {
					v.State = domain.VaultStateSharesIssued
					v.Redemption = nil
					return nil
				},
			); rollbackErr != nil {
				log.WithError(rollbackErr).
					Errorf("failed to roll back redemption of vault %s", vault.AssetID)
			}
			return nil, err
		}

		var err error
		vault, err = s.updateVault(
			ctx, vault.AssetID, domain.VaultStateRedemptionRequested,
			func(v *domain.Vault) error {
				v.Shares.BurnedShares = sharesToBurn
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
	}

	// shares are burned, only release remains
	if vault.ReleaseTxid == "" {
		custodyCoin, err := s.findCustodyCoin(ctx, vault)
		if err != nil {
			return nil, err
		}

		redeemScript, err := hex.DecodeString(vault.RedeemScript)
		if err != nil {
			return nil, fmt.Errorf("malformed redeem script of vault %s: %s", vault.AssetID, err)
		}
		if custodyCoin.Value <= s.opts.FeeSats {
			return nil, vaulterrors.INSUFFICIENT_FUNDS.New(
				"custody coin value %d cannot cover the %d sats release fee",
				custodyCoin.Value, s.opts.FeeSats,
			).WithMetadata(vaulterrors.InsufficientFundsMetadata{
				InputValue: custodyCoin.Value, Required: s.opts.FeeSats,
			})
		}
		releaseTx, err := s.builder.BuildReleaseTx(
			*custodyCoin, redeemScript, vault.OwnerAddress,
			custodyCoin.Value-s.opts.FeeSats, s.opts.FeeSats,
		)
		if err != nil {
			if _, recordErr := s.failVault(ctx, vault, stepReleaseAsset, err); recordErr != nil {
				return nil, recordErr
			}
			return nil, err
		}

		signedTx, err := s.signTx(ctx, releaseTx)
		if err != nil {
			return nil, err
		}

		var releaseTxid string
		if err := s.retryLedger(ctx, "bitcoin", func() error {
			var err error
			releaseTxid, err = s.coinSource.SubmitTx(ctx, signedTx)
			return err
		}); err != nil {
			return nil, err
		}

		vault, err = s.updateVault(
			ctx, vault.AssetID, domain.VaultStateRedemptionRequested,
			func(v *domain.Vault) error {
				v.ReleaseTxid = releaseTxid
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
	}

	if err := s.waitForConfirmation(ctx, vault.ReleaseTxid); err != nil {
		return nil, err
	}

	return s.updateVault(
		ctx, vault.AssetID, domain.VaultStateRedemptionRequested,
		func(v *domain.Vault) error {
			v.State = domain.VaultStateReleased
			return nil
		},
	)
}

// findCustodyCoin locates the lock outpoint among the custody address coins.
// A custodied coin that disappeared without a release means someone spent it
// behind the coordinator's back.
func (s *service) findCustodyCoin(
	ctx context.Context, vault *domain.Vault,
) (*ports.Coin, error) {
	var coins []ports.Coin
	if err := s.retryLedger(ctx, "bitcoin", func() error {
		var err error
		coins, err = s.coinSource.ListCoins(ctx, vault.CustodyAddress)
		return err
	}); err != nil {
		return nil, err
	}

	lockOutpoint := vault.LockOutpoint()
	for _, coin := range coins {
		if coin.Outpoint == lockOutpoint {
			return &coin, nil
		}
	}

	err := vaulterrors.DOUBLE_SPEND_DETECTED.New(
		"custody coin %s of vault %s is gone", lockOutpoint, vault.AssetID,
	).WithMetadata(vaulterrors.TxMetadata{Txid: vault.LockTxid})
	if _, recordErr := s.failVault(ctx, vault, stepReleaseAsset, err); recordErr != nil {
		return nil, recordErr
	}
	return nil, err
}

func (s *service) checkPriceBand(
	ctx context.Context, assetClass string, pricePerShare uint64,
) error {
	reference, err := s.priceOracle.GetReferencePrice(ctx, assetClass)
	if err != nil {
		if errors.Is(err, ports.ErrPriceUnavailable) {
			log.Warnf("no reference price for %s, skipping price band check", assetClass)
			return nil
		}
		return err
	}

	price := decimal.NewFromUint64(pricePerShare)
	ref := decimal.NewFromUint64(reference.Price)
	band := decimal.NewFromInt(s.opts.PriceBandMultiple)
	if price.LessThan(ref.Div(band)) || price.GreaterThan(ref.Mul(band)) {
		return vaulterrors.PRICE_OUT_OF_BAND.New(
			"price per share %d outside [%s, %s] around reference %d",
			pricePerShare, ref.Div(band), ref.Mul(band), reference.Price,
		).WithMetadata(vaulterrors.PriceOutOfBandMetadata{
			PricePerShare:  pricePerShare,
			ReferencePrice: reference.Price,
			BandMultiple:   s.opts.PriceBandMultiple,
		})
	}
	return nil
}

// failVault moves the vault to Failed when cause is confirmed irrecoverable.
// Transient unavailability never fails a vault. The first return reports
// whether the vault was marked failed; the second is non-nil only if the
// Failed transition itself could not be recorded.
func (s *service) failVault(
	ctx context.Context, vault *domain.Vault, step string, cause error,
) (bool, error) {
	var typed vaulterrors.Error
	if !errors.As(cause, &typed) || typed.Kind() != vaulterrors.KindFatal {
		return false, nil
	}

	typed.Log().WithField("step", step).Errorf("vault %s failed", vault.AssetID)
	if _, err := s.updateVault(
		ctx, vault.AssetID, vault.State,
		func(v *domain.Vault) error {
			v.Fail(step, cause)
			return nil
		},
	); err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) updateVault(
	ctx context.Context, assetID string, expectedState domain.VaultState,
	update func(*domain.Vault) error,
) (*domain.Vault, error) {
	vault, err := s.repoManager.Vaults().UpdateIf(ctx, assetID, expectedState, update)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			current := "unknown"
			if stored, getErr := s.repoManager.Vaults().Get(ctx, assetID); getErr == nil {
				current = string(stored.State)
			}
			return nil, vaulterrors.STATE_CONFLICT.Wrap(err).
				WithMetadata(vaulterrors.StateConflictMetadata{
					AssetID:       assetID,
					ExpectedState: string(expectedState),
					CurrentState:  current,
				})
		}
		return nil, err
	}
	return vault, nil
}

// signTx sends the packet across the wallet seam. The owner wallet signs and
// finalizes, the coordinator only ever broadcasts the result.
func (s *service) signTx(ctx context.Context, unsignedTx string) (string, error) {
	var signedTx string
	if err := s.retryLedger(ctx, "wallet", func() error {
		var err error
		signedTx, err = s.signer.SignTx(ctx, unsignedTx)
		return err
	}); err != nil {
		return "", err
	}
	return signedTx, nil
}

func (s *service) waitForConfirmation(ctx context.Context, txid string) error {
	return s.retryLedger(ctx, "bitcoin", func() error {
		status, err := s.coinSource.GetTxStatus(ctx, txid)
		if err != nil {
			return err
		}
		if !status.Confirmed {
			return fmt.Errorf("tx %s not confirmed yet", txid)
		}
		return nil
	})
}

// retryLedger wraps one external ledger call with bounded exponential backoff.
// Typed domain errors are not retried. After exhaustion the caller gets a
// transient LEDGER_UNAVAILABLE and the vault rests at its last durable state.
func (s *service) retryLedger(ctx context.Context, ledger string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		newBackOff(), s.opts.MaxLedgerAttempts-1,
	), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if err := op(); err != nil {
			var typed vaulterrors.Error
			if errors.As(err, &typed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
	if err == nil {
		return nil
	}

	var typed vaulterrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return vaulterrors.LEDGER_UNAVAILABLE.Wrap(err).
		WithMetadata(vaulterrors.LedgerMetadata{Ledger: ledger, Attempts: attempts})
}

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}
