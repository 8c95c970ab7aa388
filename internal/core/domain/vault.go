package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VaultState is persisted as a plain string so operators can inspect records
// without decoding anything.
type VaultState string

const (
	VaultStatePending             VaultState = "pending"
	VaultStateLocked              VaultState = "locked"
	VaultStateSharesIssued        VaultState = "shares_issued"
	VaultStateRedemptionRequested VaultState = "redemption_requested"
	VaultStateReleased            VaultState = "released"
	VaultStateFailed              VaultState = "failed"
)

func (s VaultState) IsTerminal() bool {
	return s == VaultStateReleased || s == VaultStateFailed
}

// validTransitions encodes the vault lifecycle. Failed is reachable from any
// non-terminal state.
var validTransitions = map[VaultState][]VaultState{
	VaultStatePending:             {VaultStateLocked, VaultStateFailed},
	VaultStateLocked:              {VaultStateSharesIssued, VaultStateFailed},
	VaultStateSharesIssued:        {VaultStateRedemptionRequested, VaultStateFailed},
	VaultStateRedemptionRequested: {VaultStateReleased, VaultStateSharesIssued, VaultStateFailed},
}

func (s VaultState) CanTransitionTo(next VaultState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Outpoint struct {
	Txid string
	VOut uint32
}

func (k *Outpoint) FromString(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid outpoint string: %s", s)
	}
	k.Txid = parts[0]
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid vout string: %s", parts[1])
	}
	k.VOut = uint32(vout)
	return nil
}

func (k Outpoint) String() string {
	return fmt.Sprintf("%s:%d", k.Txid, k.VOut)
}

// ShareIssuance records the fractional-ownership tokens minted against one
// custodied asset. Immutable after minting, except for burn accounting.
type ShareIssuance struct {
	AssetID       string
	TotalShares   uint64
	PricePerShare uint64 // smallest unit of the second ledger
	MintedTo      string
	MintTxRef     string
	BurnedShares  uint64
}

func (s ShareIssuance) OutstandingShares() uint64 {
	if s.BurnedShares > s.TotalShares {
		return 0
	}
	return s.TotalShares - s.BurnedShares
}

// RedemptionRequest is an attempt to reclaim the underlying asset. The winning
// request is recorded on the vault together with the RedemptionRequested
// transition, so a crashed redemption can be resumed with the exact shares the
// winner presented. It is cleared when the slot is rolled back.
type RedemptionRequest struct {
	AssetID         string
	SharesPresented uint64
	RequiredShares  uint64
	Requester       string
}

// Vault is the custody record of one fractionalized asset. Owned by the vault
// repository and mutated only by the coordinator through UpdateIf.
type Vault struct {
	AssetID        string
	VaultID        string
	OwnerAddress   string
	CustodyAddress string
	RedeemScript   string   // hex, canonical serialization
	PubKeys        []string // hex compressed, order is part of the script
	Threshold      int      // M
	KeyCount       int      // N
	LockTxid       string
	LockVout       uint32
	ReleaseTxid    string
	State          VaultState
	FailedStep     string
	FailureReason  string
	Redemption     *RedemptionRequest
	Shares         *ShareIssuance
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (v Vault) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func (v Vault) LockOutpoint() Outpoint {
	return Outpoint{Txid: v.LockTxid, VOut: v.LockVout}
}

func (v Vault) IsLocked() bool {
	return v.LockTxid != "" && v.State != VaultStatePending
}

// Fail marks the vault failed, recording where and why. Confirmed ledger
// effects (lock txid, mint ref) are left untouched.
func (v *Vault) Fail(step string, reason error) {
	v.State = VaultStateFailed
	v.FailedStep = step
	v.FailureReason = reason.Error()
}
