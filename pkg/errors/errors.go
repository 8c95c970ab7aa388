package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Kind classifies an error for callers: validation and policy errors require a
// fixed input, transient errors may be retried later, fatal errors need operator
// intervention.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindTransient  Kind = "transient"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindFatal      Kind = "fatal"
)

// Code is the type representing a namespace error code.
type Code[MT any] struct {
	Code       uint16
	Name       string
	Kind       Kind
	HTTPStatus int
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

// Is reports whether err carries this code.
func (c Code[MT]) Is(err error) bool {
	vErr, ok := err.(Error)
	if !ok {
		return false
	}
	return vErr.Code() == c.Code
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	Kind() Kind
	HTTPStatus() int
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("kind", e.code.Kind).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

func (e *ErrorImpl[MT]) Kind() Kind {
	return e.code.Kind
}

func (e *ErrorImpl[MT]) HTTPStatus() int {
	return e.code.HTTPStatus
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

type InsufficientSharesMetadata struct {
	RequiredShares  uint64 `json:"required_shares"`
	SharesPresented uint64 `json:"shares_presented"`
}

type InsufficientFundsMetadata struct {
	InputValue uint64 `json:"input_value"`
	Required   uint64 `json:"required"`
}

type PriceOutOfBandMetadata struct {
	PricePerShare  uint64 `json:"price_per_share"`
	ReferencePrice uint64 `json:"reference_price"`
	BandMultiple   int64  `json:"band_multiple"`
}

type ShareCountMetadata struct {
	TotalShares uint64 `json:"total_shares"`
	MinShares   uint64 `json:"min_shares"`
	MaxShares   uint64 `json:"max_shares"`
}

type ThresholdMetadata struct {
	M int `json:"m"`
	N int `json:"n"`
}

type AssetMetadata struct {
	AssetID string `json:"asset_id"`
}

type StateConflictMetadata struct {
	AssetID       string `json:"asset_id"`
	ExpectedState string `json:"expected_state"`
	CurrentState  string `json:"current_state"`
}

type LedgerMetadata struct {
	Ledger   string `json:"ledger"`
	Attempts int    `json:"attempts"`
}

type TxMetadata struct {
	Txid string `json:"txid"`
}

var INTERNAL_ERROR = Code[map[string]any]{
	0, "INTERNAL_ERROR", KindFatal, http.StatusInternalServerError,
}
var INVALID_ASSET_ID = Code[AssetMetadata]{
	1, "INVALID_ASSET_ID", KindValidation, http.StatusBadRequest,
}
var INVALID_THRESHOLD = Code[ThresholdMetadata]{
	2, "INVALID_THRESHOLD", KindValidation, http.StatusBadRequest,
}
var INVALID_SHARE_COUNT = Code[ShareCountMetadata]{
	3, "INVALID_SHARE_COUNT", KindValidation, http.StatusBadRequest,
}
var PRICE_OUT_OF_BAND = Code[PriceOutOfBandMetadata]{
	4, "PRICE_OUT_OF_BAND", KindValidation, http.StatusBadRequest,
}
var INSUFFICIENT_FUNDS = Code[InsufficientFundsMetadata]{
	5, "INSUFFICIENT_FUNDS", KindValidation, http.StatusBadRequest,
}
var INSUFFICIENT_SHARES = Code[InsufficientSharesMetadata]{
	6, "INSUFFICIENT_SHARES", KindPolicy, http.StatusUnprocessableEntity,
}
var VAULT_NOT_FOUND = Code[AssetMetadata]{
	7, "VAULT_NOT_FOUND", KindNotFound, http.StatusNotFound,
}
var VAULT_ALREADY_EXISTS = Code[AssetMetadata]{
	8, "VAULT_ALREADY_EXISTS", KindConflict, http.StatusConflict,
}
var STATE_CONFLICT = Code[StateConflictMetadata]{
	9, "STATE_CONFLICT", KindConflict, http.StatusConflict,
}
var LEDGER_UNAVAILABLE = Code[LedgerMetadata]{
	10, "LEDGER_UNAVAILABLE", KindTransient, http.StatusServiceUnavailable,
}
var DOUBLE_SPEND_DETECTED = Code[TxMetadata]{
	11, "DOUBLE_SPEND_DETECTED", KindFatal, http.StatusInternalServerError,
}
var SCRIPT_INVARIANT_VIOLATED = Code[map[string]any]{
	12, "SCRIPT_INVARIANT_VIOLATED", KindFatal, http.StatusInternalServerError,
}
var NOT_IMPLEMENTED = Code[map[string]any]{
	13, "NOT_IMPLEMENTED", KindFatal, http.StatusNotImplemented,
}
var COIN_NOT_FOUND = Code[AssetMetadata]{
	14, "COIN_NOT_FOUND", KindValidation, http.StatusBadRequest,
}
