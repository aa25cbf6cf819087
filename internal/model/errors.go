package model

import "errors"

// Sentinel errors shared by the store, the trade processor and the API.
// The API layer maps their Kind to HTTP status codes.
var (
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrInvalidSide     = errors.New("invalid_side")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidTicker   = errors.New("invalid_ticker")
	ErrInvalidName     = errors.New("invalid_name")

	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInstrumentNotFound = errors.New("instrument_not_found")
	ErrPositionNotFound   = errors.New("position_not_found")

	ErrAccountExists        = errors.New("account_already_exists")
	ErrInstrumentExists     = errors.New("instrument_already_exists")
	ErrDuplicateTransaction = errors.New("duplicate_transaction")

	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrLimitExceeded      = errors.New("limit_exceeded")

	ErrPriceUnavailable = errors.New("price_unavailable")
	ErrStorage          = errors.New("storage_error")
)

// Kind classifies an error for callers that must react per failure kind.
type Kind string

const (
	KindValidation  Kind = "validation"  // caller's fault, never retried
	KindNotFound    Kind = "not_found"   // unknown account, instrument or position
	KindConflict    Kind = "conflict"    // uniqueness violation
	KindRejected    Kind = "rejected"    // business rule rejection
	KindUnavailable Kind = "unavailable" // transient, safe to retry
	KindStorage     Kind = "storage"     // commit failed, nothing applied
	KindInternal    Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidQuantity, KindValidation},
	{ErrInvalidSide, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidTicker, KindValidation},
	{ErrInvalidName, KindValidation},
	{ErrAccountNotFound, KindNotFound},
	{ErrInstrumentNotFound, KindNotFound},
	{ErrPositionNotFound, KindNotFound},
	{ErrAccountExists, KindConflict},
	{ErrInstrumentExists, KindConflict},
	{ErrDuplicateTransaction, KindConflict},
	{ErrInsufficientFunds, KindRejected},
	{ErrInsufficientShares, KindRejected},
	{ErrLimitExceeded, KindRejected},
	{ErrPriceUnavailable, KindUnavailable},
	{ErrStorage, KindStorage},
}

// KindOf returns the Kind of err, or KindInternal if err wraps none of the
// sentinel errors. A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ValidationError carries a human readable message for a rejected input while
// still matching its sentinel through errors.Is.
type ValidationError struct {
	Err     error
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid builds a ValidationError for the given sentinel.
func Invalid(sentinel error, message string) error {
	return &ValidationError{Err: sentinel, Message: message}
}
