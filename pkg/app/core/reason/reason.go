// Package reason defines the rejection taxonomy shared by the book, the ledger,
// the compliance gate and the API.
//
// Every error the core returns to a caller wraps exactly one of the sentinels
// below, so callers classify with errors.Is and the API reports CodeOf(err).
package reason

import "errors"

// Code is a stable, caller-facing reason identifier.
type Code string

const (
	InvalidOrder          Code = "InvalidOrder"
	IdentityNotVerified   Code = "IdentityNotVerified"
	SuitabilityRequired   Code = "SuitabilityRequired"
	SuitabilityViolation  Code = "SuitabilityViolation"
	ConcentrationExceeded Code = "ConcentrationExceeded"
	StepUpRequired        Code = "StepUpRequired"
	StepUpInvalid         Code = "StepUpInvalid"
	InsufficientBalance   Code = "InsufficientBalance"
	OrderNotFound         Code = "OrderNotFound"
	PendingNotFound       Code = "PendingNotFound"
	InstrumentNotFound    Code = "InstrumentNotFound"
	InstrumentExists      Code = "InstrumentExists"
	AccountNotFound       Code = "AccountNotFound"
	Internal              Code = "Internal"
)

// Error is a sentinel carrying its Code.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(code Code, msg string) *Error { return &Error{Code: code, msg: msg} }

var (
	ErrInvalidOrder          = newError(InvalidOrder, "invalid order")
	ErrIdentityNotVerified   = newError(IdentityNotVerified, "identity not verified")
	ErrSuitabilityRequired   = newError(SuitabilityRequired, "suitability assessment required")
	ErrSuitabilityViolation  = newError(SuitabilityViolation, "instrument risk exceeds suitability tier")
	ErrConcentrationExceeded = newError(ConcentrationExceeded, "portfolio concentration limit exceeded")
	ErrStepUpRequired        = newError(StepUpRequired, "step-up authentication required")
	ErrStepUpInvalid         = newError(StepUpInvalid, "invalid one-time code")
	ErrInsufficientBalance   = newError(InsufficientBalance, "insufficient balance")
	ErrOrderNotFound         = newError(OrderNotFound, "order not found")
	ErrPendingNotFound       = newError(PendingNotFound, "pending submission not found")
	ErrInstrumentNotFound    = newError(InstrumentNotFound, "instrument not found")
	ErrInstrumentExists      = newError(InstrumentExists, "instrument already exists")
	ErrAccountNotFound       = newError(AccountNotFound, "account not found")
)

// CodeOf returns the code of the first reason sentinel in err's chain, or
// Internal if err carries none. CodeOf(nil) is "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return Internal
}

// IsPolicy reports whether err is a compliance policy decision rather than a
// malformed request or a lookup miss.
func IsPolicy(err error) bool {
	switch CodeOf(err) {
	case IdentityNotVerified, SuitabilityRequired, SuitabilityViolation,
		ConcentrationExceeded, StepUpRequired, StepUpInvalid:
		return true
	}
	return false
}
