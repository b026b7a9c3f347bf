package lifecycle

import "fmt"

// Error codes returned by the lifecycle engine and its collaborators.
const (
	// The requested event is not legal from the current status. The caller
	// must re-read the transaction before deciding what to do next.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	// A racing writer won the compare-and-swap. Recoverable by retry
	// after a re-read.
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	// Malformed commercial terms; surfaced to the caller as a data
	// problem, never retried automatically.
	ErrCodePolicySynthesis = "POLICY_SYNTHESIS_ERROR"
	// Settlement failures block approved -> completed; the transaction
	// stays approved and the transition can be retried.
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrCodeWalletFrozen      = "WALLET_FROZEN"
	ErrCodeCurrencyMismatch  = "CURRENCY_MISMATCH"
	// A settlement amount that is not a valid transfer, caught before any
	// wallet is touched.
	ErrCodeInvalidAmount = "INVALID_AMOUNT"
	// Notarization failures never block or revert a completed
	// transaction; they are retried out of band.
	ErrCodeNotarization = "NOTARIZATION_FAILURE"

	ErrCodeNotFound = "ENTITY_NOT_FOUND"
	ErrCodeDatabase = "DATABASE_ERROR"
)

// Error is the typed result error carried through every layer, so callers
// handle specific contract violations instead of a generic failure.
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// IsSettlementFailure reports whether an error is one of the settlement
// sub-kinds.
func IsSettlementFailure(e *Error) bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrCodeInsufficientFunds, ErrCodeWalletFrozen, ErrCodeCurrencyMismatch, ErrCodeInvalidAmount:
		return true
	}
	return false
}

func invalidTransition(status string, event Event) *Error {
	return &Error{
		Code:    ErrCodeInvalidTransition,
		Message: "Event not allowed in current status",
		Detail:  fmt.Sprintf("event %q is not legal while status is %q", event, status),
	}
}
