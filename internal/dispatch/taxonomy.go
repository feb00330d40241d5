package dispatch

import (
	"fmt"

	"gmcoin.meme/gm-verify/pkg/errors"
)

// Category is the classified failure taxonomy of the verification flow.
// The dispatcher classifies raw provider/relay/chain failures, downstream
// consumers only ever see these.
type Category string

const (
	// UserCancelled: the wallet rejected a signature or transaction prompt.
	UserCancelled Category = "user_cancelled"
	// WrongNetwork: connected chain differs from the target chain. Offers a
	// network switch, not a retry.
	WrongNetwork Category = "wrong_network"
	// EstimationFailed: gas estimation failed, the contract would revert.
	// Raised before any signature prompt.
	EstimationFailed Category = "estimation_failed"
	// TransactionFailed: the direct transaction was sent and did not settle.
	TransactionFailed Category = "transaction_failed"
	// InsufficientFundsAndRelayUnavailable: gas too high for the balance and
	// the relay fallback was not reachable either.
	InsufficientFundsAndRelayUnavailable Category = "insufficient_funds_relay_unavailable"
	// RelayServiceError: the relay answered with a failure.
	RelayServiceError Category = "relay_service_error"
	// ConfirmationTimeout: no contract event within the window.
	ConfirmationTimeout Category = "confirmation_timeout"
	// ConfirmationFailure: the contract explicitly emitted a failure event.
	ConfirmationFailure Category = "confirmation_failure"
	// MissingCredentials: dispatch attempted without a code/verifier pair.
	// A programming-contract violation, not expected in normal operation.
	MissingCredentials Category = "missing_credentials"
	// Internal: everything that should not happen.
	Internal Category = "internal_error"
)

// Error is a classified flow failure.
type Error struct {
	Category Category
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%v: %v: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("%v: %v", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified failure. cause may be nil when the failure
// originates from flow state rather than a wrapped call.
func NewError(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, cause: cause}
}

// CategoryOf extracts the category from a classified error, Internal for
// anything unclassified.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}
	return Internal
}
