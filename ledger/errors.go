/*
errors.go - Centralized error types for the account ledger

ERROR CATEGORIES:
  1. Validation outcomes - AlreadyOwned, InsufficientFunds. Expected business
     results, reported through PurchaseResult and never panicked.
  2. Precondition violations - no active profile, malformed amounts.
  3. Store errors - ProfileStore failures. Write-through failures are logged
     by the Writer and never roll back the in-memory profile.

USAGE:
  if errors.Is(err, ledger.ErrNotAuthenticated) {
      // caller invoked an operation without a session
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotAuthenticated is returned when an operation runs with no active profile.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidAmount is returned for non-positive amounts or negative bonus percentages.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTitle is returned for a title with no id or a negative price.
	ErrInvalidTitle = errors.New("invalid title")

	// ErrAlreadyOwned is the error form of CodeAlreadyOwned.
	ErrAlreadyOwned = errors.New("title already owned")

	// ErrInsufficientFunds is the error form of CodeInsufficientFunds.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey is returned when an idempotency key was
	// already applied. The original transaction accompanies it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyMismatch is returned when a key already applied to a
	// different operation kind or title is reused. Nothing is mutated.
	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused for a different operation")

	// ErrOperationInFlight is returned when the same operation kind is
	// already executing for this ledger.
	ErrOperationInFlight = errors.New("operation already in flight")

	// ErrProfileNotFound is returned by a ProfileStore for an unknown identity.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrAccountExists is returned by a CredentialStore when the email is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountNotFound is returned by a CredentialStore for an unknown email.
	ErrAccountNotFound = errors.New("account not found")

	// ErrWriteQueueFull is reported to the write-through callback when a
	// job had to be dropped.
	ErrWriteQueueFull = errors.New("write-through queue full")

	// ErrWriterClosed is reported for jobs submitted after Close.
	ErrWriterClosed = errors.New("write-through writer closed")

	// ErrStoreRejected is wrapped by store errors that cannot succeed on
	// retry (a 4xx answer from a remote store, say). The writer does not
	// retry them.
	ErrStoreRejected = errors.New("store rejected the update")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	ProfileID ProfileID
	TitleID   TitleID
	Balance   decimal.Decimal
	Price     decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, price %s, shortfall %s",
		e.Balance.StringFixed(2), e.Price.StringFixed(2), e.Shortfall.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTitle) ||
		errors.Is(err, ErrAlreadyOwned) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrIdempotencyKeyMismatch) ||
		errors.Is(err, ErrOperationInFlight)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOperationInFlight) || errors.Is(err, ErrWriteQueueFull)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound) || errors.Is(err, ErrAccountNotFound)
}
