package services

import "errors"

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

// DomainError is a recoverable, caller-facing outcome. Code is stable and
// machine-readable; the message tells the member what to do about it.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string { return e.Message }

func newDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

var (
	// ErrInsufficientCopies is returned when a reserve asks for more copies
	// than are currently on the shelf.
	ErrInsufficientCopies = newDomainError("INSUFFICIENT_COPIES", "no copies of this title are available right now")

	// ErrInvalidTransition is returned when a loan operation does not apply to
	// the loan's current state (e.g. returning a loan twice).
	ErrInvalidTransition = newDomainError("INVALID_TRANSITION", "this operation is not allowed for the loan in its current state")

	// ErrRenewalLimitExceeded is returned when a loan has used all renewals.
	ErrRenewalLimitExceeded = newDomainError("RENEWAL_LIMIT_EXCEEDED", "this loan has already been renewed the maximum number of times")

	// ErrTooOverdueToExtend is returned when a loan is past the extension
	// grace window; the copy must be returned instead.
	ErrTooOverdueToExtend = newDomainError("TOO_OVERDUE_TO_EXTEND", "this loan is too far overdue to extend; please return it")

	// ErrLimitExceeded is the first eligibility check: the borrow would take
	// the member over the maximum number of open loans.
	ErrLimitExceeded = newDomainError("LIMIT_EXCEEDED", "borrowing these items would exceed your loan limit")

	// ErrHasUnpaidFines is the second eligibility check.
	ErrHasUnpaidFines = newDomainError("HAS_UNPAID_FINES", "please pay your outstanding fines before borrowing")

	// ErrHasOverdueBooks is the third eligibility check.
	ErrHasOverdueBooks = newDomainError("HAS_OVERDUE_BOOKS", "please return your overdue items before borrowing")

	// ErrAmountMismatch is returned when the total a client submits no longer
	// matches the live sum of the fines it references.
	ErrAmountMismatch = newDomainError("AMOUNT_MISMATCH", "the amount due has changed; please review your fines and try again")

	// ErrGatewayTimeout is returned when the payment gateway did not answer
	// in time. The payment is recorded as FAILED and may be retried.
	ErrGatewayTimeout = newDomainError("GATEWAY_TIMEOUT", "the payment provider did not respond in time; no charge was recorded, please retry")

	// ErrGatewayDeclined is returned when the gateway refused the payment.
	ErrGatewayDeclined = newDomainError("GATEWAY_DECLINED", "the payment was declined")

	// ErrInventoryInconsistent is logged when a release would push available
	// copies above the total. The counter is clamped to the total.
	ErrInventoryInconsistent = newDomainError("INVENTORY_INCONSISTENT", "copy count would exceed the title's total; inventory needs review")

	// ErrFineNotPayable is returned when a referenced fine is already settled,
	// is still accruing on an open loan, or has nothing owing.
	ErrFineNotPayable = newDomainError("FINE_NOT_PAYABLE", "one or more fines cannot be paid in their current state")

	// ErrFineSettled is returned when waiving a fine that is paid or waived.
	ErrFineSettled = newDomainError("FINE_SETTLED", "this fine is already settled")

	// ErrPaymentInFlight is returned when a fine cannot change because a
	// PENDING payment references it.
	ErrPaymentInFlight = newDomainError("PAYMENT_IN_FLIGHT", "a payment for this fine is still being processed")

	// ErrPaymentAlreadyFinalized is returned when a gateway callback tries to
	// move a payment that already reached a different terminal state.
	ErrPaymentAlreadyFinalized = newDomainError("PAYMENT_FINALIZED", "this payment has already been finalized")

	// ErrAlreadyRestocked is returned when a written-off copy is restocked twice.
	ErrAlreadyRestocked = newDomainError("ALREADY_RESTOCKED", "this copy has already been restocked")

	// ErrGatewayUnavailable is returned when the gateway could not be reached
	// or answered with garbage. The payment is recorded as FAILED.
	ErrGatewayUnavailable = newDomainError("GATEWAY_UNAVAILABLE", "the payment provider is unavailable; no charge was recorded, please retry")

	// ErrPaymentCancelled is returned when the provider reports the payment
	// as cancelled by the payer.
	ErrPaymentCancelled = newDomainError("PAYMENT_CANCELLED", "the payment was cancelled")

	ErrInvalidQuantity      = newDomainError("INVALID_QUANTITY", "quantity must be positive")
	ErrInvalidAmount        = newDomainError("INVALID_AMOUNT", "amount must not be negative")
	ErrInvalidReturnDate    = newDomainError("INVALID_RETURN_DATE", "return date must fall between the borrow date and now")
	ErrInvalidPaymentMethod = newDomainError("INVALID_PAYMENT_METHOD", "unsupported payment method")
	ErrEmptyRequest         = newDomainError("EMPTY_REQUEST", "at least one item is required")
	ErrForbidden            = newDomainError("FORBIDDEN", "this record belongs to another member")

	ErrTitleNotFound   = newDomainError("TITLE_NOT_FOUND", "title not found")
	ErrMemberNotFound  = newDomainError("MEMBER_NOT_FOUND", "member not found")
	ErrLoanNotFound    = newDomainError("LOAN_NOT_FOUND", "loan not found")
	ErrFineNotFound    = newDomainError("FINE_NOT_FOUND", "fine not found")
	ErrPaymentNotFound = newDomainError("PAYMENT_NOT_FOUND", "payment not found")
)

// AsDomainError unwraps err to a DomainError, if it is one.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
