package services

import (
	"github.com/shopspring/decimal"
)

// ─── Eligibility ──────────────────────────────────────────────────────────────

// MemberBorrowProfile is derived from a member's loans and fines. It is never
// stored as the source of truth; caches hold copies of it at most.
type MemberBorrowProfile struct {
	CurrentBorrowedCount  int             `json:"current_borrowed_count"`
	MaxAllowed            int             `json:"max_allowed"`
	OutstandingFinesTotal decimal.Decimal `json:"outstanding_fines_total"`
	OverdueCount          int             `json:"overdue_count"`
}

// CanBorrow decides whether a member may take requestedQuantity more items.
//
// The checks run in a fixed order and the first failure wins, so the member
// always gets the same, actionable reason:
//  1. loan limit      → ErrLimitExceeded
//  2. unpaid fines    → ErrHasUnpaidFines
//  3. overdue items   → ErrHasOverdueBooks
func CanBorrow(profile MemberBorrowProfile, requestedQuantity int) error {
	if requestedQuantity <= 0 {
		return ErrInvalidQuantity
	}
	if profile.CurrentBorrowedCount+requestedQuantity > profile.MaxAllowed {
		return ErrLimitExceeded
	}
	if profile.OutstandingFinesTotal.IsPositive() {
		return ErrHasUnpaidFines
	}
	if profile.OverdueCount > 0 {
		return ErrHasOverdueBooks
	}
	return nil
}
