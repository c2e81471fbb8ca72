package services

import (
	"time"

	"github.com/shopspring/decimal"

	"circulation/internal/config"
	"circulation/internal/models"
)

// ─── Fine Calculation ─────────────────────────────────────────────────────────

const day = 24 * time.Hour

// DaysOverdue returns the number of chargeable days between dueDate and
// referenceDate, after the grace period. Both timestamps are truncated to
// midnight UTC so that a return later on the due date is not charged.
func DaysOverdue(dueDate, referenceDate time.Time, gracePeriodDays int) int {
	if !referenceDate.After(dueDate) {
		return 0
	}
	dueMidnight := dueDate.UTC().Truncate(day)
	refMidnight := referenceDate.UTC().Truncate(day)

	days := int(refMidnight.Sub(dueMidnight)/day) - gracePeriodDays
	if days < 0 {
		return 0
	}
	return days
}

// ComputeFine returns daysOverdue * dailyRate, capped at maxFine when maxFine
// is positive. A loan returned on or before its due date always owes zero.
func ComputeFine(dueDate, referenceDate time.Time, dailyRate decimal.Decimal, gracePeriodDays int, maxFine decimal.Decimal) decimal.Decimal {
	days := DaysOverdue(dueDate, referenceDate, gracePeriodDays)
	if days == 0 || !dailyRate.IsPositive() {
		return decimal.Zero
	}
	amount := dailyRate.Mul(decimal.NewFromInt(int64(days)))
	if maxFine.IsPositive() && amount.GreaterThan(maxFine) {
		return maxFine
	}
	return amount
}

// Accrual applies the configured fine policy to loans and fine records.
type Accrual struct {
	policy config.PolicyConfig
}

func NewAccrual(policy config.PolicyConfig) *Accrual {
	return &Accrual{policy: policy}
}

// ForLoan is the overdue fine a loan owes as of referenceDate, using the
// current policy rate.
func (a *Accrual) ForLoan(loan *models.Loan, referenceDate time.Time) decimal.Decimal {
	return ComputeFine(loan.DueDate, referenceDate, a.policy.DailyFineRate, a.policy.GracePeriodDays, a.policy.MaxFineAmount)
}

// Current returns what a fine record is worth right now. OVERDUE fines are
// live: they are recomputed from their own rate snapshot until the loan is
// closed or the fine is paid. Every other status carries a frozen amount.
func (a *Accrual) Current(fine *models.Fine, now time.Time) decimal.Decimal {
	if fine.Status != models.FineStatusOverdue {
		return fine.Amount
	}
	return ComputeFine(fine.DueDate, now, fine.DailyRate, a.policy.GracePeriodDays, a.policy.MaxFineAmount)
}

// NewOverdueFine materializes the fine row for an open overdue loan.
func (a *Accrual) NewOverdueFine(loan *models.Loan, now time.Time) *models.Fine {
	return &models.Fine{
		LoanID:    loan.ID,
		MemberID:  loan.MemberID,
		Kind:      models.FineKindOverdue,
		DueDate:   loan.DueDate,
		DailyRate: a.policy.DailyFineRate,
		Amount:    a.ForLoan(loan, now),
		Status:    models.FineStatusOverdue,
	}
}

// WriteOffAmount is the fixed charge for a lost or damaged copy, unless an
// appraised amount is given. Overdue days are charged on a separate fine.
func (a *Accrual) WriteOffAmount(kind models.FineKind, appraised *decimal.Decimal) decimal.Decimal {
	if appraised != nil {
		return *appraised
	}
	if kind == models.FineKindDamaged {
		return a.policy.DamagedFineAmount
	}
	return a.policy.LostFineAmount
}
