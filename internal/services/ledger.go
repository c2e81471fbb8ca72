package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"circulation/internal/config"
	"circulation/internal/models"
	"circulation/internal/repositories"
)

// ─── Fine Ledger ──────────────────────────────────────────────────────────────

// ledger holds the fine bookkeeping shared by the loan and payment services.
// Every method runs on the handle it is given, normally an open transaction.
type ledger struct {
	repos   *repositories.Set
	accrual *Accrual
	policy  config.PolicyConfig
}

// profile derives a member's borrow profile from loans and fines. Overdue
// loans without a materialized fine still count their live accrual.
func (l *ledger) profile(db *gorm.DB, memberID uuid.UUID, now time.Time) (MemberBorrowProfile, error) {
	p, _, err := l.profileUntil(db, memberID, now)
	return p, err
}

// profileUntil is profile plus the earliest due date among open loans that
// are not overdue yet: the moment the profile changes without any write.
// It is zero when no such loan exists.
func (l *ledger) profileUntil(db *gorm.DB, memberID uuid.UUID, now time.Time) (MemberBorrowProfile, time.Time, error) {
	var nextDue time.Time
	p := MemberBorrowProfile{
		MaxAllowed:            l.policy.MaxBooksPerMember,
		OutstandingFinesTotal: decimal.Zero,
	}

	open, err := l.repos.Loans.ListOpenByMember(db, memberID)
	if err != nil {
		return p, nextDue, fmt.Errorf("list open loans: %w", err)
	}
	fines, err := l.repos.Fines.ListByMember(db, memberID)
	if err != nil {
		return p, nextDue, fmt.Errorf("list fines: %w", err)
	}

	hasOverdueFine := make(map[uuid.UUID]bool, len(fines))
	for i := range fines {
		f := &fines[i]
		if f.Kind == models.FineKindOverdue {
			hasOverdueFine[f.LoanID] = true
		}
		if f.Status.IsSettled() {
			continue
		}
		p.OutstandingFinesTotal = p.OutstandingFinesTotal.Add(l.accrual.Current(f, now))
	}

	p.CurrentBorrowedCount = len(open)
	for i := range open {
		loan := &open[i]
		if !loan.IsOverdue(now) {
			if nextDue.IsZero() || loan.DueDate.Before(nextDue) {
				nextDue = loan.DueDate
			}
			continue
		}
		p.OverdueCount++
		if !hasOverdueFine[loan.ID] {
			p.OutstandingFinesTotal = p.OutstandingFinesTotal.Add(l.accrual.ForLoan(loan, now))
		}
	}
	return p, nextDue, nil
}

// materialize creates the OVERDUE fine row for every open overdue loan of
// the member that owes something and has none yet.
func (l *ledger) materialize(tx *gorm.DB, memberID uuid.UUID, now time.Time) error {
	open, err := l.repos.Loans.ListOpenByMember(tx, memberID)
	if err != nil {
		return err
	}
	for i := range open {
		loan := &open[i]
		if !loan.IsOverdue(now) {
			continue
		}
		if _, err := l.repos.Fines.GetByLoan(tx, loan.ID, models.FineKindOverdue); err == nil {
			continue
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		fine := l.accrual.NewOverdueFine(loan, now)
		if !fine.Amount.IsPositive() {
			continue
		}
		if err := l.repos.Fines.Create(tx, fine); err != nil {
			return fmt.Errorf("materialize fine for loan %s: %w", loan.ID, err)
		}
		if err := l.syncLoan(tx, loan.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// closeOverdueFine freezes a loan's overdue fine at closedAt. A positive
// amount becomes PENDING; a fine that came to nothing is WAIVED at zero.
// A loan with no fine row gets one only when it owes something. Settled
// fines are left alone.
func (l *ledger) closeOverdueFine(tx *gorm.DB, loan *models.Loan, closedAt time.Time, returnDate *time.Time) (*models.Fine, error) {
	fine, err := l.repos.Fines.GetByLoan(tx, loan.ID, models.FineKindOverdue)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		amount := l.accrual.ForLoan(loan, closedAt)
		if !amount.IsPositive() {
			return nil, nil
		}
		fine = l.accrual.NewOverdueFine(loan, closedAt)
		fine.Amount = amount
		fine.Status = models.FineStatusPending
		fine.ReturnDate = returnDate
		if err := l.repos.Fines.Create(tx, fine); err != nil {
			return nil, fmt.Errorf("create overdue fine: %w", err)
		}
		return fine, nil
	}
	if err != nil {
		return nil, err
	}
	if fine.Status.IsSettled() {
		return fine, nil
	}

	amount := l.accrual.Current(fine, closedAt)
	status := models.FineStatusPending
	if !amount.IsPositive() {
		status = models.FineStatusWaived
		amount = decimal.Zero
	}
	fields := map[string]interface{}{
		"status": status,
		"amount": amount,
	}
	if returnDate != nil {
		fields["return_date"] = *returnDate
	}
	if err := l.repos.Fines.Update(tx, fine.ID, fields); err != nil {
		return nil, fmt.Errorf("close overdue fine: %w", err)
	}
	fine.Status = status
	fine.Amount = amount
	fine.ReturnDate = returnDate
	return fine, nil
}

// syncLoan rewrites the loan's fine total and paid flag from its fines.
func (l *ledger) syncLoan(tx *gorm.DB, loanID uuid.UUID, now time.Time) error {
	fines, err := l.repos.Fines.ListByLoan(tx, loanID)
	if err != nil {
		return err
	}
	total := decimal.Zero
	paid := true
	for i := range fines {
		total = total.Add(l.accrual.Current(&fines[i], now))
		if !fines[i].Status.IsSettled() {
			paid = false
		}
	}
	if len(fines) == 0 {
		paid = false
	}
	return l.repos.Loans.SetFineTotals(tx, loanID, total, paid)
}
