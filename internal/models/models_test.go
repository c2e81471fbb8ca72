package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoan_ViewStatus(t *testing.T) {
	due := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	loan := &Loan{DueDate: due, Status: LoanStatusBorrowed}

	assert.False(t, loan.IsOverdue(due))
	assert.Equal(t, LoanStatusBorrowed, loan.ViewStatus(due))

	later := due.Add(time.Minute)
	assert.True(t, loan.IsOverdue(later))
	assert.Equal(t, LoanStatusOverdue, loan.ViewStatus(later))

	loan.Status = LoanStatusReturned
	assert.False(t, loan.IsOverdue(later), "closed loans are never overdue")
	assert.Equal(t, LoanStatusReturned, loan.ViewStatus(later))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, FineStatusPaid.IsSettled())
	assert.True(t, FineStatusWaived.IsSettled())
	assert.False(t, FineStatusPending.IsSettled())
	assert.False(t, FineStatusOverdue.IsSettled())

	assert.False(t, PaymentStatusPending.IsTerminal())
	assert.True(t, PaymentStatusCancelled.IsTerminal())

	assert.True(t, PaymentMethodBank.IsValid())
	assert.False(t, PaymentMethod("CHEQUE").IsValid())
}
