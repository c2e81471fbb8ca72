package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LoanStatus string

const (
	LoanStatusBorrowed LoanStatus = "BORROWED"
	LoanStatusReturned LoanStatus = "RETURNED"
	LoanStatusLost     LoanStatus = "LOST"
	LoanStatusDamaged  LoanStatus = "DAMAGED"

	// LoanStatusOverdue is never stored. It is the read-side view of a
	// BORROWED loan whose due date has passed.
	LoanStatusOverdue LoanStatus = "OVERDUE"
)

type FineStatus string

const (
	// FineStatusOverdue marks a fine on a loan that is still open; its amount
	// keeps accruing until the loan is returned or the fine is paid.
	FineStatusOverdue FineStatus = "OVERDUE"
	FineStatusPending FineStatus = "PENDING"
	FineStatusPaid    FineStatus = "PAID"
	FineStatusWaived  FineStatus = "WAIVED"
)

// IsSettled reports whether the fine amount is frozen for good.
func (s FineStatus) IsSettled() bool {
	return s == FineStatusPaid || s == FineStatusWaived
}

type FineKind string

const (
	FineKindOverdue FineKind = "OVERDUE"
	FineKindLost    FineKind = "LOST"
	FineKindDamaged FineKind = "DAMAGED"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// IsTerminal reports whether the payment has left PENDING.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "CARD"
	PaymentMethodCash   PaymentMethod = "CASH"
	PaymentMethodWallet PaymentMethod = "WALLET"
	PaymentMethodBank   PaymentMethod = "BANK_TRANSFER"
)

// IsValid returns true if the payment method is one the gateway accepts.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodCash, PaymentMethodWallet, PaymentMethodBank:
		return true
	default:
		return false
	}
}

// Base gives every table a Go-generated UUID so the same models work on
// postgres and on sqlite in tests.
type Base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

type Member struct {
	Base
	Name  string `gorm:"size:255;not null" json:"name"`
	Email string `gorm:"size:255;index" json:"email"`
}

// Title is a catalog entry. AvailableCopies is only ever changed through a
// conditional UPDATE so that 0 <= available <= total holds under concurrency.
type Title struct {
	Base
	Name            string `gorm:"size:255;not null" json:"title"`
	Author          string `gorm:"size:255" json:"author"`
	TotalCopies     int    `gorm:"not null;check:total_copies >= 0" json:"total_copies"`
	AvailableCopies int    `gorm:"not null;check:available_copies >= 0" json:"available_copies"`
}

type Loan struct {
	Base
	TitleID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"title_id"`
	MemberID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"member_id"`
	BorrowedAt   time.Time       `gorm:"not null" json:"borrow_date"`
	DueDate      time.Time       `gorm:"not null;index" json:"due_date"`
	ReturnedAt   *time.Time      `json:"return_date"`
	FineAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"fine_amount"`
	FinePaid     bool            `gorm:"not null;default:false" json:"fine_paid"`
	Status       LoanStatus      `gorm:"size:16;not null;index" json:"status"`
	RenewalCount int             `gorm:"not null;default:0" json:"renewal_count"`
	MaxRenewals  int             `gorm:"not null" json:"max_renewals"`
	Restocked    bool            `gorm:"not null;default:false" json:"restocked"`
}

// IsOverdue is the single overdue predicate: an open loan past its due date.
func (l *Loan) IsOverdue(now time.Time) bool {
	return l.Status == LoanStatusBorrowed && now.After(l.DueDate)
}

// ViewStatus is the status shown to callers, with OVERDUE derived on read.
func (l *Loan) ViewStatus(now time.Time) LoanStatus {
	if l.IsOverdue(now) {
		return LoanStatusOverdue
	}
	return l.Status
}

// Fine belongs to exactly one loan. A loan carries at most one fine per kind:
// the overdue fine, plus a write-off fine if the copy is lost or damaged.
type Fine struct {
	Base
	LoanID     uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_fine_loan_kind" json:"loan_id"`
	MemberID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"member_id"`
	Kind       FineKind        `gorm:"size:16;not null;uniqueIndex:idx_fine_loan_kind" json:"kind"`
	DueDate    time.Time       `gorm:"not null" json:"due_date"`
	ReturnDate *time.Time      `json:"return_date"`
	DailyRate  decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"daily_rate"`
	Amount     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"amount"`
	Status     FineStatus      `gorm:"size:16;not null;index" json:"status"`
	PaymentID  *uuid.UUID      `gorm:"type:uuid;index" json:"payment_id,omitempty"`
	Note       string          `gorm:"size:255" json:"note,omitempty"`
}

type Payment struct {
	Base
	MemberID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"member_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Method        PaymentMethod   `gorm:"size:32;not null" json:"method"`
	Status        PaymentStatus   `gorm:"size:16;not null;index" json:"status"`
	TransactionID string          `gorm:"size:128;index" json:"transaction_id,omitempty"`
	FailureReason string          `gorm:"size:255" json:"failure_reason,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Fines         []PaymentFine   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"fines"`
}

// PaymentFine pins the amount each fine contributed when the payment was
// created. Rows are written once and never updated.
type PaymentFine struct {
	PaymentID uuid.UUID       `gorm:"type:uuid;primaryKey" json:"-"`
	FineID    uuid.UUID       `gorm:"type:uuid;primaryKey;index" json:"fine_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{&Member{}, &Title{}, &Loan{}, &Fine{}, &Payment{}, &PaymentFine{}}
}
