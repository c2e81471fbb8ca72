package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"circulation/internal/config"
	"circulation/internal/models"
)

func date(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDaysOverdue(t *testing.T) {
	due := date("2024-01-10T10:00:00Z")

	tests := []struct {
		name  string
		ref   time.Time
		grace int
		want  int
	}{
		{"before due", date("2024-01-09T10:00:00Z"), 0, 0},
		{"exactly due", due, 0, 0},
		{"later on due day", date("2024-01-10T23:59:00Z"), 0, 0},
		{"next morning", date("2024-01-11T00:01:00Z"), 0, 1},
		{"five days", date("2024-01-15T08:00:00Z"), 0, 5},
		{"inside grace", date("2024-01-12T08:00:00Z"), 3, 0},
		{"past grace", date("2024-01-15T08:00:00Z"), 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysOverdue(due, tt.ref, tt.grace))
		})
	}
}

func TestComputeFine(t *testing.T) {
	due := date("2024-01-10T00:00:00Z")
	rate := decimal.NewFromInt(5)

	t.Run("returned five days late", func(t *testing.T) {
		got := ComputeFine(due, date("2024-01-15T00:00:00Z"), rate, 0, decimal.Zero)
		assert.True(t, got.Equal(decimal.NewFromInt(25)), "got %s", got)
	})

	t.Run("returned on the due date", func(t *testing.T) {
		got := ComputeFine(due, date("2024-01-10T00:00:00Z"), rate, 0, decimal.Zero)
		assert.True(t, got.IsZero())
	})

	t.Run("capped", func(t *testing.T) {
		got := ComputeFine(due, date("2024-03-10T00:00:00Z"), rate, 0, decimal.NewFromInt(100))
		assert.True(t, got.Equal(decimal.NewFromInt(100)))
	})

	t.Run("fractional rate", func(t *testing.T) {
		got := ComputeFine(due, date("2024-01-13T00:00:00Z"), decimal.RequireFromString("0.25"), 0, decimal.Zero)
		assert.Equal(t, "0.75", got.String())
	})
}

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		MaxBooksPerMember:  5,
		BorrowPeriodDays:   14,
		DailyFineRate:      decimal.NewFromInt(5),
		GracePeriodDays:    0,
		MaxRenewalsAllowed: 2,
		ExtensionGraceDays: 7,
		LostFineAmount:     decimal.NewFromInt(500),
		DamagedFineAmount:  decimal.NewFromInt(200),
	}
}

func TestAccrual_Current(t *testing.T) {
	a := NewAccrual(testPolicy())
	now := date("2024-01-15T12:00:00Z")

	live := &models.Fine{
		DueDate:   date("2024-01-10T12:00:00Z"),
		DailyRate: decimal.NewFromInt(2),
		Amount:    decimal.NewFromInt(1),
		Status:    models.FineStatusOverdue,
	}
	assert.Equal(t, "10", a.Current(live, now).String(), "live fines use their own rate snapshot")

	frozen := *live
	frozen.Status = models.FineStatusPending
	assert.Equal(t, "1", a.Current(&frozen, now).String())
}

func TestAccrual_NewOverdueFine(t *testing.T) {
	a := NewAccrual(testPolicy())
	loan := &models.Loan{
		Base:     models.Base{ID: uuid.New()},
		MemberID: uuid.New(),
		DueDate:  date("2024-01-10T12:00:00Z"),
		Status:   models.LoanStatusBorrowed,
	}
	fine := a.NewOverdueFine(loan, date("2024-01-13T12:00:00Z"))
	assert.Equal(t, loan.ID, fine.LoanID)
	assert.Equal(t, models.FineKindOverdue, fine.Kind)
	assert.Equal(t, models.FineStatusOverdue, fine.Status)
	assert.Equal(t, "15", fine.Amount.String())
}

func TestAccrual_WriteOffAmount(t *testing.T) {
	a := NewAccrual(testPolicy())
	assert.Equal(t, "500", a.WriteOffAmount(models.FineKindLost, nil).String())
	assert.Equal(t, "200", a.WriteOffAmount(models.FineKindDamaged, nil).String())

	appraised := decimal.RequireFromString("42.50")
	assert.Equal(t, "42.5", a.WriteOffAmount(models.FineKindDamaged, &appraised).String())
}
