package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanBorrow(t *testing.T) {
	tests := []struct {
		name    string
		profile MemberBorrowProfile
		qty     int
		want    error
	}{
		{
			name:    "at the limit",
			profile: MemberBorrowProfile{CurrentBorrowedCount: 5, MaxAllowed: 5, OutstandingFinesTotal: decimal.Zero},
			qty:     1,
			want:    ErrLimitExceeded,
		},
		{
			name:    "fines block before overdue",
			profile: MemberBorrowProfile{CurrentBorrowedCount: 2, MaxAllowed: 5, OutstandingFinesTotal: decimal.NewFromInt(50), OverdueCount: 1},
			qty:     1,
			want:    ErrHasUnpaidFines,
		},
		{
			name:    "limit wins over everything",
			profile: MemberBorrowProfile{CurrentBorrowedCount: 4, MaxAllowed: 5, OutstandingFinesTotal: decimal.NewFromInt(50), OverdueCount: 2},
			qty:     2,
			want:    ErrLimitExceeded,
		},
		{
			name:    "overdue without fines",
			profile: MemberBorrowProfile{CurrentBorrowedCount: 1, MaxAllowed: 5, OutstandingFinesTotal: decimal.Zero, OverdueCount: 1},
			qty:     1,
			want:    ErrHasOverdueBooks,
		},
		{
			name:    "batch fits exactly",
			profile: MemberBorrowProfile{CurrentBorrowedCount: 2, MaxAllowed: 5, OutstandingFinesTotal: decimal.Zero},
			qty:     3,
			want:    nil,
		},
		{
			name:    "zero quantity",
			profile: MemberBorrowProfile{MaxAllowed: 5},
			qty:     0,
			want:    ErrInvalidQuantity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanBorrow(tt.profile, tt.qty)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
