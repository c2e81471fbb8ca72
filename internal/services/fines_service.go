package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"circulation/internal/events"
	"circulation/internal/models"
)

// FineView is a fine with its amount as of now. For OVERDUE fines the
// current amount keeps growing until the loan closes.
type FineView struct {
	models.Fine
	CurrentAmount decimal.Decimal `json:"current_amount"`
	DaysOverdue   int             `json:"days_overdue"`
}

// FineSummary totals a member's fines by outcome.
type FineSummary struct {
	MemberID          uuid.UUID                           `json:"member_id"`
	Outstanding       decimal.Decimal                     `json:"outstanding"`
	OutstandingCount  int                                 `json:"outstanding_count"`
	Paid              decimal.Decimal                     `json:"paid"`
	PaidCount         int                                 `json:"paid_count"`
	Waived            decimal.Decimal                     `json:"waived"`
	WaivedCount       int                                 `json:"waived_count"`
	OutstandingByKind map[models.FineKind]decimal.Decimal `json:"outstanding_by_kind"`
}

// ─── Borrow Profile ───────────────────────────────────────────────────────────

func profileKey(memberID uuid.UUID) string {
	return "profile:" + memberID.String()
}

// Profile returns the member's borrow profile for display. It is served from
// the cache when possible; Borrow never reads the cache.
func (s *libraryService) Profile(ctx context.Context, memberID uuid.UUID) (*MemberBorrowProfile, error) {
	if s.profiles != nil {
		raw, ok, err := s.profiles.Get(ctx, profileKey(memberID))
		if err != nil {
			s.log.Warn("Profile: cache read failed", zap.String("member_id", memberID.String()), zap.Error(err))
		} else if ok {
			var p MemberBorrowProfile
			if err := json.Unmarshal(raw, &p); err == nil {
				return &p, nil
			}
		}
	}

	gen := s.generations.current(memberID)
	now := s.clock.Now()
	db := s.db.WithContext(ctx)
	if _, err := s.repos.Members.GetByID(db, memberID); err != nil {
		return nil, notFound(err, ErrMemberNotFound)
	}
	p, nextDue, err := s.ledger.profileUntil(db, memberID, now)
	if err != nil {
		return nil, err
	}

	if ttl := profileCacheTTL(s.cacheTTL, p, nextDue, now); s.profiles != nil && ttl > 0 {
		raw, err := json.Marshal(p)
		if err != nil {
			return &p, nil
		}
		// An invalidation since the read started means p may predate a
		// commit; leave the slot empty.
		s.generations.guard(memberID, gen, func() {
			if err := s.profiles.Set(ctx, profileKey(memberID), raw, ttl); err != nil {
				s.log.Warn("Profile: cache write failed", zap.String("member_id", memberID.String()), zap.Error(err))
			}
		})
	}
	return &p, nil
}

// profileCacheTTL bounds how long a profile may be served from cache. A
// profile with overdue loans changes with every day of accrual and is not
// cached; otherwise the entry expires no later than the next due date.
func profileCacheTTL(max time.Duration, p MemberBorrowProfile, nextDue, now time.Time) time.Duration {
	if p.OverdueCount > 0 {
		return 0
	}
	ttl := max
	if !nextDue.IsZero() {
		if until := nextDue.Sub(now); until < ttl {
			ttl = until
		}
	}
	return ttl
}

// invalidateProfile drops the cached profile of the member an event is about.
func (s *libraryService) invalidateProfile(ctx context.Context, e events.Event) error {
	if s.profiles == nil || e.MemberID == uuid.Nil {
		return nil
	}
	s.generations.bump(e.MemberID)
	return s.profiles.Delete(ctx, profileKey(e.MemberID))
}

// profileGenerations counts invalidations per member so that a profile read
// which raced a commit does not write its result back.
type profileGenerations struct {
	mu  sync.Mutex
	gen map[uuid.UUID]uint64
}

func newProfileGenerations() *profileGenerations {
	return &profileGenerations{gen: make(map[uuid.UUID]uint64)}
}

func (g *profileGenerations) current(memberID uuid.UUID) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen[memberID]
}

func (g *profileGenerations) bump(memberID uuid.UUID) {
	g.mu.Lock()
	g.gen[memberID]++
	g.mu.Unlock()
}

// guard runs fn only if no invalidation happened since gen was taken. A bump
// waits for a running fn, so the delete that follows it always wins.
func (g *profileGenerations) guard(memberID uuid.UUID, gen uint64, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen[memberID] != gen {
		return
	}
	fn()
}

// ─── Fines ────────────────────────────────────────────────────────────────────

// ListMemberFines materializes fines for overdue open loans and returns all
// of the member's fines with their current amounts.
func (s *libraryService) ListMemberFines(ctx context.Context, memberID uuid.UUID) ([]FineView, error) {
	now := s.clock.Now()
	var fines []models.Fine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repos.Members.GetByID(tx, memberID); err != nil {
			return notFound(err, ErrMemberNotFound)
		}
		if err := s.ledger.materialize(tx, memberID, now); err != nil {
			return err
		}
		var err error
		fines, err = s.repos.Fines.ListByMember(tx, memberID)
		return err
	})
	if err != nil {
		return nil, s.failed("ListMemberFines", memberID, err)
	}

	views := make([]FineView, 0, len(fines))
	for i := range fines {
		views = append(views, s.fineView(&fines[i], now))
	}
	return views, nil
}

// FineSummary totals the member's fines. Outstanding includes live accrual
// on loans that are still out.
func (s *libraryService) FineSummary(ctx context.Context, memberID uuid.UUID) (*FineSummary, error) {
	views, err := s.ListMemberFines(ctx, memberID)
	if err != nil {
		return nil, err
	}
	sum := &FineSummary{
		MemberID:          memberID,
		Outstanding:       decimal.Zero,
		Paid:              decimal.Zero,
		Waived:            decimal.Zero,
		OutstandingByKind: make(map[models.FineKind]decimal.Decimal),
	}
	for _, v := range views {
		switch v.Status {
		case models.FineStatusPaid:
			sum.Paid = sum.Paid.Add(v.CurrentAmount)
			sum.PaidCount++
		case models.FineStatusWaived:
			sum.Waived = sum.Waived.Add(v.CurrentAmount)
			sum.WaivedCount++
		default:
			sum.Outstanding = sum.Outstanding.Add(v.CurrentAmount)
			sum.OutstandingCount++
			sum.OutstandingByKind[v.Kind] = sum.OutstandingByKind[v.Kind].Add(v.CurrentAmount)
		}
	}
	return sum, nil
}

// WaiveFine forgives an unsettled fine at its current amount. A fine that a
// pending payment references cannot be waived until the payment resolves.
func (s *libraryService) WaiveFine(ctx context.Context, fineID uuid.UUID, reason string) (*FineView, error) {
	now := s.clock.Now()
	var fine *models.Fine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repos.Fines.ListByIDsForUpdate(tx, []uuid.UUID{fineID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return ErrFineNotFound
		}
		fine = &locked[0]
		if fine.Status.IsSettled() {
			return ErrFineSettled
		}
		inFlight, err := s.repos.Payments.CountPendingForFines(tx, []uuid.UUID{fineID})
		if err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrPaymentInFlight
		}

		amount := s.ledger.accrual.Current(fine, now)
		note := strings.TrimSpace(reason)
		if err := s.repos.Fines.Update(tx, fine.ID, map[string]interface{}{
			"status": models.FineStatusWaived,
			"amount": amount,
			"note":   note,
		}); err != nil {
			return fmt.Errorf("waive fine: %w", err)
		}
		fine.Status = models.FineStatusWaived
		fine.Amount = amount
		fine.Note = note
		return s.ledger.syncLoan(tx, fine.LoanID, now)
	})
	if err != nil {
		return nil, s.failed("WaiveFine", fineID, err)
	}

	s.publish(ctx, events.New(events.FineWaived, fine.MemberID, fine.ID, now,
		map[string]any{"amount": fine.Amount.String(), "loan_id": fine.LoanID.String()}))
	s.log.Info("WaiveFine: fine waived",
		zap.String("fine_id", fine.ID.String()), zap.String("amount", fine.Amount.String()))
	v := s.fineView(fine, now)
	return &v, nil
}

func (s *libraryService) fineView(f *models.Fine, now time.Time) FineView {
	v := FineView{Fine: *f, CurrentAmount: s.ledger.accrual.Current(f, now)}
	ref := now
	if f.ReturnDate != nil {
		ref = *f.ReturnDate
	}
	if f.Kind == models.FineKindOverdue {
		v.DaysOverdue = DaysOverdue(f.DueDate, ref, 0)
	}
	return v
}
