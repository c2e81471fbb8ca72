package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"circulation/internal/cache"
	"circulation/internal/clock"
	"circulation/internal/config"
	"circulation/internal/events"
	"circulation/internal/metrics"
	"circulation/internal/models"
	"circulation/internal/repositories"
)

// ─── Service Interface ────────────────────────────────────────────────────────

// LibraryService defines the circulation operations: catalog, loans and fines.
type LibraryService interface {
	CreateTitle(ctx context.Context, name, author string, copies int) (*models.Title, error)
	AddCopies(ctx context.Context, titleID uuid.UUID, quantity int) (*models.Title, error)
	GetTitle(ctx context.Context, titleID uuid.UUID) (*models.Title, error)
	ListTitles(ctx context.Context) ([]models.Title, error)

	CreateMember(ctx context.Context, name, email string) (*models.Member, error)
	GetMember(ctx context.Context, memberID uuid.UUID) (*models.Member, error)

	Borrow(ctx context.Context, memberID uuid.UUID, titleIDs []uuid.UUID) ([]models.Loan, error)
	Return(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*LoanView, error)
	Extend(ctx context.Context, memberID, loanID uuid.UUID, days int) (*LoanView, error)
	ReportLost(ctx context.Context, loanID uuid.UUID, appraised *decimal.Decimal) (*LoanView, error)
	ReportDamaged(ctx context.Context, loanID uuid.UUID, appraised *decimal.Decimal) (*LoanView, error)
	Restock(ctx context.Context, loanID uuid.UUID) (*LoanView, error)

	GetLoan(ctx context.Context, loanID uuid.UUID) (*LoanView, error)
	ListMemberLoans(ctx context.Context, memberID uuid.UUID) ([]LoanView, error)

	Profile(ctx context.Context, memberID uuid.UUID) (*MemberBorrowProfile, error)
	ListMemberFines(ctx context.Context, memberID uuid.UUID) ([]FineView, error)
	FineSummary(ctx context.Context, memberID uuid.UUID) (*FineSummary, error)
	WaiveFine(ctx context.Context, fineID uuid.UUID, reason string) (*FineView, error)
}

// LoanView is a loan as callers see it: OVERDUE derived from the clock and
// the fine accrued so far.
type LoanView struct {
	models.Loan
	Status      models.LoanStatus `json:"status"`
	DaysOverdue int               `json:"days_overdue"`
	AccruedFine decimal.Decimal   `json:"accrued_fine"`
}

// ─── Implementation ───────────────────────────────────────────────────────────

type libraryService struct {
	db          *gorm.DB
	repos       *repositories.Set
	inventory   *Inventory
	ledger      *ledger
	clock       clock.Clock
	policy      config.PolicyConfig
	bus         events.Publisher
	profiles    cache.Cache
	cacheTTL    time.Duration
	generations *profileGenerations
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// Options carries the collaborators shared by the services.
type Options struct {
	DB         *gorm.DB
	Repos      *repositories.Set
	Clock      clock.Clock
	Policy     config.PolicyConfig
	Bus        *events.Bus
	Cache      cache.Cache
	ProfileTTL time.Duration
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
// It subscribes profile cache invalidation on the bus.
func NewLibraryService(opts Options) LibraryService {
	accrual := NewAccrual(opts.Policy)
	s := &libraryService{
		db:          opts.DB,
		repos:       opts.Repos,
		inventory:   NewInventory(opts.Repos.Titles, opts.Log),
		ledger:      &ledger{repos: opts.Repos, accrual: accrual, policy: opts.Policy},
		clock:       opts.Clock,
		policy:      opts.Policy,
		profiles:    opts.Cache,
		cacheTTL:    opts.ProfileTTL,
		generations: newProfileGenerations(),
		metrics:     opts.Metrics,
		log:         opts.Log.Named("library"),
	}
	if opts.Bus != nil {
		s.bus = opts.Bus
		opts.Bus.Subscribe(s.invalidateProfile)
	}
	return s
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

// CreateTitle adds a title with copies copies, all on the shelf.
func (s *libraryService) CreateTitle(ctx context.Context, name, author string, copies int) (*models.Title, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyRequest
	}
	if copies < 0 {
		return nil, ErrInvalidQuantity
	}
	title := &models.Title{
		Name:            name,
		Author:          strings.TrimSpace(author),
		TotalCopies:     copies,
		AvailableCopies: copies,
	}
	if err := s.repos.Titles.Create(s.db.WithContext(ctx), title); err != nil {
		s.log.Error("CreateTitle: failed to create title", zap.Error(err))
		return nil, err
	}
	s.log.Info("CreateTitle: created title",
		zap.String("title_id", title.ID.String()), zap.String("name", title.Name), zap.Int("copies", copies))
	return title, nil
}

// AddCopies grows both the total and the available count of a title.
func (s *libraryService) AddCopies(ctx context.Context, titleID uuid.UUID, quantity int) (*models.Title, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	var title *models.Title
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repos.Titles.GetByID(tx, titleID); err != nil {
			return notFound(err, ErrTitleNotFound)
		}
		if err := s.repos.Titles.AddCopies(tx, titleID, quantity); err != nil {
			return err
		}
		var err error
		title, err = s.repos.Titles.GetByID(tx, titleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("AddCopies: added copies",
		zap.String("title_id", titleID.String()), zap.Int("quantity", quantity))
	return title, nil
}

func (s *libraryService) GetTitle(ctx context.Context, titleID uuid.UUID) (*models.Title, error) {
	title, err := s.repos.Titles.GetByID(s.db.WithContext(ctx), titleID)
	if err != nil {
		return nil, notFound(err, ErrTitleNotFound)
	}
	return title, nil
}

// ListTitles returns the whole catalog ordered by name.
func (s *libraryService) ListTitles(ctx context.Context) ([]models.Title, error) {
	return s.repos.Titles.List(s.db.WithContext(ctx))
}

// ─── Members ──────────────────────────────────────────────────────────────────

func (s *libraryService) CreateMember(ctx context.Context, name, email string) (*models.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyRequest
	}
	member := &models.Member{Name: name, Email: strings.TrimSpace(email)}
	if err := s.repos.Members.Create(s.db.WithContext(ctx), member); err != nil {
		s.log.Error("CreateMember: failed to create member", zap.Error(err))
		return nil, err
	}
	s.log.Info("CreateMember: created member", zap.String("member_id", member.ID.String()))
	return member, nil
}

func (s *libraryService) GetMember(ctx context.Context, memberID uuid.UUID) (*models.Member, error) {
	member, err := s.repos.Members.GetByID(s.db.WithContext(ctx), memberID)
	if err != nil {
		return nil, notFound(err, ErrMemberNotFound)
	}
	return member, nil
}

// ─── Borrow ───────────────────────────────────────────────────────────────────

// Borrow opens one loan per requested title, all or nothing.
//
// Steps (all in one transaction):
//  1. Lock the member row so concurrent borrows of one member serialize.
//  2. Derive the borrow profile from committed loans and fines.
//  3. Run the eligibility checks for the whole batch.
//  4. Reserve the copies; a shortfall on any title rolls everything back.
//  5. Create the loans.
//
// A title listed twice borrows two copies.
func (s *libraryService) Borrow(ctx context.Context, memberID uuid.UUID, titleIDs []uuid.UUID) ([]models.Loan, error) {
	if len(titleIDs) == 0 {
		return nil, ErrEmptyRequest
	}
	quantities := make(map[uuid.UUID]int, len(titleIDs))
	for _, id := range titleIDs {
		quantities[id]++
	}

	now := s.clock.Now()
	due := now.AddDate(0, 0, s.policy.BorrowPeriodDays)
	var loans []models.Loan

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repos.Members.LockByID(tx, memberID); err != nil {
			return notFound(err, ErrMemberNotFound)
		}

		profile, err := s.ledger.profile(tx, memberID, now)
		if err != nil {
			// Without the member's loans and fines the checks cannot run;
			// the borrow is refused rather than allowed blind.
			return fmt.Errorf("load borrow profile: %w", err)
		}
		if err := CanBorrow(profile, len(titleIDs)); err != nil {
			if de, ok := AsDomainError(err); ok {
				s.metrics.BorrowDenied(de.Code)
			}
			s.log.Info("Borrow: member not eligible",
				zap.String("member_id", memberID.String()), zap.Error(err))
			return err
		}

		if err := s.inventory.Reserve(tx, quantities); err != nil {
			return err
		}

		loans = make([]models.Loan, 0, len(titleIDs))
		for _, titleID := range titleIDs {
			loan := models.Loan{
				TitleID:     titleID,
				MemberID:    memberID,
				BorrowedAt:  now,
				DueDate:     due,
				FineAmount:  decimal.Zero,
				Status:      models.LoanStatusBorrowed,
				MaxRenewals: s.policy.MaxRenewalsAllowed,
			}
			if err := s.repos.Loans.Create(tx, &loan); err != nil {
				s.log.Error("Borrow: failed to create loan", zap.String("title_id", titleID.String()), zap.Error(err))
				return err
			}
			loans = append(loans, loan)
		}
		return nil
	})
	if err != nil {
		if _, ok := AsDomainError(err); !ok {
			s.log.Error("Borrow: transaction failed", zap.String("member_id", memberID.String()), zap.Error(err))
		}
		return nil, err
	}

	evts := make([]events.Event, 0, len(loans))
	for _, loan := range loans {
		evts = append(evts, events.New(events.LoanBorrowed, memberID, loan.ID, now,
			map[string]any{"title_id": loan.TitleID.String(), "due_date": loan.DueDate}))
	}
	s.publish(ctx, evts...)
	s.metrics.LoanTransition("borrowed", len(loans))
	s.log.Info("Borrow: loans created",
		zap.String("member_id", memberID.String()), zap.Int("count", len(loans)),
		zap.String("due_date", due.Format("2006-01-02")))
	return loans, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// Return closes a loan, freezes its overdue fine and puts the copy back on
// the shelf. A zero returnedAt means now.
//
// Steps (all in one transaction):
//  1. Lock the loan row; only a BORROWED loan can be returned.
//  2. Mark it RETURNED.
//  3. Freeze the overdue fine at the return date.
//  4. Recompute the loan's fine totals.
//  5. Release one copy of the title.
func (s *libraryService) Return(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*LoanView, error) {
	now := s.clock.Now()
	if returnedAt.IsZero() {
		returnedAt = now
	}
	returnedAt = returnedAt.UTC()
	if returnedAt.After(now) {
		return nil, ErrInvalidReturnDate
	}

	var loan *models.Loan
	var fine *models.Fine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		loan, err = s.repos.Loans.GetByIDForUpdate(tx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if loan.Status != models.LoanStatusBorrowed {
			s.log.Warn("Return: loan is not open",
				zap.String("loan_id", loanID.String()), zap.String("status", string(loan.Status)))
			return ErrInvalidTransition
		}
		if returnedAt.Before(loan.BorrowedAt) {
			return ErrInvalidReturnDate
		}

		ok, err := s.repos.Loans.MarkReturned(tx, loan.ID, returnedAt)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}

		if fine, err = s.ledger.closeOverdueFine(tx, loan, returnedAt, &returnedAt); err != nil {
			return err
		}
		if err := s.ledger.syncLoan(tx, loan.ID, now); err != nil {
			return err
		}
		if err := s.inventory.Release(tx, loan.TitleID, 1); err != nil {
			return err
		}

		loan, err = s.repos.Loans.GetByID(tx, loan.ID)
		return err
	})
	if err != nil {
		return nil, s.failed("Return", loanID, err)
	}

	data := map[string]any{"fine_amount": loan.FineAmount.String()}
	if fine != nil {
		data["fine_id"] = fine.ID.String()
	}
	s.publish(ctx, events.New(events.LoanReturned, loan.MemberID, loan.ID, now, data))
	s.metrics.LoanTransition("returned", 1)
	s.log.Info("Return: loan returned",
		zap.String("loan_id", loan.ID.String()), zap.String("member_id", loan.MemberID.String()),
		zap.String("fine", loan.FineAmount.String()))
	return s.view(loan, now), nil
}

// ─── Extend ───────────────────────────────────────────────────────────────────

// Extend pushes the due date of an open loan back by days, or by a full
// borrow period when days is not positive. When memberID is set the loan
// must belong to that member.
func (s *libraryService) Extend(ctx context.Context, memberID, loanID uuid.UUID, days int) (*LoanView, error) {
	if days <= 0 {
		days = s.policy.BorrowPeriodDays
	}
	if days > s.policy.BorrowPeriodDays {
		return nil, ErrInvalidQuantity
	}
	now := s.clock.Now()

	var loan *models.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		loan, err = s.repos.Loans.GetByIDForUpdate(tx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if memberID != uuid.Nil && loan.MemberID != memberID {
			return ErrForbidden
		}
		if loan.Status != models.LoanStatusBorrowed {
			return ErrInvalidTransition
		}
		if loan.RenewalCount >= loan.MaxRenewals {
			return ErrRenewalLimitExceeded
		}
		if DaysOverdue(loan.DueDate, now, 0) > s.policy.ExtensionGraceDays {
			return ErrTooOverdueToExtend
		}

		newDue := loan.DueDate.AddDate(0, 0, days)
		ok, err := s.repos.Loans.Extend(tx, loan.ID, loan.RenewalCount, newDue)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}

		// A fine already accruing on this loan now runs against the new
		// due date.
		fine, err := s.repos.Fines.GetByLoan(tx, loan.ID, models.FineKindOverdue)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case fine.Status == models.FineStatusOverdue:
			inFlight, err := s.repos.Payments.CountPendingForFines(tx, []uuid.UUID{fine.ID})
			if err != nil {
				return err
			}
			if inFlight > 0 {
				return ErrPaymentInFlight
			}
			fine.DueDate = newDue
			if err := s.repos.Fines.Update(tx, fine.ID, map[string]interface{}{
				"due_date": newDue,
				"amount":   s.ledger.accrual.Current(fine, now),
			}); err != nil {
				return err
			}
			if err := s.ledger.syncLoan(tx, loan.ID, now); err != nil {
				return err
			}
		}

		loan, err = s.repos.Loans.GetByID(tx, loan.ID)
		return err
	})
	if err != nil {
		return nil, s.failed("Extend", loanID, err)
	}

	s.publish(ctx, events.New(events.LoanExtended, loan.MemberID, loan.ID, now,
		map[string]any{"due_date": loan.DueDate, "renewal_count": loan.RenewalCount}))
	s.metrics.LoanTransition("extended", 1)
	s.log.Info("Extend: loan extended",
		zap.String("loan_id", loan.ID.String()), zap.Int("renewal_count", loan.RenewalCount),
		zap.String("due_date", loan.DueDate.Format("2006-01-02")))
	return s.view(loan, now), nil
}

// ─── Write-offs ───────────────────────────────────────────────────────────────

func (s *libraryService) ReportLost(ctx context.Context, loanID uuid.UUID, appraised *decimal.Decimal) (*LoanView, error) {
	return s.writeOff(ctx, loanID, models.LoanStatusLost, models.FineKindLost, appraised)
}

func (s *libraryService) ReportDamaged(ctx context.Context, loanID uuid.UUID, appraised *decimal.Decimal) (*LoanView, error) {
	return s.writeOff(ctx, loanID, models.LoanStatusDamaged, models.FineKindDamaged, appraised)
}

// writeOff closes an open loan as LOST or DAMAGED. The overdue fine is frozen
// at the report date and a replacement charge is added as its own fine. The
// copy stays off the shelf until it is restocked.
func (s *libraryService) writeOff(ctx context.Context, loanID uuid.UUID, status models.LoanStatus, kind models.FineKind, appraised *decimal.Decimal) (*LoanView, error) {
	if appraised != nil && appraised.IsNegative() {
		return nil, ErrInvalidAmount
	}
	now := s.clock.Now()

	var loan *models.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		loan, err = s.repos.Loans.GetByIDForUpdate(tx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if loan.Status != models.LoanStatusBorrowed {
			return ErrInvalidTransition
		}
		ok, err := s.repos.Loans.WriteOff(tx, loan.ID, status)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}

		if _, err := s.ledger.closeOverdueFine(tx, loan, now, nil); err != nil {
			return err
		}
		if amount := s.ledger.accrual.WriteOffAmount(kind, appraised); amount.IsPositive() {
			charge := &models.Fine{
				LoanID:    loan.ID,
				MemberID:  loan.MemberID,
				Kind:      kind,
				DueDate:   loan.DueDate,
				DailyRate: decimal.Zero,
				Amount:    amount,
				Status:    models.FineStatusPending,
			}
			if err := s.repos.Fines.Create(tx, charge); err != nil {
				return fmt.Errorf("create %s fine: %w", strings.ToLower(string(kind)), err)
			}
		}
		if err := s.ledger.syncLoan(tx, loan.ID, now); err != nil {
			return err
		}

		loan, err = s.repos.Loans.GetByID(tx, loan.ID)
		return err
	})
	if err != nil {
		return nil, s.failed("WriteOff", loanID, err)
	}

	eventType, transition := events.LoanLost, "lost"
	if status == models.LoanStatusDamaged {
		eventType, transition = events.LoanDamaged, "damaged"
	}
	s.publish(ctx, events.New(eventType, loan.MemberID, loan.ID, now,
		map[string]any{"fine_amount": loan.FineAmount.String()}))
	s.metrics.LoanTransition(transition, 1)
	s.log.Info("WriteOff: loan written off",
		zap.String("loan_id", loan.ID.String()), zap.String("status", string(status)),
		zap.String("fine", loan.FineAmount.String()))
	return s.view(loan, now), nil
}

// Restock puts a lost or damaged copy back on the shelf once it has been
// recovered or repaired. A copy is restocked at most once.
func (s *libraryService) Restock(ctx context.Context, loanID uuid.UUID) (*LoanView, error) {
	now := s.clock.Now()
	var loan *models.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		loan, err = s.repos.Loans.GetByIDForUpdate(tx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if loan.Status != models.LoanStatusLost && loan.Status != models.LoanStatusDamaged {
			return ErrInvalidTransition
		}
		if loan.Restocked {
			return ErrAlreadyRestocked
		}
		ok, err := s.repos.Loans.MarkRestocked(tx, loan.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyRestocked
		}
		if err := s.inventory.Release(tx, loan.TitleID, 1); err != nil {
			return err
		}
		loan.Restocked = true
		return nil
	})
	if err != nil {
		return nil, s.failed("Restock", loanID, err)
	}

	s.publish(ctx, events.New(events.LoanRestocked, loan.MemberID, loan.ID, now,
		map[string]any{"title_id": loan.TitleID.String()}))
	s.metrics.LoanTransition("restocked", 1)
	s.log.Info("Restock: copy back on shelf",
		zap.String("loan_id", loan.ID.String()), zap.String("title_id", loan.TitleID.String()))
	return s.view(loan, now), nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *libraryService) GetLoan(ctx context.Context, loanID uuid.UUID) (*LoanView, error) {
	loan, err := s.repos.Loans.GetByID(s.db.WithContext(ctx), loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	return s.view(loan, s.clock.Now()), nil
}

// ListMemberLoans returns all loans (open and closed) of a member, newest first.
func (s *libraryService) ListMemberLoans(ctx context.Context, memberID uuid.UUID) ([]LoanView, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.repos.Members.GetByID(db, memberID); err != nil {
		return nil, notFound(err, ErrMemberNotFound)
	}
	loans, err := s.repos.Loans.ListByMember(db, memberID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	views := make([]LoanView, 0, len(loans))
	for i := range loans {
		views = append(views, *s.view(&loans[i], now))
	}
	return views, nil
}

// ─── Internal Helpers ─────────────────────────────────────────────────────────

func (s *libraryService) view(loan *models.Loan, now time.Time) *LoanView {
	v := &LoanView{
		Loan:        *loan,
		Status:      loan.ViewStatus(now),
		AccruedFine: loan.FineAmount,
	}
	if loan.IsOverdue(now) {
		v.DaysOverdue = DaysOverdue(loan.DueDate, now, 0)
		// A waived overdue fine stops accrual for the loan.
		if live := s.ledger.accrual.ForLoan(loan, now); !loan.FinePaid && live.GreaterThan(v.AccruedFine) {
			v.AccruedFine = live
		}
	}
	return v
}

func (s *libraryService) publish(ctx context.Context, evts ...events.Event) {
	if s.bus == nil || len(evts) == 0 {
		return
	}
	s.bus.Publish(ctx, evts...)
}

// failed logs unexpected errors; domain outcomes pass through quietly.
func (s *libraryService) failed(op string, id uuid.UUID, err error) error {
	if _, ok := AsDomainError(err); !ok {
		s.log.Error(op+": transaction failed", zap.String("id", id.String()), zap.Error(err))
	}
	return err
}

// notFound maps gorm's record-not-found onto the given domain error.
func notFound(err, domainErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainErr
	}
	return err
}
