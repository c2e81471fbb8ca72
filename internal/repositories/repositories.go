package repositories

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circulation/internal/models"
)

// Every method takes an optional *gorm.DB. Pass the transaction handle when
// the call is part of a unit of work; pass nil to use the repository's own
// connection.

type MemberRepository interface {
	Create(db *gorm.DB, member *models.Member) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Member, error)
	LockByID(db *gorm.DB, id uuid.UUID) (*models.Member, error)
}

type TitleRepository interface {
	Create(db *gorm.DB, title *models.Title) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Title, error)
	List(db *gorm.DB) ([]models.Title, error)
	Reserve(db *gorm.DB, id uuid.UUID, quantity int) (bool, error)
	Release(db *gorm.DB, id uuid.UUID, quantity int) (bool, error)
	ClampAvailable(db *gorm.DB, id uuid.UUID) error
	AddCopies(db *gorm.DB, id uuid.UUID, quantity int) error
}

type LoanRepository interface {
	Create(db *gorm.DB, loan *models.Loan) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Loan, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Loan, error)
	ListByMember(db *gorm.DB, memberID uuid.UUID) ([]models.Loan, error)
	ListOpenByMember(db *gorm.DB, memberID uuid.UUID) ([]models.Loan, error)
	MarkReturned(db *gorm.DB, id uuid.UUID, returnedAt time.Time) (bool, error)
	Extend(db *gorm.DB, id uuid.UUID, renewalCount int, newDue time.Time) (bool, error)
	WriteOff(db *gorm.DB, id uuid.UUID, status models.LoanStatus) (bool, error)
	MarkRestocked(db *gorm.DB, id uuid.UUID) (bool, error)
	SetFineTotals(db *gorm.DB, id uuid.UUID, total decimal.Decimal, paid bool) error
}

type FineRepository interface {
	Create(db *gorm.DB, fine *models.Fine) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Fine, error)
	GetByLoan(db *gorm.DB, loanID uuid.UUID, kind models.FineKind) (*models.Fine, error)
	ListByLoan(db *gorm.DB, loanID uuid.UUID) ([]models.Fine, error)
	ListByIDsForUpdate(db *gorm.DB, ids []uuid.UUID) ([]models.Fine, error)
	ListByMember(db *gorm.DB, memberID uuid.UUID) ([]models.Fine, error)
	Update(db *gorm.DB, id uuid.UUID, fields map[string]interface{}) error
	MarkPaid(db *gorm.DB, id uuid.UUID, paymentID uuid.UUID, amount decimal.Decimal) (bool, error)
}

type PaymentRepository interface {
	Create(db *gorm.DB, payment *models.Payment) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Payment, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Payment, error)
	GetByTransactionID(db *gorm.DB, transactionID string) (*models.Payment, error)
	SetTransactionID(db *gorm.DB, id uuid.UUID, transactionID string) error
	Finalize(db *gorm.DB, id uuid.UUID, status models.PaymentStatus, reason string, at time.Time) (bool, error)
	ListPendingBefore(db *gorm.DB, before time.Time) ([]models.Payment, error)
	CountPendingForFines(db *gorm.DB, fineIDs []uuid.UUID) (int64, error)
}

// Set bundles the repositories the services are built from.
type Set struct {
	Members  MemberRepository
	Titles   TitleRepository
	Loans    LoanRepository
	Fines    FineRepository
	Payments PaymentRepository
}

func NewSet(db *gorm.DB) *Set {
	return &Set{
		Members:  NewMemberRepository(db),
		Titles:   NewTitleRepository(db),
		Loans:    NewLoanRepository(db),
		Fines:    NewFineRepository(db),
		Payments: NewPaymentRepository(db),
	}
}

// concrete implementations

type memberRepository struct {
	db *gorm.DB
}

func NewMemberRepository(db *gorm.DB) MemberRepository {
	return &memberRepository{db: db}
}

func (r *memberRepository) Create(db *gorm.DB, member *models.Member) error {
	if db == nil {
		db = r.db
	}
	return db.Create(member).Error
}

func (r *memberRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Member, error) {
	if db == nil {
		db = r.db
	}
	var member models.Member
	if err := db.First(&member, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &member, nil
}

// LockByID serializes borrow requests of one member so that two concurrent
// requests cannot both pass the loan-limit check.
func (r *memberRepository) LockByID(db *gorm.DB, id uuid.UUID) (*models.Member, error) {
	if db == nil {
		db = r.db
	}
	var member models.Member
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&member, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

type titleRepository struct {
	db *gorm.DB
}

func NewTitleRepository(db *gorm.DB) TitleRepository {
	return &titleRepository{db: db}
}

func (r *titleRepository) Create(db *gorm.DB, title *models.Title) error {
	if db == nil {
		db = r.db
	}
	return db.Create(title).Error
}

func (r *titleRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Title, error) {
	if db == nil {
		db = r.db
	}
	var title models.Title
	if err := db.First(&title, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &title, nil
}

func (r *titleRepository) List(db *gorm.DB) ([]models.Title, error) {
	if db == nil {
		db = r.db
	}
	var titles []models.Title
	if err := db.Order("name").Find(&titles).Error; err != nil {
		return nil, err
	}
	return titles, nil
}

// Reserve takes quantity copies off the shelf in one conditional UPDATE.
// It reports false, without error, when fewer than quantity are available.
func (r *titleRepository) Reserve(db *gorm.DB, id uuid.UUID, quantity int) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Title{}).
		Where("id = ? AND available_copies >= ?", id, quantity).
		UpdateColumn("available_copies", gorm.Expr("available_copies - ?", quantity))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release puts quantity copies back. It reports false when doing so would
// exceed total_copies, leaving the row untouched.
func (r *titleRepository) Release(db *gorm.DB, id uuid.UUID, quantity int) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Title{}).
		Where("id = ? AND available_copies + ? <= total_copies", id, quantity).
		UpdateColumn("available_copies", gorm.Expr("available_copies + ?", quantity))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClampAvailable puts every copy of the title back on the shelf, for a
// release that found the counter already at or near the total.
func (r *titleRepository) ClampAvailable(db *gorm.DB, id uuid.UUID) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Title{}).
		Where("id = ?", id).
		UpdateColumn("available_copies", gorm.Expr("total_copies")).Error
}

func (r *titleRepository) AddCopies(db *gorm.DB, id uuid.UUID, quantity int) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Title{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"total_copies":     gorm.Expr("total_copies + ?", quantity),
			"available_copies": gorm.Expr("available_copies + ?", quantity),
		}).Error
}

type loanRepository struct {
	db *gorm.DB
}

func NewLoanRepository(db *gorm.DB) LoanRepository {
	return &loanRepository{db: db}
}

func (r *loanRepository) Create(db *gorm.DB, loan *models.Loan) error {
	if db == nil {
		db = r.db
	}
	return db.Create(loan).Error
}

func (r *loanRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	if err := db.First(&loan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *loanRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&loan, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *loanRepository) ListByMember(db *gorm.DB, memberID uuid.UUID) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	if err := db.Where("member_id = ?", memberID).
		Order("borrowed_at DESC").
		Find(&loans).Error; err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *loanRepository) ListOpenByMember(db *gorm.DB, memberID uuid.UUID) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	if err := db.Where("member_id = ? AND status = ?", memberID, models.LoanStatusBorrowed).
		Order("due_date ASC").
		Find(&loans).Error; err != nil {
		return nil, err
	}
	return loans, nil
}

// The transition methods below only touch rows that are still BORROWED and
// report whether they did, so a stale caller can never overwrite a closed loan.

func (r *loanRepository) MarkReturned(db *gorm.DB, id uuid.UUID, returnedAt time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND status = ?", id, models.LoanStatusBorrowed).
		Updates(map[string]interface{}{
			"status":      models.LoanStatusReturned,
			"returned_at": returnedAt,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *loanRepository) Extend(db *gorm.DB, id uuid.UUID, renewalCount int, newDue time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND status = ? AND renewal_count = ?", id, models.LoanStatusBorrowed, renewalCount).
		Updates(map[string]interface{}{
			"due_date":      newDue,
			"renewal_count": renewalCount + 1,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *loanRepository) WriteOff(db *gorm.DB, id uuid.UUID, status models.LoanStatus) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND status = ?", id, models.LoanStatusBorrowed).
		Update("status", status)
	return res.RowsAffected == 1, res.Error
}

func (r *loanRepository) MarkRestocked(db *gorm.DB, id uuid.UUID) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND status IN ? AND restocked = ?", id,
			[]models.LoanStatus{models.LoanStatusLost, models.LoanStatusDamaged}, false).
		Update("restocked", true)
	return res.RowsAffected == 1, res.Error
}

// SetFineTotals records the sum of a loan's fines and whether all of them are
// settled.
func (r *loanRepository) SetFineTotals(db *gorm.DB, id uuid.UUID, total decimal.Decimal, paid bool) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Loan{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"fine_amount": total,
			"fine_paid":   paid,
		}).Error
}

type fineRepository struct {
	db *gorm.DB
}

func NewFineRepository(db *gorm.DB) FineRepository {
	return &fineRepository{db: db}
}

func (r *fineRepository) Create(db *gorm.DB, fine *models.Fine) error {
	if db == nil {
		db = r.db
	}
	return db.Create(fine).Error
}

func (r *fineRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fine models.Fine
	if err := db.First(&fine, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &fine, nil
}

func (r *fineRepository) GetByLoan(db *gorm.DB, loanID uuid.UUID, kind models.FineKind) (*models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fine models.Fine
	if err := db.First(&fine, "loan_id = ? AND kind = ?", loanID, kind).Error; err != nil {
		return nil, err
	}
	return &fine, nil
}

func (r *fineRepository) ListByLoan(db *gorm.DB, loanID uuid.UUID) ([]models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fines []models.Fine
	if err := db.Where("loan_id = ?", loanID).Find(&fines).Error; err != nil {
		return nil, err
	}
	return fines, nil
}

// ListByIDsForUpdate locks the fines in id order so that two payments over
// overlapping fine sets cannot deadlock each other.
func (r *fineRepository) ListByIDsForUpdate(db *gorm.DB, ids []uuid.UUID) ([]models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fines []models.Fine
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Find(&fines).Error
	if err != nil {
		return nil, err
	}
	return fines, nil
}

func (r *fineRepository) ListByMember(db *gorm.DB, memberID uuid.UUID) ([]models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fines []models.Fine
	if err := db.Where("member_id = ?", memberID).
		Order("created_at ASC").
		Find(&fines).Error; err != nil {
		return nil, err
	}
	return fines, nil
}

// Update changes an unsettled fine. Settled fines are immutable and are
// filtered out by the WHERE clause.
func (r *fineRepository) Update(db *gorm.DB, id uuid.UUID, fields map[string]interface{}) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Fine{}).
		Where("id = ? AND status NOT IN ?", id,
			[]models.FineStatus{models.FineStatusPaid, models.FineStatusWaived}).
		Updates(fields).Error
}

func (r *fineRepository) MarkPaid(db *gorm.DB, id uuid.UUID, paymentID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Fine{}).
		Where("id = ? AND status IN ?", id,
			[]models.FineStatus{models.FineStatusPending, models.FineStatusOverdue}).
		Updates(map[string]interface{}{
			"status":     models.FineStatusPaid,
			"amount":     amount,
			"payment_id": paymentID,
		})
	return res.RowsAffected == 1, res.Error
}

type paymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create inserts the payment and its fine set in one statement batch.
func (r *paymentRepository) Create(db *gorm.DB, payment *models.Payment) error {
	if db == nil {
		db = r.db
	}
	return db.Create(payment).Error
}

func (r *paymentRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payment models.Payment
	if err := db.Preload("Fines").First(&payment, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payment models.Payment
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Fines").
		First(&payment, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByTransactionID(db *gorm.DB, transactionID string) (*models.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payment models.Payment
	if err := db.Preload("Fines").First(&payment, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) SetTransactionID(db *gorm.DB, id uuid.UUID, transactionID string) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Payment{}).
		Where("id = ?", id).
		Update("transaction_id", transactionID).Error
}

// Finalize moves a PENDING payment to a terminal status. It reports false if
// the payment had already left PENDING.
func (r *paymentRepository) Finalize(db *gorm.DB, id uuid.UUID, status models.PaymentStatus, reason string, at time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":         status,
			"failure_reason": reason,
			"completed_at":   at,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *paymentRepository) ListPendingBefore(db *gorm.DB, before time.Time) ([]models.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payments []models.Payment
	if err := db.Where("status = ? AND created_at < ?", models.PaymentStatusPending, before).
		Order("created_at ASC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *paymentRepository) CountPendingForFines(db *gorm.DB, fineIDs []uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	err := db.Model(&models.PaymentFine{}).
		Joins("JOIN payments ON payments.id = payment_fines.payment_id").
		Where("payment_fines.fine_id IN ? AND payments.status = ?", fineIDs, models.PaymentStatusPending).
		Count(&n).Error
	return n, err
}
