package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"circulation/internal/clock"
	"circulation/internal/config"
	"circulation/internal/events"
	"circulation/internal/gateway"
	"circulation/internal/metrics"
	"circulation/internal/models"
	"circulation/internal/repositories"
)

// ─── Service Interface ────────────────────────────────────────────────────────

// PaymentService settles fines through the external payment gateway.
type PaymentService interface {
	Pay(ctx context.Context, req PayRequest) (*models.Payment, error)
	HandleGatewayCallback(ctx context.Context, cb GatewayCallback) (*models.Payment, error)
	ExpireStalePayments(ctx context.Context) (int, error)
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error)
}

// PayRequest pays a set of a member's fines. ExpectedTotal is the amount the
// member was shown; it must still match the live sum of the fines.
type PayRequest struct {
	MemberID      uuid.UUID
	FineIDs       []uuid.UUID
	Method        models.PaymentMethod
	ExpectedTotal decimal.Decimal
}

// GatewayCallback is the provider's asynchronous verdict on a payment.
// Reference is our payment id; TransactionID is used when it is absent.
type GatewayCallback struct {
	Reference     uuid.UUID
	TransactionID string
	Status        gateway.Status
	Reason        string
}

// errFinesChanged aborts a completion whose fines no longer accept payment.
var errFinesChanged = errors.New("fines changed while payment was in flight")

// ─── Implementation ───────────────────────────────────────────────────────────

type paymentService struct {
	db         *gorm.DB
	repos      *repositories.Set
	ledger     *ledger
	gateway    gateway.Gateway
	timeout    time.Duration
	pendingTTL time.Duration
	clock      clock.Clock
	bus        events.Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewPaymentService builds the reconciler. The gateway timeout bounds each
// initiate call; pending payments older than PendingTTL are expired.
func NewPaymentService(opts Options, gw gateway.Gateway, cfg config.GatewayConfig) PaymentService {
	s := &paymentService{
		db:         opts.DB,
		repos:      opts.Repos,
		ledger:     &ledger{repos: opts.Repos, accrual: NewAccrual(opts.Policy), policy: opts.Policy},
		gateway:    gw,
		timeout:    cfg.Timeout,
		pendingTTL: cfg.PendingTTL,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		log:        opts.Log.Named("payments"),
	}
	if opts.Bus != nil {
		s.bus = opts.Bus
	}
	return s
}

// ─── Pay ──────────────────────────────────────────────────────────────────────

// Pay charges the member for the given fines.
//
// Steps:
//  1. In one transaction: lock the fines, check ownership and payability,
//     compare the live total with ExpectedTotal and record a PENDING payment
//     that pins each fine's amount.
//  2. Call the gateway outside any transaction, bounded by the gateway
//     timeout and detached from the caller's cancellation.
//  3. Apply the outcome: COMPLETED settles every fine and the payment in
//     one transaction; anything else leaves all fines untouched.
func (s *paymentService) Pay(ctx context.Context, req PayRequest) (*models.Payment, error) {
	ids := dedupe(req.FineIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyRequest
	}
	if !req.Method.IsValid() {
		return nil, ErrInvalidPaymentMethod
	}
	now := s.clock.Now()

	var payment *models.Payment
	var member *models.Member
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		member, err = s.repos.Members.GetByID(tx, req.MemberID)
		if err != nil {
			return notFound(err, ErrMemberNotFound)
		}
		if err := s.ledger.materialize(tx, req.MemberID, now); err != nil {
			return err
		}

		fines, err := s.repos.Fines.ListByIDsForUpdate(tx, ids)
		if err != nil {
			return err
		}
		if len(fines) != len(ids) {
			return ErrFineNotFound
		}

		total := decimal.Zero
		lines := make([]models.PaymentFine, 0, len(fines))
		for i := range fines {
			f := &fines[i]
			if f.MemberID != req.MemberID {
				return ErrForbidden
			}
			// Only frozen fines are payable. A live OVERDUE fine keeps
			// accruing until the loan closes.
			if f.Status != models.FineStatusPending {
				return ErrFineNotPayable
			}
			amount := s.ledger.accrual.Current(f, now)
			if !amount.IsPositive() {
				return ErrFineNotPayable
			}
			total = total.Add(amount)
			lines = append(lines, models.PaymentFine{FineID: f.ID, Amount: amount})
		}

		inFlight, err := s.repos.Payments.CountPendingForFines(tx, ids)
		if err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrPaymentInFlight
		}
		if !total.Equal(req.ExpectedTotal) {
			s.log.Info("Pay: amount mismatch",
				zap.String("member_id", req.MemberID.String()),
				zap.String("expected", req.ExpectedTotal.String()), zap.String("actual", total.String()))
			return ErrAmountMismatch
		}

		payment = &models.Payment{
			Base:     models.Base{CreatedAt: now, UpdatedAt: now},
			MemberID: req.MemberID,
			Amount:   total,
			Method:   req.Method,
			Status:   models.PaymentStatusPending,
			Fines:    lines,
		}
		return s.repos.Payments.Create(tx, payment)
	})
	if err != nil {
		if _, ok := AsDomainError(err); !ok {
			s.log.Error("Pay: failed to record payment", zap.String("member_id", req.MemberID.String()), zap.Error(err))
		}
		return nil, err
	}
	s.log.Info("Pay: payment recorded",
		zap.String("payment_id", payment.ID.String()), zap.String("amount", payment.Amount.String()),
		zap.String("method", string(payment.Method)))

	// From here on the payment row exists; record the outcome even if the
	// caller goes away.
	bg := context.WithoutCancel(ctx)
	result, gerr := s.initiate(bg, payment, member)
	if gerr != nil {
		if errors.Is(gerr, context.DeadlineExceeded) {
			return s.fail(bg, payment.ID, models.PaymentStatusFailed, "gateway timeout", ErrGatewayTimeout)
		}
		return s.fail(bg, payment.ID, models.PaymentStatusFailed, gerr.Error(), ErrGatewayUnavailable)
	}
	if result.TransactionID != "" {
		if err := s.repos.Payments.SetTransactionID(s.db.WithContext(bg), payment.ID, result.TransactionID); err != nil {
			s.log.Error("Pay: failed to store transaction id",
				zap.String("payment_id", payment.ID.String()), zap.Error(err))
		}
	}

	switch result.Status {
	case gateway.StatusCompleted:
		return s.complete(bg, payment.ID)
	case gateway.StatusPending:
		s.log.Info("Pay: awaiting gateway confirmation", zap.String("payment_id", payment.ID.String()))
		return s.repos.Payments.GetByID(s.db.WithContext(bg), payment.ID)
	case gateway.StatusCancelled:
		return s.fail(bg, payment.ID, models.PaymentStatusCancelled, result.Reason, ErrPaymentCancelled)
	default:
		reason := result.Reason
		if reason == "" {
			reason = "declined"
		}
		return s.fail(bg, payment.ID, models.PaymentStatusFailed, reason, ErrGatewayDeclined)
	}
}

func (s *paymentService) initiate(ctx context.Context, payment *models.Payment, member *models.Member) (*gateway.Result, error) {
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.gateway.Initiate(gctx, gateway.Request{
		Reference: payment.ID,
		Amount:    payment.Amount,
		Method:    payment.Method,
		Customer: gateway.Customer{
			MemberID: member.ID,
			Name:     member.Name,
			Email:    member.Email,
		},
	})
	s.metrics.GatewayLatency(time.Since(start))
	if err != nil {
		s.log.Warn("Pay: gateway call failed",
			zap.String("payment_id", payment.ID.String()), zap.Error(err))
		return nil, err
	}
	return result, nil
}

// ─── Outcomes ─────────────────────────────────────────────────────────────────

// complete settles a PENDING payment and all of its fines in one transaction.
// If any fine refuses the change nothing is settled and the payment fails.
func (s *paymentService) complete(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	now := s.clock.Now()
	var memberID uuid.UUID
	alreadyDone := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repos.Payments.GetByIDForUpdate(tx, paymentID)
		if err != nil {
			return notFound(err, ErrPaymentNotFound)
		}
		memberID = payment.MemberID
		if payment.Status == models.PaymentStatusCompleted {
			alreadyDone = true
			return nil
		}
		if payment.Status != models.PaymentStatusPending {
			return ErrPaymentAlreadyFinalized
		}

		lines := make(map[uuid.UUID]decimal.Decimal, len(payment.Fines))
		ids := make([]uuid.UUID, 0, len(payment.Fines))
		for _, line := range payment.Fines {
			lines[line.FineID] = line.Amount
			ids = append(ids, line.FineID)
		}
		fines, err := s.repos.Fines.ListByIDsForUpdate(tx, ids)
		if err != nil {
			return err
		}
		if len(fines) != len(ids) {
			return errFinesChanged
		}

		loans := make(map[uuid.UUID]struct{})
		for _, f := range fines {
			// Each fine must still be frozen at what was charged for it.
			if f.Status != models.FineStatusPending || !f.Amount.Equal(lines[f.ID]) {
				return errFinesChanged
			}
			ok, err := s.repos.Fines.MarkPaid(tx, f.ID, payment.ID, lines[f.ID])
			if err != nil {
				return err
			}
			if !ok {
				return errFinesChanged
			}
			loans[f.LoanID] = struct{}{}
		}
		for loanID := range loans {
			if err := s.ledger.syncLoan(tx, loanID, now); err != nil {
				return err
			}
		}

		ok, err := s.repos.Payments.Finalize(tx, payment.ID, models.PaymentStatusCompleted, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPaymentAlreadyFinalized
		}
		return nil
	})
	if errors.Is(err, errFinesChanged) {
		// The provider has taken the money but the fines moved on; the
		// payment is failed so it can be refunded out of band.
		s.log.Error("Pay: fines changed before completion, refund required",
			zap.String("payment_id", paymentID.String()))
		return s.fail(ctx, paymentID, models.PaymentStatusFailed, "fines changed before completion; refund required", ErrFineNotPayable)
	}
	if err != nil {
		if _, ok := AsDomainError(err); !ok {
			s.log.Error("Pay: completion failed", zap.String("payment_id", paymentID.String()), zap.Error(err))
		}
		return nil, err
	}

	payment, err := s.repos.Payments.GetByID(s.db.WithContext(ctx), paymentID)
	if err != nil {
		return nil, err
	}
	if !alreadyDone {
		s.publish(ctx, events.New(events.PaymentCompleted, memberID, paymentID, now,
			map[string]any{"amount": payment.Amount.String(), "fines": len(payment.Fines)}))
		s.metrics.Payment(string(models.PaymentStatusCompleted))
		s.log.Info("Pay: payment completed",
			zap.String("payment_id", paymentID.String()), zap.String("amount", payment.Amount.String()))
	}
	return payment, nil
}

// fail finalizes a PENDING payment without touching its fines and returns
// the payment together with cause.
func (s *paymentService) fail(ctx context.Context, paymentID uuid.UUID, status models.PaymentStatus, reason string, cause error) (*models.Payment, error) {
	now := s.clock.Now()
	db := s.db.WithContext(ctx)
	ok, err := s.repos.Payments.Finalize(db, paymentID, status, reason, now)
	if err != nil {
		s.log.Error("Pay: failed to finalize payment",
			zap.String("payment_id", paymentID.String()), zap.Error(err))
		return nil, err
	}
	payment, err := s.repos.Payments.GetByID(db, paymentID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.publish(ctx, events.New(events.PaymentFailed, payment.MemberID, paymentID, now,
			map[string]any{"status": string(status), "reason": reason}))
		s.metrics.Payment(string(status))
		s.log.Info("Pay: payment not completed",
			zap.String("payment_id", paymentID.String()), zap.String("status", string(status)),
			zap.String("reason", reason))
	}
	return payment, cause
}

// ─── Callbacks ────────────────────────────────────────────────────────────────

// HandleGatewayCallback applies the provider's final word on a payment that
// was left PENDING. Repeating a callback with the same outcome is harmless;
// a callback that contradicts a final state is refused.
func (s *paymentService) HandleGatewayCallback(ctx context.Context, cb GatewayCallback) (*models.Payment, error) {
	db := s.db.WithContext(ctx)
	var payment *models.Payment
	var err error
	switch {
	case cb.Reference != uuid.Nil:
		payment, err = s.repos.Payments.GetByID(db, cb.Reference)
	case cb.TransactionID != "":
		payment, err = s.repos.Payments.GetByTransactionID(db, cb.TransactionID)
	default:
		return nil, ErrEmptyRequest
	}
	if err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}

	target := cb.Status.PaymentStatus()
	if payment.Status.IsTerminal() {
		if payment.Status == target {
			return payment, nil
		}
		s.log.Warn("HandleGatewayCallback: payment already finalized",
			zap.String("payment_id", payment.ID.String()),
			zap.String("status", string(payment.Status)), zap.String("callback_status", string(cb.Status)))
		return payment, ErrPaymentAlreadyFinalized
	}

	if cb.TransactionID != "" && payment.TransactionID == "" {
		if err := s.repos.Payments.SetTransactionID(db, payment.ID, cb.TransactionID); err != nil {
			return nil, err
		}
	}

	switch target {
	case models.PaymentStatusPending:
		return payment, nil
	case models.PaymentStatusCompleted:
		return s.complete(ctx, payment.ID)
	default:
		p, err := s.fail(ctx, payment.ID, target, cb.Reason, nil)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// ExpireStalePayments fails payments that have waited on the gateway longer
// than the pending TTL, which frees their fines for another attempt.
func (s *paymentService) ExpireStalePayments(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.pendingTTL)
	stale, err := s.repos.Payments.ListPendingBefore(s.db.WithContext(ctx), cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}
	expired := 0
	for _, p := range stale {
		payment, err := s.fail(ctx, p.ID, models.PaymentStatusFailed, "no confirmation from gateway", nil)
		if err != nil {
			return expired, err
		}
		if payment.Status == models.PaymentStatusFailed {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("ExpireStalePayments: expired pending payments", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.repos.Payments.GetByID(s.db.WithContext(ctx), paymentID)
	if err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	return payment, nil
}

func (s *paymentService) publish(ctx context.Context, evts ...events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, evts...)
}

// dedupe drops repeated ids and sorts the rest.
func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
