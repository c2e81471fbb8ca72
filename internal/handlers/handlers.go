package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"circulation/internal/models"
	"circulation/internal/services"
)

type Handler struct {
	library     services.LibraryService
	payments    services.PaymentService
	callbackKey string
	log         *zap.Logger
}

// Config carries what RegisterRoutes needs besides the services. A nil
// Verifier disables member authentication; an empty CallbackKey accepts
// unsigned gateway callbacks.
type Config struct {
	Verifier    *TokenVerifier
	CallbackKey string
	Gatherer    prometheus.Gatherer
	Log         *zap.Logger
}

func RegisterRoutes(r *gin.Engine, library services.LibraryService, payments services.PaymentService, cfg Config) {
	registerValidators()
	h := &Handler{
		library:     library,
		payments:    payments,
		callbackKey: cfg.CallbackKey,
		log:         cfg.Log.Named("http"),
	}
	auth := RequireMember(cfg.Verifier)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// Librarian endpoints
	r.POST("/titles", h.createTitle)
	r.POST("/titles/:id/copies", h.addCopies)
	r.POST("/members", h.createMember)
	r.POST("/loans/:id/return", h.returnLoan)
	r.POST("/loans/:id/lost", h.reportLost)
	r.POST("/loans/:id/damaged", h.reportDamaged)
	r.POST("/loans/:id/restock", h.restock)
	r.POST("/fines/:id/waive", h.waiveFine)

	// Member endpoints
	r.POST("/loans", auth, h.borrow)
	r.POST("/loans/:id/extend", auth, h.extend)
	r.POST("/payments", auth, h.pay)

	// General endpoints
	r.GET("/titles", h.listTitles)
	r.GET("/titles/:id", h.getTitle)
	r.GET("/loans/:id", h.getLoan)
	r.GET("/members/:id/profile", h.profile)
	r.GET("/members/:id/loans", h.listMemberLoans)
	r.GET("/members/:id/fines", h.listMemberFines)
	r.GET("/members/:id/fines/summary", h.fineSummary)
	r.GET("/payments/:id", h.getPayment)

	// Gateway webhook
	r.POST("/payments/callback", h.gatewayCallback)
}

// registerValidators adds the payment_method tag to gin's validator.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		return models.PaymentMethod(fl.Field().String()).IsValid()
	})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id", "code": "INVALID_ID"})
		return uuid.Nil, false
	}
	return id, true
}

// bindOptionalJSON binds the body when there is one. A chunked request
// carries no length, so an empty one only shows up as EOF from the decoder.
func bindOptionalJSON(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		badRequest(c, err)
		return false
	}
	return true
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errInvalidID
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

type createTitleRequest struct {
	Title  string `json:"title" binding:"required"`
	Author string `json:"author"`
	Copies int    `json:"copies" binding:"min=0"`
}

func (h *Handler) createTitle(c *gin.Context) {
	var req createTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	title, err := h.library.CreateTitle(c.Request.Context(), req.Title, req.Author, req.Copies)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, title)
}

type addCopiesRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

func (h *Handler) addCopies(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req addCopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	title, err := h.library.AddCopies(c.Request.Context(), id, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, title)
}

func (h *Handler) listTitles(c *gin.Context) {
	titles, err := h.library.ListTitles(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, titles)
}

func (h *Handler) getTitle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	title, err := h.library.GetTitle(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, title)
}

// ─── Members ──────────────────────────────────────────────────────────────────

type createMemberRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"omitempty,email"`
}

func (h *Handler) createMember(c *gin.Context) {
	var req createMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	member, err := h.library.CreateMember(c.Request.Context(), req.Name, req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (h *Handler) profile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.library.Profile(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listMemberLoans(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loans, err := h.library.ListMemberLoans(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

// ─── Loans ────────────────────────────────────────────────────────────────────

type borrowRequest struct {
	MemberID string   `json:"member_id" binding:"omitempty,uuid"`
	TitleIDs []string `json:"title_ids" binding:"required,min=1,dive,uuid"`
}

func (h *Handler) borrow(c *gin.Context) {
	var req borrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	memberID, err := actingMember(c, req.MemberID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	titleIDs, err := parseIDs(req.TitleIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	loans, err := h.library.Borrow(c.Request.Context(), memberID, titleIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"loans": loans})
}

type returnRequest struct {
	ReturnDate *time.Time `json:"return_date"`
}

func (h *Handler) returnLoan(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req returnRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	var at time.Time
	if req.ReturnDate != nil {
		at = *req.ReturnDate
	}
	loan, err := h.library.Return(c.Request.Context(), id, at)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

type extendRequest struct {
	Days int `json:"days" binding:"min=0"`
}

func (h *Handler) extend(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req extendRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	loan, err := h.library.Extend(c.Request.Context(), tokenMember(c), id, req.Days)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

type writeOffRequest struct {
	AppraisedAmount *decimal.Decimal `json:"appraised_amount"`
}

func (h *Handler) reportLost(c *gin.Context) {
	h.writeOff(c, h.library.ReportLost)
}

func (h *Handler) reportDamaged(c *gin.Context) {
	h.writeOff(c, h.library.ReportDamaged)
}

func (h *Handler) writeOff(c *gin.Context, op func(ctx context.Context, id uuid.UUID, appraised *decimal.Decimal) (*services.LoanView, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req writeOffRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	loan, err := op(c.Request.Context(), id, req.AppraisedAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *Handler) restock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loan, err := h.library.Restock(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *Handler) getLoan(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loan, err := h.library.GetLoan(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// ─── Fines ────────────────────────────────────────────────────────────────────

func (h *Handler) listMemberFines(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	fines, err := h.library.ListMemberFines(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fines)
}

func (h *Handler) fineSummary(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	summary, err := h.library.FineSummary(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type waiveRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

func (h *Handler) waiveFine(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req waiveRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	fine, err := h.library.WaiveFine(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fine)
}
