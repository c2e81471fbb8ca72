package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"circulation/internal/gateway"
	"circulation/internal/models"
	"circulation/internal/services"
)

// ─── Payments ─────────────────────────────────────────────────────────────────

type payRequest struct {
	MemberID      string           `json:"member_id" binding:"omitempty,uuid"`
	FineIDs       []string         `json:"fine_ids" binding:"required,min=1,dive,uuid"`
	Method        string           `json:"method" binding:"required,payment_method"`
	ExpectedTotal *decimal.Decimal `json:"expected_total" binding:"required"`
}

// pay answers 201 for a completed payment and 202 when the provider will
// confirm later. Failures carry the recorded payment next to the error.
func (h *Handler) pay(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	memberID, err := actingMember(c, req.MemberID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	fineIDs, err := parseIDs(req.FineIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payment, err := h.payments.Pay(c.Request.Context(), services.PayRequest{
		MemberID:      memberID,
		FineIDs:       fineIDs,
		Method:        models.PaymentMethod(req.Method),
		ExpectedTotal: *req.ExpectedTotal,
	})
	if err != nil {
		if de, ok := services.AsDomainError(err); ok && payment != nil {
			status, known := statusByCode[de.Code]
			if !known {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": de.Message, "code": de.Code, "payment": payment})
			return
		}
		h.writeError(c, err)
		return
	}
	if payment.Status == models.PaymentStatusPending {
		c.JSON(http.StatusAccepted, payment)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payment, err := h.payments.GetPayment(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type callbackRequest struct {
	Reference     string `json:"reference" binding:"omitempty,uuid"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status" binding:"required,oneof=PENDING COMPLETED FAILED CANCELLED REFUNDED"`
	Reason        string `json:"reason"`
}

// gatewayCallback receives the provider's final verdict on a payment.
func (h *Handler) gatewayCallback(c *gin.Context) {
	if h.callbackKey != "" {
		got := c.GetHeader("X-Gateway-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callback key", "code": "UNAUTHORIZED"})
			return
		}
	}
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cb := services.GatewayCallback{
		TransactionID: req.TransactionID,
		Status:        gateway.Status(req.Status),
		Reason:        req.Reason,
	}
	if req.Reference != "" {
		cb.Reference = uuid.MustParse(req.Reference)
	}
	payment, err := h.payments.HandleGatewayCallback(c.Request.Context(), cb)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}
