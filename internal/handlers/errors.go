package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"circulation/internal/services"
)

var (
	errInvalidID   = errors.New("invalid id")
	errOtherMember = errors.New("token does not belong to this member")
)

var statusByCode = map[string]int{
	"TITLE_NOT_FOUND":   http.StatusNotFound,
	"MEMBER_NOT_FOUND":  http.StatusNotFound,
	"LOAN_NOT_FOUND":    http.StatusNotFound,
	"FINE_NOT_FOUND":    http.StatusNotFound,
	"PAYMENT_NOT_FOUND": http.StatusNotFound,

	"LIMIT_EXCEEDED":    http.StatusUnprocessableEntity,
	"HAS_UNPAID_FINES":  http.StatusUnprocessableEntity,
	"HAS_OVERDUE_BOOKS": http.StatusUnprocessableEntity,

	"INSUFFICIENT_COPIES":    http.StatusConflict,
	"INVALID_TRANSITION":     http.StatusConflict,
	"RENEWAL_LIMIT_EXCEEDED": http.StatusConflict,
	"TOO_OVERDUE_TO_EXTEND":  http.StatusConflict,
	"AMOUNT_MISMATCH":        http.StatusConflict,
	"FINE_NOT_PAYABLE":       http.StatusConflict,
	"FINE_SETTLED":           http.StatusConflict,
	"PAYMENT_IN_FLIGHT":      http.StatusConflict,
	"PAYMENT_FINALIZED":      http.StatusConflict,
	"ALREADY_RESTOCKED":      http.StatusConflict,
	"INVENTORY_INCONSISTENT": http.StatusConflict,

	"GATEWAY_DECLINED":    http.StatusPaymentRequired,
	"PAYMENT_CANCELLED":   http.StatusPaymentRequired,
	"GATEWAY_UNAVAILABLE": http.StatusBadGateway,
	"GATEWAY_TIMEOUT":     http.StatusGatewayTimeout,

	"FORBIDDEN": http.StatusForbidden,
}

// writeError maps a service error onto a status and a {"error","code"} body.
// Anything that is not a domain outcome is logged and reported as a 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	if de, ok := services.AsDomainError(err); ok {
		status, known := statusByCode[de.Code]
		if !known {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": de.Message, "code": de.Code})
		return
	}
	switch {
	case errors.Is(err, errInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_ID"})
		return
	case errors.Is(err, errOtherMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "FORBIDDEN"})
		return
	}
	h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
}
