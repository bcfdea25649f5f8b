package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/folio/internal/apperr"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	defaultAnomalyLimit  = 50
	maxAnomalyLimit      = 500
)

func (s *Server) CreatePaymentIntent(c *gin.Context) {
	var req paymentdomain.CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey)); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	result, err := s.paymentSvc.CreatePaymentIntent(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result})
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req paymentdomain.ConfirmIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.PaymentID = id

	payment, err := s.paymentSvc.ConfirmPaymentIntent(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) RefundPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req paymentdomain.RefundPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	req.PaymentID = id

	result, err := s.paymentSvc.Refund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := s.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) ListPaymentAnomalies(c *gin.Context) {
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil || (limit != nil && *limit <= 0) {
		AbortWithError(c, apperr.Validation("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}
	n := defaultAnomalyLimit
	if limit != nil {
		n = int(min(*limit, maxAnomalyLimit))
	}

	anomalies, err := s.paymentSvc.ListAnomalies(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": anomalies})
}
