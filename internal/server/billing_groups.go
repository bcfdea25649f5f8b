package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/folio/internal/apperr"
	billinggroupdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
)

type approveLineItemRequest struct {
	BillingGroupID string `json:"billing_group_id"`
}

func (s *Server) CreateBillingGroup(c *gin.Context) {
	var req billinggroupdomain.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	group, err := s.groupSvc.CreateGroup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": group})
}

func (s *Server) ListBillingGroups(c *gin.Context) {
	tabID, ok := pathID(c, "id")
	if !ok {
		return
	}

	groups, err := s.groupSvc.ListGroups(c.Request.Context(), tabID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": groups})
}

// ListInvoicableGroups reports every group of the tab with its eligibility,
// so callers see why a group cannot be invoiced yet.
func (s *Server) ListInvoicableGroups(c *gin.Context) {
	tabID, ok := pathID(c, "id")
	if !ok {
		return
	}

	groups, err := s.groupSvc.InvoicableGroups(c.Request.Context(), tabID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": groups})
}

func (s *Server) DeleteBillingGroup(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.groupSvc.DeleteGroup(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) CreateBillingRule(c *gin.Context) {
	var req billinggroupdomain.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	rule, err := s.groupSvc.CreateRule(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": rule})
}

func (s *Server) ListBillingRules(c *gin.Context) {
	tabID, ok := pathID(c, "id")
	if !ok {
		return
	}

	rules, err := s.groupSvc.ListRules(c.Request.Context(), tabID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rules})
}

func (s *Server) ApproveLineItem(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req approveLineItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	groupID := strings.TrimSpace(req.BillingGroupID)
	if groupID == "" {
		AbortWithError(c, apperr.Validation("billing_group_id", "required", "billing_group_id is required"))
		return
	}

	if err := s.groupSvc.ApproveLineItem(c.Request.Context(), id, groupID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
