package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
)

// Processor responses only ever carry masked credentials.

func (s *Server) ListProcessorProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.processorSvc.Providers()})
}

func (s *Server) CreateProcessor(c *gin.Context) {
	var req processordomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	summary, err := s.processorSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": summary})
}

func (s *Server) ListProcessors(c *gin.Context) {
	items, err := s.processorSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetProcessor(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	summary, err := s.processorSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) UpdateProcessorCredentials(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req processordomain.UpdateCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	summary, err := s.processorSvc.UpdateCredentials(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ActivateProcessor(c *gin.Context) {
	s.setProcessorActive(c, true)
}

func (s *Server) DeactivateProcessor(c *gin.Context) {
	s.setProcessorActive(c, false)
}

func (s *Server) setProcessorActive(c *gin.Context, active bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	summary, err := s.processorSvc.SetActive(c.Request.Context(), id, active)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}
