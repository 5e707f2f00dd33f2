package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

// CreateAccountRequest is the body for POST /api/v1/accounts.
type CreateAccountRequest struct {
	Name        string          `json:"name" binding:"required"`
	Purpose     string          `json:"purpose"`
	ProjectID   string          `json:"project_id" binding:"required"`
	Credentials json.RawMessage `json:"credentials" binding:"required"`
	Services    []string        `json:"services"`
}

// UpdateAccountRequest is the body for PATCH /api/v1/accounts/:id.
// Nil fields are left unchanged.
type UpdateAccountRequest struct {
	Name        *string         `json:"name"`
	Purpose     *string         `json:"purpose"`
	Credentials json.RawMessage `json:"credentials"`
	Services    []string        `json:"services"`
	Status      *string         `json:"status"`
}

// createAccount handles POST /api/v1/accounts.
func (s *Server) createAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !json.Valid(req.Credentials) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials must be valid JSON"})
		return
	}

	account := &models.Account{
		Name:        req.Name,
		Purpose:     req.Purpose,
		ProjectID:   req.ProjectID,
		Credentials: req.Credentials,
		Services:    req.Services,
	}
	if err := s.store.CreateAccount(c.Request.Context(), account); err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

// listAccounts handles GET /api/v1/accounts.
func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

// getAccount handles GET /api/v1/accounts/:id.
func (s *Server) getAccount(c *gin.Context) {
	account, err := s.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// updateAccount handles PATCH /api/v1/accounts/:id.
func (s *Server) updateAccount(c *gin.Context) {
	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	update := models.AccountUpdate{
		Name:        req.Name,
		Purpose:     req.Purpose,
		Credentials: req.Credentials,
		Services:    req.Services,
	}
	if req.Status != nil {
		status := models.AccountStatus(*req.Status)
		if status != models.AccountActive && status != models.AccountDisabled {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: must be active or disabled"})
			return
		}
		update.Status = &status
	}
	if req.Credentials != nil && !json.Valid(req.Credentials) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials must be valid JSON"})
		return
	}

	account, err := s.store.UpdateAccount(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// deleteAccount handles DELETE /api/v1/accounts/:id. Assets, findings, scan
// logs and queued jobs are removed with the account.
func (s *Server) deleteAccount(c *gin.Context) {
	if err := s.store.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listFindings handles GET /api/v1/accounts/:id/findings.
func (s *Server) listFindings(c *gin.Context) {
	accountID := c.Param("id")
	if _, err := s.store.GetAccount(c.Request.Context(), accountID); err != nil {
		s.abortWithStoreError(c, err)
		return
	}

	filter := storage.FindingFilter{
		Status:   models.FindingStatus(c.Query("status")),
		Severity: models.Severity(c.Query("severity")),
	}
	findings, err := s.store.ListFindings(c.Request.Context(), accountID, filter)
	if err != nil {
		s.abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings, "total": len(findings)})
}
