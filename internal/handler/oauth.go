package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ccflare/internal/logging"
	"ccflare/internal/oauth"
)

// OAuthHandler drives the interactive account authorization flow.
type OAuthHandler struct {
	flow *oauth.Flow
}

func NewOAuthHandler(flow *oauth.Flow) *OAuthHandler {
	return &OAuthHandler{flow: flow}
}

type oauthStartRequest struct {
	Name string `json:"name" binding:"required"`
	Mode string `json:"mode"`
}

func (h *OAuthHandler) Start(c *gin.Context) {
	var req oauthStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Mode == "" {
		req.Mode = oauth.ModeClaudeOAuth
	}

	authURL, sessionID, err := h.flow.Begin(req.Name, req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": logging.RedactError(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"auth_url":   authURL,
		"session_id": sessionID,
	})
}

type oauthCallbackRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (h *OAuthHandler) Callback(c *gin.Context) {
	var req oauthCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.flow.Complete(c.Request.Context(), req.SessionID, req.Code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": logging.RedactError(err)})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       account.ID,
		"name":     account.Name,
		"provider": account.Provider,
	})
}
