package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ccflare/pkg/jwt"
)

// TokenHandler issues client tokens for the proxy surface.
type TokenHandler struct {
	manager       *jwt.Manager
	defaultExpiry time.Duration
}

func NewTokenHandler(manager *jwt.Manager, defaultExpiry time.Duration) *TokenHandler {
	if defaultExpiry <= 0 {
		defaultExpiry = 30 * 24 * time.Hour
	}
	return &TokenHandler{manager: manager, defaultExpiry: defaultExpiry}
}

type issueTokenRequest struct {
	Name   string `json:"name" binding:"required"`
	Expiry string `json:"expiry"` // duration string, e.g. "720h"
}

func (h *TokenHandler) Issue(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiry := h.defaultExpiry
	if req.Expiry != "" {
		d, err := time.ParseDuration(req.Expiry)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expiry: " + req.Expiry})
			return
		}
		expiry = d
	}

	tokenString, info, err := h.manager.Generate(req.Name, expiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token": tokenString,
		"info":  info,
	})
}
