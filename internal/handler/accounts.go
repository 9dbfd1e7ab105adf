package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ccflare/internal/health"
	"ccflare/internal/logging"
	"ccflare/internal/provider"
	"ccflare/internal/store"
)

// AccountHandler serves the account management API.
type AccountHandler struct {
	store    *store.Store
	monitor  *health.Monitor
	clientID string // OAuth client id used for manual refreshes
}

func NewAccountHandler(st *store.Store, monitor *health.Monitor, clientID string) *AccountHandler {
	return &AccountHandler{store: st, monitor: monitor, clientID: clientID}
}

// accountView is the API shape of an account with secrets blanked.
type accountView struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Provider            string `json:"provider"`
	HasCredentials      bool   `json:"has_credentials"`
	ExpiresAt           int64  `json:"expires_at,omitempty"`
	CreatedAt           int64  `json:"created_at,omitempty"`
	RequestCount        int64  `json:"request_count"`
	TotalRequests       int64  `json:"total_requests"`
	LastUsed            int64  `json:"last_used,omitempty"`
	SessionStart        int64  `json:"session_start,omitempty"`
	SessionRequestCount int64  `json:"session_request_count"`
	RateLimitedUntil    int64  `json:"rate_limited_until,omitempty"`
	RateLimitReset      int64  `json:"rate_limit_reset,omitempty"`
	RateLimitStatus     string `json:"rate_limit_status,omitempty"`
	RateLimitRemaining  *int64 `json:"rate_limit_remaining,omitempty"`
	Tier                string `json:"tier,omitempty"`
	Paused              bool   `json:"paused"`
	Priority            int    `json:"priority"`
	AutoRefreshEnabled  bool   `json:"auto_refresh_enabled"`
	CustomEndpoint      string `json:"custom_endpoint,omitempty"`
}

func toView(a *store.Account) accountView {
	return accountView{
		ID:                  a.ID,
		Name:                a.Name,
		Provider:            a.Provider,
		HasCredentials:      a.APIKey != "" || a.RefreshToken != "" || a.AccessToken != "",
		ExpiresAt:           a.ExpiresAtMs,
		CreatedAt:           a.CreatedAtMs,
		RequestCount:        a.RequestCount,
		TotalRequests:       a.TotalRequests,
		LastUsed:            a.LastUsedMs,
		SessionStart:        a.SessionStartMs,
		SessionRequestCount: a.SessionRequestCount,
		RateLimitedUntil:    a.RateLimitedUntilMs,
		RateLimitReset:      a.RateLimitResetMs,
		RateLimitStatus:     a.RateLimitStatus,
		RateLimitRemaining:  a.RateLimitRemaining,
		Tier:                a.Tier,
		Paused:              a.Paused,
		Priority:            a.Priority,
		AutoRefreshEnabled:  a.AutoRefreshEnabled,
		CustomEndpoint:      a.CustomEndpoint,
	}
}

func (h *AccountHandler) List(c *gin.Context) {
	accounts := h.store.ListAccounts()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toView(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (h *AccountHandler) Get(c *gin.Context) {
	a := h.store.GetAccount(c.Param("id"))
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, toView(a))
}

type createAccountRequest struct {
	Name           string `json:"name" binding:"required"`
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	CustomEndpoint string `json:"custom_endpoint"`
	Priority       int    `json:"priority"`
}

// Create adds an API-key account. OAuth accounts arrive through the
// authorization flow instead.
func (h *AccountHandler) Create(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.APIKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}
	if req.Provider == "" {
		req.Provider = store.ProviderAnthropic
	}
	if _, ok := provider.Get(req.Provider); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + req.Provider})
		return
	}

	account := &store.Account{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Provider:       req.Provider,
		APIKey:         req.APIKey,
		CustomEndpoint: req.CustomEndpoint,
		Priority:       req.Priority,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
	if err := h.store.CreateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": logging.RedactError(err)})
		return
	}

	log.Info().Str("account", account.Name).Str("provider", account.Provider).Msg("account created")
	c.JSON(http.StatusCreated, toView(account))
}

func (h *AccountHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if h.store.GetAccount(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err := h.store.DeleteAccount(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": logging.RedactError(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *AccountHandler) SetPaused(c *gin.Context) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if h.store.GetAccount(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	h.store.SetPaused(id, req.Paused)
	c.JSON(http.StatusOK, gin.H{"id": id, "paused": req.Paused})
}

func (h *AccountHandler) SetPriority(c *gin.Context) {
	var req struct {
		Priority int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if h.store.GetAccount(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	h.store.SetPriority(id, req.Priority)
	c.JSON(http.StatusOK, gin.H{"id": id, "priority": req.Priority})
}

func (h *AccountHandler) SetAutoRefresh(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if h.store.GetAccount(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	h.store.SetAutoRefresh(id, req.Enabled)
	c.JSON(http.StatusOK, gin.H{"id": id, "auto_refresh_enabled": req.Enabled})
}

// Refresh forces an OAuth token refresh for one account.
func (h *AccountHandler) Refresh(c *gin.Context) {
	account := h.store.GetAccount(c.Param("id"))
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	result, err := provider.ForAccount(account).RefreshToken(c.Request.Context(), account, h.clientID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": logging.RedactError(err)})
		return
	}
	h.store.UpdateTokens(account.ID, result.AccessToken, result.ExpiresAtMs, result.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"id": account.ID, "expires_at": result.ExpiresAtMs})
}

// HealthReport serves the latest credential health report.
func (h *AccountHandler) HealthReport(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.LastReport())
}

// RunHealthCheck recomputes the report on demand.
func (h *AccountHandler) RunHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.RunNow())
}
