package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ccflare/internal/config"
	"ccflare/internal/events"
	"ccflare/internal/health"
	"ccflare/internal/middleware"
	"ccflare/internal/oauth"
	"ccflare/internal/proxy"
	"ccflare/internal/store"
)

// Deps bundles everything the router wires together.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Dispatcher *proxy.Dispatcher
	Monitor    *health.Monitor
	Flow       *oauth.Flow
	Bus        *events.Bus
	StartedAt  time.Time
}

// NewRouter builds the gin engine: management API under /api, everything
// else falls through to the dispatcher.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	jwtMW := middleware.NewJWTMiddleware(d.Config.JWT.Secret, d.Config.JWT.Issuer)
	adminMW := middleware.NewAdminMiddleware(d.Config.Admin.Key)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"accounts": len(d.Store.ListAccounts()),
			"uptime":   time.Since(d.StartedAt).Round(time.Second).String(),
		})
	})

	accounts := NewAccountHandler(d.Store, d.Monitor, d.Config.OAuth.ClientID)
	oauthH := NewOAuthHandler(d.Flow)
	requests := NewRequestHandler(d.Store)
	eventsH := NewEventsHandler(d.Bus)
	tokens := NewTokenHandler(jwtMW.Manager(), d.Config.JWT.DefaultExpiry)

	api := r.Group("/api", adminMW.Auth())
	{
		api.GET("/accounts", accounts.List)
		api.POST("/accounts", accounts.Create)
		api.GET("/accounts/:id", accounts.Get)
		api.DELETE("/accounts/:id", accounts.Delete)
		api.POST("/accounts/:id/pause", accounts.SetPaused)
		api.POST("/accounts/:id/priority", accounts.SetPriority)
		api.POST("/accounts/:id/auto-refresh", accounts.SetAutoRefresh)
		api.POST("/accounts/:id/refresh", accounts.Refresh)

		api.GET("/health/accounts", accounts.HealthReport)
		api.POST("/health/accounts/run", accounts.RunHealthCheck)

		api.POST("/oauth/start", oauthH.Start)
		api.POST("/oauth/callback", oauthH.Callback)

		api.GET("/requests", requests.List)
		api.GET("/requests/:id", requests.Get)

		api.GET("/events/stream", eventsH.Stream)

		api.POST("/tokens", tokens.Issue)
	}

	// Everything else is proxied.
	r.NoRoute(jwtMW.Auth(), d.Dispatcher.Handle)

	return r
}
