package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"sanctuary-live/internal/auth"
	"sanctuary-live/internal/gateway"
	"sanctuary-live/internal/handler"
	"sanctuary-live/internal/hostauth"
	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/middleware"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

type Deps struct {
	Store       *store.Store
	Engine      *sanctuary.Engine
	Hub         *hub.Hub
	Issuer      *hostauth.Issuer
	TokenConfig auth.TokenConfig
	Logger      zerolog.Logger

	DefaultCapacity int
	SessionTTL      time.Duration

	// Limiters default to fixed windows when nil. Callers that keep the
	// server running should drive their Run loops.
	AuthLimiter    *middleware.RateLimiter
	SessionLimiter *middleware.RateLimiter
	AlertLimiter   *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.AuthLimiter == nil {
		deps.AuthLimiter = middleware.NewRateLimiter(10, time.Minute)
	}
	if deps.SessionLimiter == nil {
		deps.SessionLimiter = middleware.NewRateLimiter(10, time.Minute)
	}
	if deps.AlertLimiter == nil {
		deps.AlertLimiter = middleware.NewRateLimiter(5, time.Minute)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))

	healthHandler := &handler.HealthHandler{Version: Version}
	r.GET("/health", healthHandler.Check)

	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig}
	r.POST("/v1/auth", middleware.RateLimitMiddleware(deps.AuthLimiter), authHandler.Auth)

	sessionHandler := &handler.SessionHandler{
		Store:           deps.Store,
		Engine:          deps.Engine,
		Issuer:          deps.Issuer,
		DefaultCapacity: deps.DefaultCapacity,
		SessionTTL:      deps.SessionTTL,
	}
	public := r.Group("/v1")
	public.Use(middleware.OptionalAuth(deps.TokenConfig))
	public.GET("/sessions", sessionHandler.List)
	public.GET("/sessions/:id", sessionHandler.Get)
	public.GET("/sessions/:id/roster", sessionHandler.Roster)
	public.DELETE("/sessions/:id", sessionHandler.Delete)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.POST("/sessions", middleware.RateLimitMiddleware(deps.SessionLimiter), sessionHandler.Create)

	hostHandler := &handler.HostHandler{Issuer: deps.Issuer}
	r.POST("/v1/host/tokens", hostHandler.Issue)
	r.POST("/v1/host/verify", hostHandler.Verify)
	r.POST("/v1/host/sessions", hostHandler.Sessions)

	live := gateway.NewServer(gateway.Deps{
		Engine:       deps.Engine,
		Hub:          deps.Hub,
		TokenConfig:  deps.TokenConfig,
		Logger:       deps.Logger,
		AlertLimiter: deps.AlertLimiter,
	})
	r.GET("/v1/live", gin.WrapH(live))

	return r
}
