package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"kiosk-hub/internal/admission"
	"kiosk-hub/internal/alert"
	"kiosk-hub/internal/auth"
	"kiosk-hub/internal/config"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/handler"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/middleware"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/redemption"
	"kiosk-hub/internal/store"
)

type Deps struct {
	Store       *store.Store
	Registry    *hub.Registry
	Fleet       *fleet.Service
	Pipeline    *admission.Pipeline
	Queue       *redemption.Queue
	Alerts      *alert.Engine
	Notifier    notify.Dispatcher
	Socket      http.Handler
	TokenConfig auth.TokenConfig
	HTTP        config.HTTPConfig
	Logger      *slog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logs.Discard()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))

	healthHandler := &handler.HealthHandler{Store: deps.Store, Connections: deps.Registry}
	r.GET("/health", healthHandler.Check)

	if deps.Socket != nil {
		r.GET("/socket.io/", gin.WrapH(deps.Socket))
	}

	api := r.Group("/api")
	if deps.HTTP.RateLimitPerSec > 0 {
		limiter := middleware.NewRateLimiter(rate.Limit(deps.HTTP.RateLimitPerSec), deps.HTTP.RateLimitBurst)
		api.Use(middleware.RateLimitMiddleware(limiter))
	}

	machineHandler := &handler.MachineHandler{Pipeline: deps.Pipeline, Fleet: deps.Fleet, Queue: deps.Queue}
	kiosk := api.Group("")
	kiosk.Use(middleware.RequireMachine(deps.Fleet))
	kiosk.POST("/rfid/verify", machineHandler.VerifyTag)
	kiosk.POST("/transaction/submit", machineHandler.Submit)
	kiosk.POST("/machine/heartbeat", machineHandler.Heartbeat)
	kiosk.GET("/redemption/pending", machineHandler.PendingRedemptions)
	kiosk.POST("/redemption/dispense", machineHandler.Dispense)

	accountHandler := &handler.AccountHandler{Store: deps.Store, Pipeline: deps.Pipeline, Queue: deps.Queue}
	redemptionHandler := &handler.RedemptionHandler{Queue: deps.Queue}
	pushHandler := &handler.PushSubscriptionHandler{Store: deps.Store}

	protected := api.Group("")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/me", accountHandler.Profile)
	protected.PUT("/me/rfid", accountHandler.BindTag)
	protected.GET("/me/transactions", accountHandler.Transactions)
	protected.GET("/me/redemptions", accountHandler.Redemptions)
	protected.PUT("/me/push-subscription", pushHandler.Register)
	protected.DELETE("/me/push-subscription", pushHandler.Delete)
	protected.GET("/rewards", redemptionHandler.Rewards)
	protected.POST("/redemption/request", redemptionHandler.Request)

	cacheTTL := time.Duration(deps.HTTP.CacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	machinesCache := middleware.NewResponseCache(cacheTTL)
	adminHandler := &handler.AdminHandler{
		Store:    deps.Store,
		Fleet:    deps.Fleet,
		Alerts:   deps.Alerts,
		Notifier: deps.Notifier,
		Cache:    machinesCache,
		Logger:   logger,
	}

	admin := protected.Group("/admin")
	admin.Use(middleware.RequireRole(auth.RoleAdmin))
	admin.GET("/machines", machinesCache.Middleware(), adminHandler.Machines)
	admin.POST("/machines", adminHandler.ProvisionMachine)
	admin.GET("/alerts", adminHandler.ListAlerts)
	admin.POST("/alerts/:id/dismiss", adminHandler.DismissAlert)
	admin.POST("/alerts/:id/resolve", adminHandler.ResolveAlert)
	admin.POST("/users/:id/points", adminHandler.AdjustPoints)

	return r
}
