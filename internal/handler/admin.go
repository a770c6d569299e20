package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/alert"
	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/middleware"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/store"
)

// AdminHandler serves the dashboard. Routes run behind RequireRole(admin).
type AdminHandler struct {
	Store    *store.Store
	Fleet    *fleet.Service
	Alerts   *alert.Engine
	Notifier notify.Dispatcher
	// Cache holds GET /admin/machines; provisioning flushes it.
	Cache  *middleware.ResponseCache
	Logger *slog.Logger
}

func (h *AdminHandler) Machines(c *gin.Context) {
	machines, err := h.Fleet.List(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "machines": machines})
}

func (h *AdminHandler) ProvisionMachine(c *gin.Context) {
	var body fleet.ProvisionInput
	if !bindJSON(c, &body) {
		return
	}
	view, err := h.Fleet.Provision(c.Request.Context(), body)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Flush()
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "machine": view})
}

func (h *AdminHandler) ListAlerts(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	alerts, err := h.Alerts.List(c.Request.Context(), store.AlertFilter{
		MachineID: c.Query("machineId"),
		State:     c.Query("state"),
		Limit:     limit,
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alerts": alerts})
}

func (h *AdminHandler) DismissAlert(c *gin.Context) {
	adminID, ok := requireUser(c)
	if !ok {
		return
	}
	a, err := h.Alerts.Dismiss(c.Request.Context(), c.Param("id"), adminID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alert": a})
}

func (h *AdminHandler) ResolveAlert(c *gin.Context) {
	adminID, ok := requireUser(c)
	if !ok {
		return
	}
	a, err := h.Alerts.Resolve(c.Request.Context(), c.Param("id"), adminID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alert": a})
}

type adjustPointsBody struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// AdjustPoints applies a manual correction. The balance never goes below zero.
func (h *AdminHandler) AdjustPoints(c *gin.Context) {
	adminID, ok := requireUser(c)
	if !ok {
		return
	}
	var body adjustPointsBody
	if !bindJSON(c, &body) {
		return
	}
	if body.Delta == 0 {
		middleware.AbortWithError(c, apperr.ErrInvalidInput.WithMessage("delta must not be zero"))
		return
	}

	userID := c.Param("id")
	balance, err := h.Store.AdjustPoints(c.Request.Context(), userID, body.Delta, time.Now().UTC())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("points adjusted",
			slog.String("user_id", userID), slog.String("admin_id", adminID),
			slog.Int64("delta", body.Delta), slog.Int64("balance", balance), slog.String("reason", body.Reason))
	}
	if h.Notifier != nil {
		h.Notifier.Dispatch(notify.Job{
			Rooms:   []string{hub.UserRoom(userID)},
			Event:   notify.EventBalanceUpdated,
			Payload: gin.H{"userId": userID, "balance": balance, "delta": body.Delta},
			UserID:  userID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": userID, "newBalance": balance})
}
