package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ConnectionCounter interface {
	Count() int
}

type HealthHandler struct {
	Store       Pinger
	Connections ConnectionCounter
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := gin.H{"ok": true, "database": "ok"}
	if h.Connections != nil {
		resp["connections"] = h.Connections.Count()
	}
	if err := h.Store.Ping(ctx); err != nil {
		resp["ok"] = false
		resp["database"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
