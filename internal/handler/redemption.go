package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/middleware"
	"kiosk-hub/internal/redemption"
)

type RedemptionHandler struct {
	Queue *redemption.Queue
}

func (h *RedemptionHandler) Rewards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "rewards": h.Queue.Rewards()})
}

func (h *RedemptionHandler) Request(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body redemption.Request
	if !bindJSON(c, &body) {
		return
	}

	r, balance, err := h.Queue.Submit(c.Request.Context(), userID, body)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "redemption": r, "newBalance": balance})
}
