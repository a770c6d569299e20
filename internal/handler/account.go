package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/admission"
	"kiosk-hub/internal/middleware"
	"kiosk-hub/internal/redemption"
	"kiosk-hub/internal/store"
	"kiosk-hub/internal/validate"
)

// AccountHandler serves the signed-in user's own data.
type AccountHandler struct {
	Store    *store.Store
	Pipeline *admission.Pipeline
	Queue    *redemption.Queue
}

// Profile returns the user, creating the record on first sight of a verified identity.
func (h *AccountHandler) Profile(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	user, err := h.Store.EnsureUser(c.Request.Context(), userID, middleware.UserNameFromContext(c), time.Now().UTC())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

type bindTagBody struct {
	RFIDTag string `json:"rfidTag"`
}

func (h *AccountHandler) BindTag(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body bindTagBody
	if !bindJSON(c, &body) {
		return
	}
	if err := validate.Tag(body.RFIDTag); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()
	if _, err := h.Store.EnsureUser(ctx, userID, middleware.UserNameFromContext(c), now); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	user, err := h.Store.BindTag(ctx, userID, body.RFIDTag, now)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *AccountHandler) Transactions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	txs, err := h.Pipeline.History(c.Request.Context(), userID, limit)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transactions": txs})
}

func (h *AccountHandler) Redemptions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := h.Queue.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "redemptions": list})
}
