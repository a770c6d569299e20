package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/middleware"
	"kiosk-hub/internal/model"
	"kiosk-hub/internal/store"
)

type PushSubscriptionHandler struct {
	Store *store.Store
}

// pushSubscriptionBody mirrors the browser PushSubscription JSON.
type pushSubscriptionBody struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *PushSubscriptionHandler) Register(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body pushSubscriptionBody
	if !bindJSON(c, &body) {
		return
	}
	if body.Endpoint == "" || body.Keys.P256DH == "" || body.Keys.Auth == "" {
		middleware.AbortWithError(c, apperr.ErrInvalidInput.WithMessage("Invalid push subscription"))
		return
	}

	err := h.Store.SavePushSubscription(c.Request.Context(), &model.PushSubscription{
		Endpoint:  body.Endpoint,
		UserID:    userID,
		P256DH:    body.Keys.P256DH,
		Auth:      body.Keys.Auth,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PushSubscriptionHandler) Delete(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if !bindJSON(c, &body) {
		return
	}
	if body.Endpoint == "" {
		middleware.AbortWithError(c, apperr.ErrInvalidInput.WithMessage("Missing endpoint"))
		return
	}
	if err := h.Store.DeletePushSubscription(c.Request.Context(), userID, body.Endpoint); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
