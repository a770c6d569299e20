package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/middleware"
)

func bindJSON(c *gin.Context, body any) bool {
	if err := c.ShouldBindJSON(body); err != nil {
		middleware.AbortWithError(c, apperr.ErrInvalidInput.WithMessage("Invalid request"))
		return false
	}
	return true
}

// queryLimit reads ?limit=, returning 0 (the store default) when it is absent.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		middleware.AbortWithError(c, apperr.ErrInvalidInput.WithMessage("Invalid limit"))
		return 0, false
	}
	return n, true
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		middleware.AbortWithError(c, apperr.ErrUnauthorized.WithMessage("Invalid authentication token"))
	}
	return userID, ok
}

func requireMachine(c *gin.Context) (string, bool) {
	machineID, ok := middleware.MachineIDFromContext(c)
	if !ok {
		middleware.AbortWithError(c, apperr.ErrUnauthorized.WithMessage("Missing machine credentials"))
	}
	return machineID, ok
}

// sameMachine rejects a body machine id that disagrees with the authenticated one.
func sameMachine(c *gin.Context, authenticated, claimed string) bool {
	if claimed != "" && claimed != authenticated {
		middleware.AbortWithError(c, apperr.ErrForbidden.WithMessage("Machine id does not match credentials"))
		return false
	}
	return true
}
