package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/auth"
)

const (
	userIDContextKey    = "userID"
	userNameContextKey  = "userName"
	roleContextKey      = "role"
	machineIDContextKey = "machineID"

	HeaderMachineID     = "X-Machine-ID"
	HeaderMachineSecret = "X-Machine-Secret"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	return stringFromContext(c, userIDContextKey)
}

func RoleFromContext(c *gin.Context) (string, bool) {
	return stringFromContext(c, roleContextKey)
}

func UserNameFromContext(c *gin.Context) string {
	name, _ := stringFromContext(c, userNameContextKey)
	return name
}

func MachineIDFromContext(c *gin.Context) (string, bool) {
	return stringFromContext(c, machineIDContextKey)
}

func stringFromContext(c *gin.Context, key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	value, ok := v.(string)
	return value, ok && value != ""
}

var errInvalidToken = apperr.ErrUnauthorized.WithMessage("Invalid authentication token")

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, errInvalidToken)
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			AbortWithError(c, errInvalidToken)
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(userNameContextKey, claims.Name)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if got, _ := RoleFromContext(c); got != role {
			AbortWithError(c, apperr.ErrForbidden.WithMessage("Requires "+role+" role"))
			return
		}
		c.Next()
	}
}

type MachineAuthenticator interface {
	Authenticate(ctx context.Context, machineID, secret string) error
}

// RequireMachine authenticates kiosk calls from the machine id and secret headers.
// Requests missing either header are rejected before the authenticator is consulted.
func RequireMachine(authenticator MachineAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := strings.TrimSpace(c.GetHeader(HeaderMachineID))
		secret := c.GetHeader(HeaderMachineSecret)
		if machineID == "" || secret == "" {
			AbortWithError(c, apperr.ErrUnauthorized.WithMessage("Missing machine credentials"))
			return
		}
		if err := authenticator.Authenticate(c.Request.Context(), machineID, secret); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(machineIDContextKey, machineID)
		c.Next()
	}
}
