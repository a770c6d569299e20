package middleware

import (
	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/apperr"
)

// AbortWithError writes the error envelope used by every route and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	e := apperr.From(err)
	c.AbortWithStatusJSON(e.HTTPStatus(), gin.H{"success": false, "error": e.Message, "code": e.Code})
}
