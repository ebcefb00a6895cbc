package middleware

import (
	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"
	"sealed-relay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler renders errors attached with c.Error when the handler did not
// write a response itself.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		if l != nil {
			l.Errorf("request error: %s", err.Error())
		}
		c.JSON(services.HTTPStatus(err), httpdto.NewErrorResponse(services.PublicMessage(err), services.ErrorCode(err)))
	}
}
