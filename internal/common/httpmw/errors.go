package httpmw

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/common/logger"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

const internalMessage = "An internal server error occurred"

// RespondError aborts the request with err rendered as a v1.ErrorResponse.
// Causes and non-AppErrors stay out of the body. They are attached to the
// gin context for the request logger and the request span.
func RespondError(c *gin.Context, err error) {
	_ = c.Error(err)

	body := v1.ErrorBody{Code: string(errors.CodeInternal), Message: internalMessage}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code != errors.CodeInternal {
		body = v1.ErrorBody{Code: string(appErr.Code), Message: appErr.Message, Field: appErr.Field}
	}
	c.AbortWithStatusJSON(errors.HTTPStatus(err), v1.ErrorResponse{Error: body})
}

// Recovery turns handler panics into a 500 response.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			log.WithContext(c.Request.Context()).Error("panic recovered",
				zap.Any("panic", p),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Stack("stack"))
			if !c.Writer.Written() {
				RespondError(c, errors.InternalError("panic", nil))
			}
		}()
		c.Next()
	}
}
