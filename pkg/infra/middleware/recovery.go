package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
	"github.com/kart-io/sentinel-kb/pkg/utils/response"
)

// PanicHandler 在 panic 被恢复后调用，可用于告警。
type PanicHandler func(c *gin.Context, err any, stack []byte)

// Recovery 恢复 handler 中的 panic，记录完整堆栈并返回 ErrPanic。堆栈不会返回给客户端。
func Recovery(onPanic PanicHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := debug.Stack()
			logger.Errorw("panic recovered",
				"panic", r,
				"stack_trace", string(stack),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"request_id", c.GetString(response.RequestIDKey),
			)
			if onPanic != nil {
				onPanic(c, r, stack)
			}
			if !c.Writer.Written() {
				response.Fail(c, errors.ErrPanic)
			}
			c.Abort()
		}()
		c.Next()
	}
}
