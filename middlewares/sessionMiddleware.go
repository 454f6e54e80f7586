package middlewares

import (
	"net/http"
	"strconv"

	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// SessionMiddleware resolves the caller's identity from the gateway headers
// and puts it on the request context. Authentication itself happens upstream;
// requests arriving here without a business id are rejected.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.GetHeader("X-Business-Id")
		if businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "business id is required"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		ctx = utils.SetBusinessIdInContext(ctx, businessId)

		if v := c.GetHeader("X-User-Id"); v != "" {
			if userId, err := strconv.Atoi(v); err == nil {
				ctx = utils.SetUserIdInContext(ctx, userId)
			}
		}
		if v := c.GetHeader("X-User-Name"); v != "" {
			ctx = utils.SetUserNameInContext(ctx, v)
		}
		if v := c.GetHeader("X-Username"); v != "" {
			ctx = utils.SetUsernameInContext(ctx, v)
		}

		correlationId := c.GetHeader("X-Correlation-Id")
		if correlationId == "" {
			if span := trace.SpanFromContext(ctx); span.SpanContext().HasTraceID() {
				correlationId = span.SpanContext().TraceID().String()
			} else {
				correlationId = uuid.NewString()
			}
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Header("X-Correlation-Id", correlationId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
