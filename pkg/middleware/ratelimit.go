package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"github.com/richxcame/fare-settlement/pkg/ratelimit"
	"go.uber.org/zap"
)

// RateLimit throttles each authenticated caller per route. Unauthenticated
// requests are keyed by client IP. When Redis is unreachable the request passes.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		caller, _ := GetCaller(c)
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}

		rule := limiter.RuleFor(endpoint)
		result, err := limiter.Allow(c.Request.Context(), endpoint, caller, rule)
		if err != nil {
			logger.WithContext(c.Request.Context()).Warn("rate limit check failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			c.Next()
			return
		}

		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}

		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			common.AppErrorResponse(c, common.NewAppError(http.StatusTooManyRequests, "rate limit exceeded", nil).
				WithDetails(map[string]interface{}{"retry_after_seconds": retryAfter}))
			c.Abort()
			return
		}

		c.Next()
	}
}
