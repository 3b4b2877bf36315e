package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader carries the client supplied request key
	IdempotencyHeader = "Idempotency-Key"
	// IdempotencyReplayedHeader marks a response served from the cache
	IdempotencyReplayedHeader = "Idempotent-Replayed"

	idempotencyTTL     = 24 * time.Hour
	idempotencyLockTTL = time.Minute
	idempotencyPrefix  = "settlement:idempotency:"
)

type cachedResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	Headers    http.Header     `json:"headers"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of a POST that carries an
// Idempotency-Key already seen from the same caller. Server errors are not
// stored so the caller can retry them. Redis failures degrade to normal handling.
func Idempotency(client redis.Cmdable) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if c.Request.Method != http.MethodPost || key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		callerID, _ := GetCaller(c)
		cacheKey := idempotencyPrefix + callerID + ":" + c.Request.URL.Path + ":" + key
		lockKey := cacheKey + ":lock"

		cached, err := getCachedResponse(ctx, client, cacheKey)
		if err != nil && err != redis.Nil {
			logger.WithContext(ctx).Warn("idempotency lookup failed", zap.Error(err))
			c.Next()
			return
		}
		if cached != nil {
			for k, values := range cached.Headers {
				for _, v := range values {
					c.Header(k, v)
				}
			}
			c.Header(IdempotencyReplayedHeader, "true")
			c.Data(cached.StatusCode, "application/json", cached.Body)
			c.Abort()
			return
		}

		acquired, err := client.SetNX(ctx, lockKey, "1", idempotencyLockTTL).Result()
		if err != nil {
			logger.WithContext(ctx).Warn("idempotency lock failed", zap.Error(err))
			c.Next()
			return
		}
		if !acquired {
			common.AppErrorResponse(c, common.NewConflictError("a request with this idempotency key is in progress", nil))
			c.Abort()
			return
		}
		defer client.Del(context.WithoutCancel(ctx), lockKey)

		w := &bodyRecorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w

		c.Next()

		status := w.Status()
		if status >= http.StatusOK && status < http.StatusInternalServerError {
			response := &cachedResponse{
				StatusCode: status,
				Body:       w.body.Bytes(),
				Headers:    responseHeaders(w),
			}
			if err := setCachedResponse(context.WithoutCancel(ctx), client, cacheKey, response); err != nil {
				logger.WithContext(ctx).Warn("idempotency store failed", zap.Error(err))
			}
		}
	}
}

func getCachedResponse(ctx context.Context, client redis.Cmdable, key string) (*cachedResponse, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func setCachedResponse(ctx context.Context, client redis.Cmdable, key string, response *cachedResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, string(data), idempotencyTTL).Err()
}

func responseHeaders(w gin.ResponseWriter) http.Header {
	headers := make(http.Header)
	if ct := w.Header().Get("Content-Type"); ct != "" {
		headers.Set("Content-Type", ct)
	}
	return headers
}
