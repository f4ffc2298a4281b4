package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"mbtiQuiz/internal/api/middleware"
)

func userIDFromContext(c *gin.Context) (uint, bool) {
	value, exists := c.Get(middleware.UserIDKey)
	if !exists {
		return 0, false
	}

	switch v := value.(type) {
	case uint:
		return v, v != 0
	case int:
		if v <= 0 {
			return 0, false
		}
		return uint(v), true
	case uint64:
		return uint(v), v != 0
	default:
		return 0, false
	}
}

// tokenFromContext 返回当前令牌的 jti 与过期时间，用于注销。
func tokenFromContext(c *gin.Context) (string, time.Time, bool) {
	id := c.GetString(middleware.TokenIDKey)
	expiry := c.GetTime(middleware.TokenExpiryKey)
	if id == "" || expiry.IsZero() {
		return "", time.Time{}, false
	}
	return id, expiry, true
}

func loggerFromContext(c *gin.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := middleware.RequestLogger(c); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
