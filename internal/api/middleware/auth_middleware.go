package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mbtiQuiz/internal/auth"
)

// 上下文键，处理函数通过它们读取当前身份。
const (
	UserIDKey      = "userID"
	EmailKey       = "email"
	TokenIDKey     = "tokenID"
	TokenExpiryKey = "tokenExpiry"
)

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": msg})
}

// AuthMiddleware 校验 Bearer 令牌并将身份信息注入上下文。
// revocations 为 nil 时不检查注销状态。
func AuthMiddleware(authService *auth.AuthService, revocations auth.RevocationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			abortUnauthorized(c, "missing token")
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortUnauthorized(c, "invalid token")
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		if revocations != nil {
			revoked, err := revocations.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				LoggerFromContext(c).Error("check token revocation failed", slog.Any("error", err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": true, "message": "internal server error"})
				return
			}
			if revoked {
				abortUnauthorized(c, "invalid token")
				return
			}
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(EmailKey, claims.Email)
		c.Set(TokenIDKey, claims.ID)
		if claims.ExpiresAt != nil {
			c.Set(TokenExpiryKey, claims.ExpiresAt.Time)
		}
		c.Next()
	}
}
