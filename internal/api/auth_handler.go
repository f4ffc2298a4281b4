package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"mbtiQuiz/internal/auth"
)

const (
	loginRateKeyPrefix = "rate:login:"
	loginFailKeyPrefix = "lock:login:fail:"
	loginLockKeyPrefix = "lock:login:"
)

// LoginLimits 控制登录限流与失败锁定，零值表示不限制。
type LoginLimits struct {
	RatePerHour   int
	LockThreshold int
	LockTTL       time.Duration
}

// AuthHandler 处理注册、登录、退出与修改密码。
type AuthHandler struct {
	store       *UserStore
	authService *auth.AuthService
	revocations auth.RevocationStore
	redis       redis.UniversalClient
	limits      LoginLimits
	logger      *slog.Logger
}

// NewAuthHandler 构造认证处理器。redisClient 为 nil 时关闭登录限流。
func NewAuthHandler(store *UserStore, authService *auth.AuthService, revocations auth.RevocationStore, redisClient redis.UniversalClient, limits LoginLimits, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		store:       store,
		authService: authService,
		revocations: revocations,
		redis:       redisClient,
		limits:      limits,
		logger:      logger,
	}
}

type registerRequest struct {
	FrontName string `form:"frontName" json:"frontName" binding:"max=50"`
	LastName  string `form:"lastName" json:"lastName" binding:"max=50"`
	Email     string `form:"email" json:"email" binding:"required,email,max=100"`
	Password  string `form:"password" json:"password" binding:"required,max=72"`
}

// Register 创建新用户，用户名由服务端生成。
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		if strings.TrimSpace(req.Email) == "" || req.Password == "" {
			BadRequest(c, "email and password are required")
			return
		}
		BadRequest(c, err.Error())
		return
	}

	logger := loggerFromContext(c, h.logger)

	hashed, err := h.authService.HashPassword(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			BadRequest(c, err.Error())
			return
		}
		logger.Error("hash password failed", slog.Any("error", err))
		Internal(c)
		return
	}

	user, err := h.store.Create(c.Request.Context(), NewUser{
		FrontName:    req.FrontName,
		LastName:     req.LastName,
		Email:        req.Email,
		PasswordHash: hashed,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailTaken):
			logger.Info("register conflict: email already registered")
			Conflict(c, "email already registered")
		case errors.Is(err, ErrUsernameTaken):
			logger.Warn("register conflict: generated username collided")
			Conflict(c, "please try again")
		default:
			logger.Error("create user failed", slog.Any("error", err))
			Internal(c)
		}
		return
	}

	logger.Info("user registered", slog.Uint64("user_id", uint64(user.ID)))
	Success(c, http.StatusCreated, "registration successful", gin.H{"username": user.Username})
}

type loginRequest struct {
	Email    string `form:"email" json:"email" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

type loginResult struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// Login 校验邮箱与密码并签发访问令牌。
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		BadRequest(c, "email and password are required")
		return
	}

	ctx := c.Request.Context()
	email := normalizeEmail(req.Email)
	logger := loggerFromContext(c, h.logger)

	if h.redis != nil {
		// 限流按 IP+邮箱 每小时计数。
		if h.limits.RatePerHour > 0 {
			rateKey := loginRateKeyPrefix + c.ClientIP() + ":" + email + ":" + time.Now().UTC().Format("2006010215")
			count, err := incrWithTTL(ctx, h.redis, rateKey, time.Hour)
			if err != nil {
				logger.Warn("login rate counter unavailable", slog.Any("error", err))
			} else if count > int64(h.limits.RatePerHour) {
				TooManyRequests(c, "too many login attempts")
				return
			}
		}
		if ttl, _ := h.redis.TTL(ctx, loginLockKeyPrefix+email).Result(); ttl > 0 {
			TooManyRequests(c, "account temporarily locked")
			return
		}
	}

	user, err := h.store.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		logger.Error("login query failed", slog.Any("error", err))
		Internal(c)
		return
	}
	if user == nil || !h.authService.CheckPasswordHash(req.Password, user.PasswordHash) {
		logger.Info("login failed: bad credentials")
		h.recordLoginFailure(ctx, logger, email)
		Unauthorized(c, "invalid email or password")
		return
	}

	if h.redis != nil {
		_ = h.redis.Del(ctx, loginFailKeyPrefix+email).Err()
	}

	issued, err := h.authService.IssueToken(user.ID, user.Email)
	if err != nil {
		logger.Error("issue token failed", slog.Any("error", err))
		Internal(c)
		return
	}

	logger.Info("user logged in", slog.Uint64("user_id", uint64(user.ID)))
	Success(c, http.StatusOK, "success", gin.H{
		"loginResult": loginResult{
			Username:  user.Username,
			Email:     user.Email,
			Name:      user.FullName(),
			Token:     issued.Token,
			ExpiresIn: int(h.authService.TokenTTL().Seconds()),
		},
	})
}

// Logout 注销当前令牌，直到其自然过期。
func (h *AuthHandler) Logout(c *gin.Context) {
	tokenID, expiresAt, ok := tokenFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	if h.revocations == nil {
		Success(c, http.StatusOK, "logged out", nil)
		return
	}

	if err := h.revocations.Revoke(c.Request.Context(), tokenID, expiresAt); err != nil {
		loggerFromContext(c, h.logger).Error("revoke token failed", slog.Any("error", err))
		Internal(c)
		return
	}
	Success(c, http.StatusOK, "logged out", nil)
}

type changePasswordRequest struct {
	CurrentPassword string `form:"currentPassword" json:"currentPassword" binding:"required"`
	NewPassword     string `form:"newPassword" json:"newPassword" binding:"required,max=72"`
}

// ChangePassword 校验当前密码后写入新密码，旧令牌随即失效并返回新令牌。
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var req changePasswordRequest
	if err := c.ShouldBind(&req); err != nil {
		BadRequest(c, "currentPassword and newPassword are required")
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger).With(slog.Uint64("user_id", uint64(userID)))

	user, err := h.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			AbortUnauthorized(c)
			return
		}
		logger.Error("change password: load user failed", slog.Any("error", err))
		Internal(c)
		return
	}

	if !h.authService.CheckPasswordHash(req.CurrentPassword, user.PasswordHash) {
		logger.Info("change password: current password mismatch")
		Unauthorized(c, "current password is incorrect")
		return
	}
	if req.NewPassword == req.CurrentPassword {
		BadRequest(c, "new password must be different from current password")
		return
	}

	hashed, err := h.authService.HashPassword(req.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			BadRequest(c, err.Error())
			return
		}
		logger.Error("change password: hash failed", slog.Any("error", err))
		Internal(c)
		return
	}
	if err := h.store.UpdatePasswordHash(ctx, user.ID, hashed); err != nil {
		logger.Error("change password: update failed", slog.Any("error", err))
		Internal(c)
		return
	}

	if tokenID, expiresAt, ok := tokenFromContext(c); ok && h.revocations != nil {
		if err := h.revocations.Revoke(ctx, tokenID, expiresAt); err != nil {
			logger.Error("change password: revoke old token failed", slog.Any("error", err))
		}
	}

	issued, err := h.authService.IssueToken(user.ID, user.Email)
	if err != nil {
		logger.Error("change password: issue token failed", slog.Any("error", err))
		Internal(c)
		return
	}

	logger.Info("password changed")
	Success(c, http.StatusOK, "password updated", gin.H{
		"token":     issued.Token,
		"expiresIn": int(h.authService.TokenTTL().Seconds()),
	})
}

func (h *AuthHandler) recordLoginFailure(ctx context.Context, logger *slog.Logger, email string) {
	if h.redis == nil || h.limits.LockThreshold <= 0 || h.limits.LockTTL <= 0 || email == "" {
		return
	}
	count, err := incrWithTTL(ctx, h.redis, loginFailKeyPrefix+email, h.limits.LockTTL)
	if err != nil {
		logger.Warn("record login failure failed", slog.Any("error", err))
		return
	}
	if count >= int64(h.limits.LockThreshold) {
		_ = h.redis.Set(ctx, loginLockKeyPrefix+email, "1", h.limits.LockTTL).Err()
	}
}
