package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mbtiQuiz/internal/api/middleware"
	"mbtiQuiz/internal/auth"
	"mbtiQuiz/internal/database"
	"mbtiQuiz/internal/storage"
)

// UserHandler 处理个人信息读取与注销账号。
type UserHandler struct {
	store       *UserStore
	db          *gorm.DB
	revocations auth.RevocationStore
	cleaner     photoCleaner
	logger      *slog.Logger
}

func NewUserHandler(store *UserStore, db *gorm.DB, revocations auth.RevocationStore, storageClient photoStorage, queue taskEnqueuer, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		store:       store,
		db:          db,
		revocations: revocations,
		cleaner:     photoCleaner{queue: queue, storage: storageClient},
		logger:      logger,
	}
}

type dashboardResponse struct {
	Username string  `json:"username"`
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	MBTI     *string `json:"mbti"`
	PhotoURL *string `json:"photoUrl"`
}

type profileResponse struct {
	Username    string               `json:"username"`
	FrontName   string               `json:"frontName"`
	LastName    string               `json:"lastName"`
	Email       string               `json:"email"`
	Status      string               `json:"status"`
	MBTI        *string              `json:"mbti"`
	PhotoURL    *string              `json:"photoUrl"`
	CreatedAt   time.Time            `json:"createdAt"`
	Personality *personalityResponse `json:"personality"`
}

// Dashboard 返回首页所需的精简信息。
func (h *UserHandler) Dashboard(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	Success(c, http.StatusOK, "success", gin.H{"data": dashboardResponse{
		Username: user.Username,
		Name:     user.FullName(),
		Email:    user.Email,
		MBTI:     user.MBTI,
		PhotoURL: user.PhotoURL,
	}})
}

// Profile 返回完整档案；已有测试结果时附带类型说明。
func (h *UserHandler) Profile(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	resp := profileResponse{
		Username:  user.Username,
		FrontName: user.FrontName,
		LastName:  user.LastName,
		Email:     user.Email,
		Status:    user.Status,
		MBTI:      user.MBTI,
		PhotoURL:  user.PhotoURL,
		CreatedAt: user.CreatedAt,
	}
	if user.MBTI != nil {
		personality, err := findPersonality(c.Request.Context(), h.db, *user.MBTI)
		if err != nil {
			loggerFromContext(c, h.logger).Error("load personality failed", slog.Any("error", err))
			Internal(c)
			return
		}
		resp.Personality = personality
	}
	Success(c, http.StatusOK, "success", gin.H{"data": resp})
}

// Survey 返回问卷题目以及当前用户是否已完成测试。
func (h *UserHandler) Survey(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	questions, err := listQuestions(c.Request.Context(), h.db)
	if err != nil {
		loggerFromContext(c, h.logger).Error("list questions failed", slog.Any("error", err))
		Internal(c)
		return
	}
	Success(c, http.StatusOK, "success", gin.H{"data": gin.H{
		"completed": user.MBTI != nil,
		"mbti":      user.MBTI,
		"questions": questions,
	}})
}

// DeleteUser 仅允许用户注销自己的账号。
func (h *UserHandler) DeleteUser(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger).With(slog.Uint64("user_id", uint64(user.ID)))

	if c.Param("username") != user.Username {
		logger.Warn("delete user rejected: username mismatch")
		Forbidden(c, "you are not allowed to delete this user")
		return
	}

	if err := h.store.Delete(ctx, user.ID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			NotFound(c, "user not found")
			return
		}
		logger.Error("delete user failed", slog.Any("error", err))
		Internal(c)
		return
	}

	if tokenID, expiresAt, ok := tokenFromContext(c); ok && h.revocations != nil {
		if err := h.revocations.Revoke(ctx, tokenID, expiresAt); err != nil {
			logger.Warn("revoke token after delete failed", slog.Any("error", err))
		}
	}
	h.cleaner.purgePrefix(ctx, logger, user.ID, storage.PhotoPrefix(user.Username), middleware.GetCorrelationID(c))

	logger.Info("user deleted")
	Success(c, http.StatusOK, "user deleted", nil)
}

// currentUser 加载令牌对应的用户；失败时已写出响应。
func (h *UserHandler) currentUser(c *gin.Context) (*database.User, bool) {
	return loadCurrentUser(c, h.store, h.logger)
}

func loadCurrentUser(c *gin.Context, store *UserStore, logger *slog.Logger) (*database.User, bool) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return nil, false
	}
	user, err := store.FindByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// 账号已注销但令牌尚未过期。
			AbortUnauthorized(c)
			return nil, false
		}
		loggerFromContext(c, logger).Error("load current user failed", slog.Any("error", err))
		Internal(c)
		return nil, false
	}
	return user, true
}
