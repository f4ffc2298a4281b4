package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mbtiQuiz/internal/api/middleware"
	"mbtiQuiz/internal/metrics"
	"mbtiQuiz/internal/notify"
	"mbtiQuiz/internal/predict"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// labelPredictor 由 *predict.Predictor 实现。
type labelPredictor interface {
	Predict(ctx context.Context, input []float64) (predict.Result, error)
}

// PredictHandler 调用分类器并保存测试结果。
type PredictHandler struct {
	store     *UserStore
	db        *gorm.DB
	predictor labelPredictor
	publisher notify.Publisher
	logger    *slog.Logger
}

func NewPredictHandler(store *UserStore, db *gorm.DB, predictor labelPredictor, publisher notify.Publisher, logger *slog.Logger) *PredictHandler {
	return &PredictHandler{
		store:     store,
		db:        db,
		predictor: predictor,
		publisher: publisher,
		logger:    logger,
	}
}

type predictRequest struct {
	Input []float64 `json:"input" binding:"required"`
}

// Predict 接收 60 个答案分数，返回并保存 MBTI 类型。
func (h *PredictHandler) Predict(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "input must be an array of numbers")
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger).With(slog.Uint64("user_id", uint64(userID)))

	start := time.Now()
	result, err := h.predictor.Predict(ctx, req.Input)
	if err != nil {
		switch {
		case errors.Is(err, predict.ErrInvalidInputLength), errors.Is(err, predict.ErrInvalidInputValue):
			BadRequest(c, err.Error())
		default:
			metrics.ObservePredictionFailure()
			logger.Error("prediction failed", slog.Any("error", err))
			Internal(c)
		}
		return
	}
	metrics.ObservePrediction(result.Label, time.Since(start))

	if _, err := h.store.SavePrediction(ctx, userID, result.Label, req.Input, result.Scores); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			AbortUnauthorized(c)
			return
		}
		logger.Error("save prediction failed", slog.Any("error", err))
		Internal(c)
		return
	}

	personality, err := findPersonality(ctx, h.db, result.Label)
	if err != nil {
		// 结果已保存，说明缺失不影响返回。
		logger.Warn("load personality failed", slog.Any("error", err))
	}

	if h.publisher != nil {
		msg := notify.Message{
			Type:          notify.TypeMBTIAssigned,
			UserID:        userID,
			CorrelationID: middleware.GetCorrelationID(c),
			MBTI:          result.Label,
		}
		if err := h.publisher.Publish(ctx, msg); err != nil {
			logger.Warn("publish mbti notification failed", slog.Any("error", err))
		}
	}

	logger.Info("prediction saved", slog.String("mbti", result.Label))
	Success(c, http.StatusOK, "success", gin.H{"data": gin.H{
		"mbti":        result.Label,
		"scores":      result.Scores,
		"personality": personality,
	}})
}

type predictionResponse struct {
	ID        uint            `json:"id"`
	MBTI      string          `json:"mbti"`
	Scores    json.RawMessage `json:"scores"`
	CreatedAt time.Time       `json:"createdAt"`
}

// History 返回当前用户的测试历史，最新的在前。
func (h *PredictHandler) History(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := h.store.ListPredictions(c.Request.Context(), userID, limit)
	if err != nil {
		loggerFromContext(c, h.logger).Error("list predictions failed", slog.Any("error", err))
		Internal(c)
		return
	}

	items := make([]predictionResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, predictionResponse{
			ID:        row.ID,
			MBTI:      row.MBTI,
			Scores:    json.RawMessage(row.Scores),
			CreatedAt: row.CreatedAt,
		})
	}
	Success(c, http.StatusOK, "success", gin.H{"data": items})
}
