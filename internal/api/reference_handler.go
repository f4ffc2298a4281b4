package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mbtiQuiz/internal/database"
	"mbtiQuiz/internal/predict"
)

// ReferenceHandler 提供只读的问卷与人格类型数据。
type ReferenceHandler struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewReferenceHandler(db *gorm.DB, logger *slog.Logger) *ReferenceHandler {
	return &ReferenceHandler{db: db, logger: logger}
}

type questionResponse struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

type personalityResponse struct {
	MBTI        string         `json:"mbti"`
	Nickname    string         `json:"nickname"`
	Description string         `json:"description"`
	Jobs        datatypes.JSON `json:"jobs"`
}

func toPersonalityResponse(p database.Personality) personalityResponse {
	return personalityResponse{
		MBTI:        p.MBTI,
		Nickname:    p.Nickname,
		Description: p.Description,
		Jobs:        p.Jobs,
	}
}

// Questions 按题号顺序返回全部题目，题号与模型输入下标一致。
func (h *ReferenceHandler) Questions(c *gin.Context) {
	questions, err := listQuestions(c.Request.Context(), h.db)
	if err != nil {
		loggerFromContext(c, h.logger).Error("list questions failed", slog.Any("error", err))
		Internal(c)
		return
	}
	Success(c, http.StatusOK, "success", gin.H{"data": questions})
}

// Personalities 返回 16 种类型的说明。
func (h *ReferenceHandler) Personalities(c *gin.Context) {
	var rows []database.Personality
	if err := h.db.WithContext(c.Request.Context()).Order("mbti ASC").Find(&rows).Error; err != nil {
		loggerFromContext(c, h.logger).Error("list personalities failed", slog.Any("error", err))
		Internal(c)
		return
	}

	items := make([]personalityResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, toPersonalityResponse(row))
	}
	Success(c, http.StatusOK, "success", gin.H{"data": items})
}

// Personality 返回单个类型，未知类型返回 404。
func (h *ReferenceHandler) Personality(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("mbti")))
	if !predict.IsLabel(code) {
		NotFound(c, "personality not found")
		return
	}

	personality, err := findPersonality(c.Request.Context(), h.db, code)
	if err != nil {
		loggerFromContext(c, h.logger).Error("load personality failed", slog.Any("error", err))
		Internal(c)
		return
	}
	if personality == nil {
		NotFound(c, "personality not found")
		return
	}
	Success(c, http.StatusOK, "success", gin.H{"data": personality})
}

func listQuestions(ctx context.Context, db *gorm.DB) ([]questionResponse, error) {
	var rows []database.Question
	if err := db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]questionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, questionResponse{Position: row.Position, Text: row.Text})
	}
	return out, nil
}

// findPersonality 查不到时返回 nil, nil。
func findPersonality(ctx context.Context, db *gorm.DB, code string) (*personalityResponse, error) {
	var row database.Personality
	err := db.WithContext(ctx).Where("mbti = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp := toPersonalityResponse(row)
	return &resp, nil
}
