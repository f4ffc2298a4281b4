package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"mbtiQuiz/internal/errcode"
	"mbtiQuiz/internal/notify"
	"mbtiQuiz/internal/storage"
	"mbtiQuiz/internal/tasks"
)

type objectRemover interface {
	DeleteObject(ctx context.Context, objectKey string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// PhotoCleanupHandler 负责消费头像清理任务。
type PhotoCleanupHandler struct {
	storage   objectRemover
	publisher notify.Publisher
	logger    *slog.Logger
}

// NewPhotoCleanupHandler 创建任务处理器，publisher 可为 nil。
func NewPhotoCleanupHandler(storage objectRemover, publisher notify.Publisher, logger *slog.Logger) *PhotoCleanupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhotoCleanupHandler{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
	}
}

// Register 把处理函数挂到 asynq 路由上。
func (h *PhotoCleanupHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypePhotoDelete, h.HandlePhotoDelete)
	mux.HandleFunc(tasks.TypePhotoPurge, h.HandlePhotoPurge)
}

// HandlePhotoDelete 删除被替换或被用户删除的旧头像。
func (h *PhotoCleanupHandler) HandlePhotoDelete(ctx context.Context, t *asynq.Task) error {
	var payload tasks.PhotoDeletePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("unmarshal photo delete payload failed", slog.Any("error", err))
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}

	log := h.logger.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("user_id", uint64(payload.UserID)),
		slog.String("object_key", payload.ObjectKey),
	)

	if strings.TrimSpace(payload.ObjectKey) == "" {
		log.Warn("photo delete task without object key, skipping")
		return nil
	}

	if err := h.storage.DeleteObject(ctx, payload.ObjectKey); err != nil {
		return h.fail(ctx, log, payload.UserID, payload.CorrelationID, err)
	}

	log.Info("old photo removed")
	return nil
}

// HandlePhotoPurge 清空已注销账号的全部头像。
func (h *PhotoCleanupHandler) HandlePhotoPurge(ctx context.Context, t *asynq.Task) error {
	var payload tasks.PhotoPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("unmarshal photo purge payload failed", slog.Any("error", err))
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}

	log := h.logger.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("user_id", uint64(payload.UserID)),
		slog.String("prefix", payload.Prefix),
	)

	// 空前缀会匹配整个 Bucket。
	if !strings.HasPrefix(payload.Prefix, storage.PhotoPrefixRoot) || strings.TrimSpace(payload.Prefix) == storage.PhotoPrefixRoot {
		log.Error("refusing to purge unexpected prefix")
		return fmt.Errorf("invalid prefix %q: %w", payload.Prefix, asynq.SkipRetry)
	}

	if err := h.storage.DeletePrefix(ctx, payload.Prefix); err != nil {
		return h.fail(ctx, log, payload.UserID, payload.CorrelationID, err)
	}

	log.Info("user photos purged")
	return nil
}

func (h *PhotoCleanupHandler) fail(ctx context.Context, log *slog.Logger, userID uint, correlationID string, err error) error {
	if storage.IsPermanent(err) {
		log.Error("photo cleanup failed permanently", slog.Any("error", err))
		h.notifyFailure(ctx, log, userID, correlationID, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log.Warn("photo cleanup failed, will retry", slog.Any("error", err))
	if isFinalAsynqAttempt(ctx) {
		h.notifyFailure(ctx, log, userID, correlationID, err)
	}
	return err
}

func (h *PhotoCleanupHandler) notifyFailure(ctx context.Context, log *slog.Logger, userID uint, correlationID string, cause error) {
	if h.publisher == nil || userID == 0 {
		return
	}
	msg := notify.Message{
		Type:          notify.TypePhotoCleanupFailed,
		UserID:        userID,
		CorrelationID: correlationID,
		ErrorCode:     failureCode(cause),
		ErrorMessage:  strings.TrimSpace(cause.Error()),
	}
	if err := h.publisher.Publish(ctx, msg); err != nil {
		log.Error("publish cleanup failure notification failed", slog.Any("error", err))
	}
}

// failureCode 把存储错误映射为通知中的错误码。
func failureCode(err error) int {
	switch {
	case storage.IsNoSuchBucket(err):
		return errcode.ResourceMissing
	case storage.IsPermanent(err):
		return errcode.CleanupFailed
	default:
		// 重试耗尽的临时错误。
		return errcode.SystemError
	}
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
