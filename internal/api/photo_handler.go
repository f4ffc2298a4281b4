package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"mbtiQuiz/internal/api/middleware"
	"mbtiQuiz/internal/notify"
	"mbtiQuiz/internal/storage"
)

const (
	photoFormField = "photo"
	// 表单边界与其它字段的余量。
	multipartOverhead = 64 << 10
)

// 允许的头像类型及其扩展名。
var allowedPhotoTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
}

// PhotoHandler 负责头像上传与删除。
type PhotoHandler struct {
	store     *UserStore
	storage   photoStorage
	cleaner   photoCleaner
	scanner   virusScanner
	publisher notify.Publisher
	maxBytes  int64
	logger    *slog.Logger
}

// NewPhotoHandler 构造头像处理器。scanner、queue、publisher 均可为 nil。
func NewPhotoHandler(store *UserStore, storageClient photoStorage, queue taskEnqueuer, scanner virusScanner, publisher notify.Publisher, maxBytes int64, logger *slog.Logger) *PhotoHandler {
	return &PhotoHandler{
		store:     store,
		storage:   storageClient,
		cleaner:   photoCleaner{queue: queue, storage: storageClient},
		scanner:   scanner,
		publisher: publisher,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// UploadPhoto 上传新头像并替换旧头像。
// 先写入新对象再按 update_counter 条件更新用户行，并发上传时只有一个会成功。
func (h *PhotoHandler) UploadPhoto(c *gin.Context) {
	user, ok := loadCurrentUser(c, h.store, h.logger)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger).With(slog.Uint64("user_id", uint64(user.ID)))

	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	}
	file, err := c.FormFile(photoFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(c, http.StatusRequestEntityTooLarge, "photo is too large")
			return
		}
		BadRequest(c, "missing photo")
		return
	}
	if file.Size <= 0 {
		BadRequest(c, "photo is empty")
		return
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		Error(c, http.StatusRequestEntityTooLarge, "photo is too large")
		return
	}
	if !declaredTypeAllowed(file.Header.Get("Content-Type")) {
		BadRequest(c, "only JPEG and PNG images are allowed")
		return
	}

	reader, err := file.Open()
	if err != nil {
		logger.Error("open uploaded photo failed", slog.Any("error", err))
		Internal(c)
		return
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		logger.Error("read uploaded photo failed", slog.Any("error", err))
		Internal(c)
		return
	}

	// 以文件内容判断类型，不信任扩展名。
	detected := mimetype.Detect(data)
	ext, allowed := allowedPhotoTypes[detected.String()]
	if !allowed {
		logger.Info("photo rejected", slog.String("detected_mime", detected.String()))
		BadRequest(c, "only JPEG and PNG images are allowed")
		return
	}

	if h.scanner != nil {
		if err := h.scanner.Scan(bytes.NewReader(data)); err != nil {
			if errors.Is(err, ErrInfected) {
				logger.Warn("malicious photo rejected", slog.Any("error", err))
				BadRequest(c, "malicious file detected")
				return
			}
			logger.Error("scan photo failed", slog.Any("error", err))
			Internal(c)
			return
		}
	}

	objectKey := storage.PhotoKey(user.Username, user.UpdateCounter+1, ext)
	if _, err := h.storage.UploadFile(ctx, objectKey, bytes.NewReader(data), int64(len(data)), detected.String()); err != nil {
		logger.Error("upload photo failed", slog.Any("error", err))
		Internal(c)
		return
	}
	photoURL := h.storage.PublicURL(objectKey)

	if err := h.store.ReplacePhoto(ctx, user.ID, user.UpdateCounter, photoURL); err != nil {
		h.discardUpload(ctx, logger, objectKey)
		if errors.Is(err, ErrPhotoConflict) {
			logger.Info("photo upload lost race with concurrent update")
			Conflict(c, "photo was updated concurrently, please retry")
			return
		}
		logger.Error("save photo url failed", slog.Any("error", err))
		Internal(c)
		return
	}

	correlationID := middleware.GetCorrelationID(c)
	if user.PhotoURL != nil {
		if oldKey, ok := h.storage.ObjectKeyFromURL(*user.PhotoURL); ok && oldKey != objectKey {
			h.cleaner.deleteObject(ctx, logger, user.ID, oldKey, correlationID)
		}
	}
	h.publish(ctx, logger, notify.Message{
		Type:          notify.TypePhotoUpdated,
		UserID:        user.ID,
		CorrelationID: correlationID,
		PhotoURL:      photoURL,
	})

	logger.Info("photo uploaded", slog.String("object_key", objectKey))
	Success(c, http.StatusOK, "photo uploaded", gin.H{"data": gin.H{"photoUrl": photoURL}})
}

// DeletePhoto 删除当前头像并清空用户行中的地址。
func (h *PhotoHandler) DeletePhoto(c *gin.Context) {
	user, ok := loadCurrentUser(c, h.store, h.logger)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger).With(slog.Uint64("user_id", uint64(user.ID)))

	if user.PhotoURL == nil || *user.PhotoURL == "" {
		NotFound(c, ErrNoPhoto.Error())
		return
	}

	if objectKey, ok := h.storage.ObjectKeyFromURL(*user.PhotoURL); ok {
		if err := h.storage.DeleteObject(ctx, objectKey); err != nil {
			logger.Error("delete photo object failed", slog.String("object_key", objectKey), slog.Any("error", err))
			Internal(c)
			return
		}
	} else {
		logger.Warn("stored photo url is not in bucket, clearing reference only", slog.String("photo_url", *user.PhotoURL))
	}

	if err := h.store.ClearPhoto(ctx, user.ID, *user.PhotoURL); err != nil {
		if errors.Is(err, ErrPhotoConflict) {
			Conflict(c, "photo was updated concurrently, please retry")
			return
		}
		logger.Error("clear photo url failed", slog.Any("error", err))
		Internal(c)
		return
	}

	h.publish(ctx, logger, notify.Message{
		Type:          notify.TypePhotoDeleted,
		UserID:        user.ID,
		CorrelationID: middleware.GetCorrelationID(c),
	})

	logger.Info("photo deleted")
	Success(c, http.StatusOK, "photo deleted", nil)
}

func (h *PhotoHandler) discardUpload(ctx context.Context, logger *slog.Logger, objectKey string) {
	if err := h.storage.DeleteObject(context.WithoutCancel(ctx), objectKey); err != nil {
		logger.Error("discard uploaded photo failed", slog.String("object_key", objectKey), slog.Any("error", err))
	}
}

func (h *PhotoHandler) publish(ctx context.Context, logger *slog.Logger, msg notify.Message) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, msg); err != nil {
		logger.Warn("publish photo notification failed", slog.Any("error", err))
	}
}

// declaredTypeAllowed 校验客户端声明的 Content-Type，未声明时交给内容检测。
func declaredTypeAllowed(contentType string) bool {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg", "image/png":
		return true
	default:
		return false
	}
}
