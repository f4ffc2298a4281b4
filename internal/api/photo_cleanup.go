package api

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"

	"mbtiQuiz/internal/tasks"
)

// photoStorage 是处理器依赖的对象存储能力，*storage.Client 满足该接口。
type photoStorage interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
	DeleteObject(ctx context.Context, objectKey string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PublicURL(objectKey string) string
	ObjectKeyFromURL(rawURL string) (string, bool)
}

// taskEnqueuer 由 *asynq.Client 实现。
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

const cleanupFallbackTimeout = 10 * time.Second

// photoCleaner 把旧头像清理交给队列，入队失败时同步尽力删除。
type photoCleaner struct {
	queue   taskEnqueuer
	storage photoStorage
}

func (p photoCleaner) deleteObject(ctx context.Context, logger *slog.Logger, userID uint, objectKey, correlationID string) {
	if objectKey == "" {
		return
	}
	log := logger.With(slog.String("object_key", objectKey))

	if p.queue != nil {
		task, err := tasks.NewPhotoDeleteTask(userID, objectKey, correlationID)
		if err == nil {
			var taskID string
			if taskID, err = p.enqueue(ctx, task); err == nil {
				log.Info("photo delete task enqueued", slog.String("task_id", taskID))
				return
			}
		}
		log.Warn("enqueue photo delete failed, deleting inline", slog.Any("error", err))
	}

	// 请求可能已结束，兜底删除不沿用请求的取消信号。
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupFallbackTimeout)
	defer cancel()
	if err := p.storage.DeleteObject(cleanupCtx, objectKey); err != nil {
		log.Error("inline photo delete failed", slog.Any("error", err))
	}
}

func (p photoCleaner) purgePrefix(ctx context.Context, logger *slog.Logger, userID uint, prefix, correlationID string) {
	log := logger.With(slog.String("prefix", prefix))

	if p.queue != nil {
		task, err := tasks.NewPhotoPurgeTask(userID, prefix, correlationID)
		if err == nil {
			var taskID string
			if taskID, err = p.enqueue(ctx, task); err == nil {
				log.Info("photo purge task enqueued", slog.String("task_id", taskID))
				return
			}
		}
		log.Warn("enqueue photo purge failed, purging inline", slog.Any("error", err))
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupFallbackTimeout)
	defer cancel()
	if err := p.storage.DeletePrefix(cleanupCtx, prefix); err != nil {
		log.Error("inline photo purge failed", slog.Any("error", err))
	}
}

func (p photoCleaner) enqueue(ctx context.Context, task *asynq.Task) (string, error) {
	info, err := p.queue.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}
