package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypePhotoDelete = "photo:delete"
	TypePhotoPurge  = "photo:purge"
)

// PhotoDeletePayload 描述需要删除的单个头像对象。
type PhotoDeletePayload struct {
	UserID        uint   `json:"user_id"`
	ObjectKey     string `json:"object_key"`
	CorrelationID string `json:"correlation_id"`
}

// PhotoPurgePayload 描述注销账号后需要清空的头像前缀。
type PhotoPurgePayload struct {
	UserID        uint   `json:"user_id"`
	Prefix        string `json:"prefix"`
	CorrelationID string `json:"correlation_id"`
}

// NewPhotoDeleteTask 构造一个删除旧头像的任务。
func NewPhotoDeleteTask(userID uint, objectKey, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(PhotoDeletePayload{
		UserID:        userID,
		ObjectKey:     objectKey,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePhotoDelete, payload), nil
}

// NewPhotoPurgeTask 构造一个按前缀清空头像的任务。
func NewPhotoPurgeTask(userID uint, prefix, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(PhotoPurgePayload{
		UserID:        userID,
		Prefix:        prefix,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePhotoPurge, payload), nil
}
