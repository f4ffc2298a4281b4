package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 通知类型，字段名与前端解析保持一致。
const (
	TypeMBTIAssigned       = "mbti_assigned"
	TypePhotoUpdated       = "photo_updated"
	TypePhotoDeleted       = "photo_deleted"
	TypePhotoCleanupFailed = "photo_cleanup_failed"
)

// Message 是通过 Redis Pub/Sub 转发给前端的统一消息。
type Message struct {
	Type          string `json:"type"`
	UserID        uint   `json:"user_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message,omitempty"`
	MBTI          string `json:"mbti,omitempty"`
	PhotoURL      string `json:"photo_url,omitempty"`
}

// Publisher 向指定用户发布通知。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Channel 返回用户通知频道名。
func Channel(userID uint) string {
	return fmt.Sprintf("user_notify:%d", userID)
}

// RedisPublisher 使用 Redis PUBLISH 发送通知。
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(msg.UserID), body).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
