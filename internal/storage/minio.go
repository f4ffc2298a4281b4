package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mbtiQuiz/internal/config"
)

// Client 封装 MinIO 客户端，提供头像上传、删除与公开地址转换。
type Client struct {
	internalClient *minio.Client
	bucketName     string
	publicBase     string
}

// NewClient 根据配置初始化 MinIO 客户端，并确保头像 Bucket 存在。
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	lookup, err := parseBucketLookup(cfg.BucketLookup)
	if err != nil {
		return nil, err
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	base, err := publicBaseURL(cfg.PublicEndpoint, cfg.Bucket)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ensureBucket(ctx, mc, cfg); err != nil {
		return nil, err
	}

	return &Client{internalClient: mc, bucketName: cfg.Bucket, publicBase: base}, nil
}

func parseBucketLookup(raw string) (minio.BucketLookupType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return minio.BucketLookupAuto, nil
	case "dns":
		return minio.BucketLookupDNS, nil
	case "path":
		return minio.BucketLookupPath, nil
	}
	return minio.BucketLookupAuto, fmt.Errorf("invalid minio bucket lookup %q", raw)
}

func ensureBucket(ctx context.Context, mc *minio.Client, cfg config.MinIOConfig) error {
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	case exists:
		return nil
	case !cfg.AutoCreateBucket:
		return fmt.Errorf("bucket %q is missing and auto create is off", cfg.Bucket)
	}
	if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make bucket %q: %w", cfg.Bucket, err)
	}
	return nil
}

// UploadFile 将对象上传到 Bucket，并返回上传结果。
func (c *Client) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	info, err := c.internalClient.PutObject(ctx, c.bucketName, objectName, reader, size, opts)
	if err != nil {
		return nil, fmt.Errorf("put object %q: %w", objectName, err)
	}
	return &info, nil
}

// DeleteObject 删除指定对象。
// 若对象不存在会被视为成功（幂等）。
func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return nil
	}
	if err := c.internalClient.RemoveObject(ctx, c.bucketName, objectKey, minio.RemoveObjectOptions{}); err != nil {
		if IsNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("remove object %q: %w", objectKey, err)
	}
	return nil
}

// DeletePrefix 删除前缀下的全部对象，单个对象失败不会中断其余删除。
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil
	}

	var errs []error
	for object := range c.internalClient.ListObjects(ctx, c.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("list objects under %q: %w", prefix, object.Err)
		}
		if err := c.DeleteObject(ctx, object.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return reportPurgeFailures(slog.Default(), prefix, errs)
}

// reportPurgeFailures 记录删除失败的对象数量并合并错误。
func reportPurgeFailures(logger *slog.Logger, prefix string, errs []error) error {
	if len(errs) > 0 {
		logger.Warn("purge prefix partially failed",
			slog.String("prefix", prefix),
			slog.Int("failed_count", len(errs)),
		)
	}
	return errors.Join(errs...)
}

// PublicURL 返回对象的公开访问地址。
func (c *Client) PublicURL(objectKey string) string {
	return joinPublicURL(c.publicBase, objectKey)
}

// ObjectKeyFromURL 从 PublicURL 生成的地址中解析出对象 Key。
func (c *Client) ObjectKeyFromURL(rawURL string) (string, bool) {
	return objectKeyFromURL(c.publicBase, rawURL)
}

func publicBaseURL(endpoint, bucket string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse minio public endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid minio public endpoint, host missing")
	}
	base := strings.TrimRight(parsed.String(), "/")
	return base + "/" + strings.Trim(bucket, "/"), nil
}

func joinPublicURL(base, objectKey string) string {
	return base + "/" + strings.TrimLeft(objectKey, "/")
}

func objectKeyFromURL(base, rawURL string) (string, bool) {
	prefix := base + "/"
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, prefix)
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	if key == "" || strings.Contains(key, "..") {
		return "", false
	}
	return key, true
}
