package storage

import (
	"errors"
	"strings"

	"github.com/minio/minio-go/v7"
)

// minioCode 返回小写的 S3/MinIO 错误码，非 MinIO 错误返回空字符串。
func minioCode(err error) string {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return strings.ToLower(strings.TrimSpace(minioErr.Code))
	}
	return ""
}

// IsNoSuchKey 判断错误是否表示对象不存在。
func IsNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	switch minioCode(err) {
	case "nosuchkey", "notfound":
		return true
	}

	// 代理可能把错误包装成字符串。
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "nosuchkey") ||
		strings.Contains(lower, "specified key does not exist")
}

// IsNoSuchBucket 判断错误是否表示 Bucket 不存在。
func IsNoSuchBucket(err error) bool {
	if err == nil {
		return false
	}
	if minioCode(err) == "nosuchbucket" {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "nosuchbucket") ||
		strings.Contains(lower, "specified bucket does not exist")
}

// IsPermanent 判断存储错误是否重试也无法恢复（Bucket 缺失或无权限）。
func IsPermanent(err error) bool {
	if IsNoSuchBucket(err) {
		return true
	}
	switch minioCode(err) {
	case "accessdenied", "invalidbucketname", "invalidaccesskeyid":
		return true
	}
	return false
}
