package errcode

// 错误码约定（通知消息中的 error_code，0 表示无错误）：
// - 4xxx：业务可恢复/告警类错误（例如旧头像清理失败但新头像已生效）
// - 5xxx：系统错误
const (
	ResourceMissing = 4004
	CleanupFailed   = 4010
	SystemError     = 5000
)
