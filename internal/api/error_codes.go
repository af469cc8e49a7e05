// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorTimeout       = "TIMEOUT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 拆解相关错误
	ErrorBreakdownNotFound = "BREAKDOWN_NOT_FOUND"
	ErrorTaskNotFound      = "TASK_NOT_FOUND"
	ErrorScriptInvalid     = "SCRIPT_INVALID"
	ErrorBatchEmpty        = "BATCH_EMPTY"

	// 生成服务相关错误
	ErrorProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	ErrorUnrecoverableOutput   = "UNRECOVERABLE_OUTPUT"
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
)
