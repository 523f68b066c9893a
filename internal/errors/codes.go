package errors

import (
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodePolicyBlocked         Code = "POLICY_BLOCKED"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
)

// Attributes 是错误码的默认行为。HTTPStatus 为 0 时按 500 处理。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true, http.StatusInternalServerError},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false, http.StatusBadRequest},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false, http.StatusNotFound},
		CodeConflict:              {"resource conflict", SeverityWarning, false, false, http.StatusConflict},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true, http.StatusServiceUnavailable},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true, http.StatusInternalServerError},
		CodeQueueFailure:          {"queue failure", SeverityCritical, true, true, http.StatusServiceUnavailable},
		CodeExecutorFailure:       {"executor failure", SeverityWarning, true, true, http.StatusBadGateway},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true, http.StatusGatewayTimeout},
		CodeValidationFailed:      {"action validation failed", SeverityInfo, false, false, http.StatusBadRequest},
		CodeRateLimited:           {"rate limit exceeded", SeverityInfo, false, false, http.StatusTooManyRequests},
		CodePolicyBlocked:         {"blocked by tool policy", SeverityWarning, false, false, http.StatusBadRequest},
		CodeUpstreamFailure:       {"upstream dependency unavailable", SeverityWarning, true, true, http.StatusBadGateway},
	}
)

// Register 供业务包在 init 中登记自己的错误码；重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// RegisterHTTPStatus 只修改错误码对应的 HTTP 状态码，未登记的错误码会继承 UNKNOWN 的其余属性。
func RegisterHTTPStatus(code Code, status int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	attr.HTTPStatus = status
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未登记时返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// HTTPStatus 将错误映射为传输层状态码；非统一错误一律 500。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	e, ok := From(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status := AttributesOf(e.Code()).HTTPStatus; status > 0 {
		return status
	}
	return http.StatusInternalServerError
}
