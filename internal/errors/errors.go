package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 是跨模块共享的错误码，HTTP 层与任务重试策略都以它为准。
type Code string

// Severity 决定告警事件的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodePolicyViolation       Code = "POLICY_VIOLATION"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeParseFailure          Code = "PARSE_FAILURE"
	CodeExternalDependency    Code = "EXTERNAL_DEPENDENCY_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
)

// Attributes 是错误码的默认行为。Status 为 0 时按 500 处理。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Status    int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true, http.StatusInternalServerError},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false, http.StatusBadRequest},
		CodePolicyViolation:       {"tool arguments rejected by policy", SeverityWarning, false, false, http.StatusBadRequest},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false, http.StatusNotFound},
		CodeConflict:              {"concurrent update conflict", SeverityWarning, false, false, http.StatusConflict},
		CodeInsufficientFunds:     {"insufficient funds", SeverityInfo, false, false, http.StatusUnprocessableEntity},
		CodeParseFailure:          {"failed to decode on-chain data", SeverityWarning, false, true, http.StatusInternalServerError},
		CodeExternalDependency:    {"chain or model call failed", SeverityWarning, true, true, http.StatusBadGateway},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true, http.StatusGatewayTimeout},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true, http.StatusServiceUnavailable},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true, http.StatusInternalServerError},
		CodeExecutorFailure:       {"progression step failed", SeverityWarning, true, true, http.StatusInternalServerError},
	}
)

// Register 在包初始化阶段登记模块自有的错误码，已存在的错误码会被覆盖。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 查询错误码属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、上下文元数据与可选的底层错误。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity Severity
}

// Option 在构造时调整 Error。
type Option func(*Error)

// WithMetadata 附加一条键值，告警事件会原样带出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithSeverity 覆盖错误码的默认级别。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = sev
	}
}

// New 创建 Error，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	attr := AttributesOf(code)
	if message == "" {
		message = attr.Message
	}
	e := &Error{code: code, message: message, severity: attr.Severity}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，并保留 cause 供 errors.Is/As 使用。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较两个 *Error。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 接收者返回 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的描述，适合直接返回给调用方。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Severity 返回告警级别。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.severity
}

// From 沿错误链查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链上第一个 *Error 的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// Is 判断 err 是否携带指定错误码。
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryableError 判断任务失败后是否应重新入队。未归类的错误不重试。
func RetryableError(err error) bool {
	if _, ok := From(err); !ok {
		return false
	}
	return AttributesOf(CodeOf(err)).Retryable
}

// ShouldAlert 判断错误是否需要通知值班渠道。
func ShouldAlert(err error) bool {
	if _, ok := From(err); !ok {
		return err != nil
	}
	return AttributesOf(CodeOf(err)).Alert
}

// HTTPStatus 返回错误码登记的 HTTP 状态码。
func HTTPStatus(err error) int {
	if status := AttributesOf(CodeOf(err)).Status; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
