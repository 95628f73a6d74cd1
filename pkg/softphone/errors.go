package softphone

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	ErrorCategoryTransport    ErrorCategory = "TRANSPORT"
	ErrorCategoryRegistration ErrorCategory = "REGISTRATION"
	ErrorCategoryMedia        ErrorCategory = "MEDIA"
	ErrorCategoryState        ErrorCategory = "STATE"
	ErrorCategorySession      ErrorCategory = "SESSION"
	ErrorCategoryConfig       ErrorCategory = "CONFIG"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // требует немедленного внимания оператора
	ErrorSeverityError    ErrorSeverity = "ERROR"    // операция не может быть завершена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // операция может быть продолжена
)

// PhoneError структурированная ошибка софтфона с контекстом.
//
// Несет код, категорию и флаги обработки: Retryable управляет политикой
// повторов, UserVisible - показом оператору.
type PhoneError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	SessionID string                 `json:"session_id,omitempty"`
	Status    CallStatus             `json:"status,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`

	Retryable   bool `json:"retryable"`
	UserVisible bool `json:"user_visible"`
}

// Error реализует интерфейс error
func (e *PhoneError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s (session: %s)", e.Category, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *PhoneError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле к ошибке
func (e *PhoneError) WithField(key string, value interface{}) *PhoneError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *PhoneError) WithCause(cause error) *PhoneError {
	e.Cause = cause
	return e
}

// NewPhoneError создает новую структурированную ошибку
func NewPhoneError(code, message string, category ErrorCategory, severity ErrorSeverity) *PhoneError {
	return &PhoneError{
		Code:        code,
		Message:     message,
		Category:    category,
		Severity:    severity,
		Timestamp:   time.Now(),
		UserVisible: severity == ErrorSeverityCritical || severity == ErrorSeverityError,
	}
}

// Предопределенные конструкторы для таксономии ошибок софтфона.

// ErrTransportUnavailable - сигнальный сокет недоступен.
// Повторяется с backoff, оператору показывается после исчерпания попыток.
func ErrTransportUnavailable(addr string, cause error) *PhoneError {
	err := NewPhoneError(
		"TRANSPORT_UNAVAILABLE",
		fmt.Sprintf("Сигнальный сервер %s недоступен", addr),
		ErrorCategoryTransport,
		ErrorSeverityCritical,
	).WithField("address", addr).WithCause(cause)
	err.Retryable = true
	return err
}

// ErrRegistrationRejected - сервер отклонил учетные данные.
// Не повторяется автоматически.
func ErrRegistrationRejected(statusCode int, reason string) *PhoneError {
	return NewPhoneError(
		"REGISTRATION_REJECTED",
		fmt.Sprintf("Регистрация отклонена: %d %s", statusCode, reason),
		ErrorCategoryRegistration,
		ErrorSeverityError,
	).WithField("status_code", statusCode).WithField("reason", reason)
}

// ErrMediaPermissionDenied - нет доступа к микрофону, вызов не создается.
func ErrMediaPermissionDenied(cause error) *PhoneError {
	return NewPhoneError(
		"MEDIA_PERMISSION_DENIED",
		"Нет доступа к микрофону",
		ErrorCategoryMedia,
		ErrorSeverityError,
	).WithCause(cause)
}

// ErrNotRegistered - команда требует регистрации, подтверждение не получено.
func ErrNotRegistered(operation string) *PhoneError {
	return NewPhoneError(
		"NOT_REGISTERED",
		fmt.Sprintf("Операция '%s' требует регистрации", operation),
		ErrorCategoryRegistration,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// ErrInvalidCallState - команда невалидна в текущем состоянии вызова.
func ErrInvalidCallState(current CallStatus, operation string) *PhoneError {
	err := NewPhoneError(
		"INVALID_CALL_STATE",
		fmt.Sprintf("Нельзя выполнить операцию '%s' в состоянии %s", operation, current),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("operation", operation)
	err.Status = current
	return err
}

// ErrTransferRefused - удаленная сторона отклонила REFER.
// Мягкая ошибка: вызов остается активным.
func ErrTransferRefused(target string, statusCode int) *PhoneError {
	err := NewPhoneError(
		"TRANSFER_REFUSED",
		fmt.Sprintf("Перевод на %s отклонен: %d", target, statusCode),
		ErrorCategorySession,
		ErrorSeverityWarning,
	).WithField("target", target).WithField("status_code", statusCode)
	err.UserVisible = true
	return err
}

// ErrInvalidConfig - невалидная конфигурация.
func ErrInvalidConfig(field string, reason string) *PhoneError {
	return NewPhoneError(
		"INVALID_CONFIG",
		fmt.Sprintf("Неверная конфигурация поля '%s': %s", field, reason),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("field", field).WithField("reason", reason)
}

// IsRetryable проверяет, можно ли повторить операцию
func IsRetryable(err error) bool {
	var pe *PhoneError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	var pe *PhoneError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "UNKNOWN_ERROR"
}
