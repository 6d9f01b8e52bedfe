package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCourseNotFound       = errors.New("course not found")
	ErrExportNotFound       = errors.New("gradebook export not found")
	ErrObjectNotFound       = errors.New("stored object not found")
	ErrExportNotReady       = errors.New("gradebook export not ready")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidScore         = errors.New("invalid score data")
	ErrInvalidStandard      = errors.New("invalid grading standard")
	ErrEmptyPayload         = errors.New("empty payload")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Setup errors raised before any batch is generated. The messages are shown
// to teachers verbatim as the enrollment publishing message.
var (
	ErrPublishingDisabled      = NewConfigurationError("final grade publishing disabled")
	ErrEndpointUndefined       = NewConfigurationError("endpoint undefined")
	ErrGradingStandardRequired = NewConfigurationError("grade publishing requires a grading standard")
	ErrPublisherDisallowed     = NewConfigurationError("publishing disallowed for this publishing user")
)

type ConfigurationError struct {
	Message string
}

func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{Message: message}
}

func UnknownFormatError(format string) *ConfigurationError {
	return NewConfigurationError(fmt.Sprintf("unknown format type: %s", format))
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func (e *ConfigurationError) Is(target error) bool {
	t, ok := target.(*ConfigurationError)
	return ok && t.Message == e.Message
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// TransportError is a failed post of one batch to the SIS endpoint.
type TransportError struct {
	EnrollmentIDs []int64
	Err           error
}

func (e TransportError) Error() string {
	return e.Err.Error()
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// GeneratorError is a failure of the export format itself; no batch was produced.
type GeneratorError struct {
	Format string
	Err    error
}

func (e GeneratorError) Error() string {
	return e.Err.Error()
}

func (e GeneratorError) Unwrap() error {
	return e.Err
}

type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s",
		e.Field, e.Value, e.Message)
}

type RetryableError struct {
	Err     error
	Message string
}

func (e RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %s - %s", e.Message, e.Err.Error())
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error, message string) error {
	return RetryableError{
		Err:     err,
		Message: message,
	}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re)
}
