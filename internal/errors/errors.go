package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCategory groups errors by the subsystem that raised them
type ErrorCategory string

const (
	ErrorCategoryRegistry      ErrorCategory = "registry"
	ErrorCategoryAuth          ErrorCategory = "auth"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryFilesystem    ErrorCategory = "filesystem"
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryPermission    ErrorCategory = "permission"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryManifest      ErrorCategory = "manifest"
	ErrorCategoryPlatform      ErrorCategory = "platform"
	ErrorCategoryLayer         ErrorCategory = "layer"
	ErrorCategorySecurity      ErrorCategory = "security"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// Error is a categorized error carrying retry and display hints
type Error struct {
	Category   ErrorCategory          `json:"category"`
	Severity   ErrorSeverity          `json:"severity"`
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Cause      error                  `json:"-"`
	Operation  string                 `json:"operation,omitempty"`
	Image      string                 `json:"image,omitempty"`
	Layer      string                 `json:"layer,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Retryable  bool                   `json:"retryable"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Layer != "":
		return fmt.Sprintf("[%s:%s] %s of layer %s: %s",
			e.Category, e.Severity, e.Operation, e.Layer, e.Message)
	case e.Image != "":
		return fmt.Sprintf("[%s:%s] %s of %s: %s",
			e.Category, e.Severity, e.Operation, e.Image, e.Message)
	case e.Operation != "":
		return fmt.Sprintf("[%s:%s] %s operation: %s",
			e.Category, e.Severity, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Severity, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error might succeed on retry
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCritical reports whether the error should abort the command
func (e *Error) IsCritical() bool {
	return e.Severity == ErrorSeverityCritical
}

// GetUserFriendlyMessage returns the message followed by the suggestion, if any
func (e *Error) GetUserFriendlyMessage() string {
	msg := e.Message
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct Error instances with proper categorization
type ErrorBuilder struct {
	category     ErrorCategory
	severity     ErrorSeverity
	code         string
	message      string
	cause        error
	operation    string
	image        string
	layer        string
	retryable    bool
	retryableSet bool
	suggestion   string
	metadata     map[string]interface{}
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{
		metadata: make(map[string]interface{}),
	}
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Severity sets the error severity
func (b *ErrorBuilder) Severity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// Code sets a short machine-readable code
func (b *ErrorBuilder) Code(code string) *ErrorBuilder {
	b.code = code
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets a formatted error message
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation that failed
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Image sets the image reference the operation worked on
func (b *ErrorBuilder) Image(image string) *ErrorBuilder {
	b.image = image
	return b
}

// Layer sets the layer digest the operation worked on
func (b *ErrorBuilder) Layer(layer string) *ErrorBuilder {
	b.layer = layer
	return b
}

// Retryable overrides the category's default retry behavior
func (b *ErrorBuilder) Retryable(retryable bool) *ErrorBuilder {
	b.retryable = retryable
	b.retryableSet = true
	return b
}

// Suggestion sets a hint shown to the user
func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

// Metadata attaches a key/value pair
func (b *ErrorBuilder) Metadata(key string, value interface{}) *ErrorBuilder {
	b.metadata[key] = value
	return b
}

// Build creates the Error instance
func (b *ErrorBuilder) Build() *Error {
	if b.category == "" {
		b.category = categorizeError(b.message, b.operation)
	}
	if b.severity == "" {
		b.severity = determineSeverity(b.category, b.message)
	}
	if !b.retryableSet {
		b.retryable = isRetryableCategory(b.category)
	}

	return &Error{
		Category:   b.category,
		Severity:   b.severity,
		Code:       b.code,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Image:      b.image,
		Layer:      b.layer,
		Timestamp:  time.Now(),
		Retryable:  b.retryable,
		Suggestion: b.suggestion,
		Metadata:   b.metadata,
	}
}

// categorizeError guesses a category from the message and operation
func categorizeError(message, operation string) ErrorCategory {
	msgLower := strings.ToLower(message)
	opLower := strings.ToLower(operation)

	if strings.Contains(msgLower, "auth") || strings.Contains(msgLower, "credential") || strings.Contains(msgLower, "unauthorized") {
		return ErrorCategoryAuth
	}

	switch {
	case strings.Contains(opLower, "registry") || strings.Contains(opLower, "fetch"):
		return ErrorCategoryRegistry
	case strings.Contains(opLower, "manifest"):
		return ErrorCategoryManifest
	case strings.Contains(opLower, "platform"):
		return ErrorCategoryPlatform
	case strings.Contains(opLower, "layer") || strings.Contains(opLower, "unpack"):
		return ErrorCategoryLayer
	}

	switch {
	case strings.Contains(msgLower, "traversal"):
		return ErrorCategorySecurity
	case strings.Contains(msgLower, "network") || strings.Contains(msgLower, "connection") || strings.Contains(msgLower, "timeout"):
		return ErrorCategoryNetwork
	case strings.Contains(msgLower, "permission") || strings.Contains(msgLower, "denied"):
		return ErrorCategoryPermission
	case strings.Contains(msgLower, "config"):
		return ErrorCategoryConfiguration
	case strings.Contains(msgLower, "invalid") || strings.Contains(msgLower, "parse"):
		return ErrorCategoryValidation
	case strings.Contains(msgLower, "file") || strings.Contains(msgLower, "directory") || strings.Contains(msgLower, "no such"):
		return ErrorCategoryFilesystem
	case strings.Contains(msgLower, "manifest"):
		return ErrorCategoryManifest
	case strings.Contains(msgLower, "layer"):
		return ErrorCategoryLayer
	default:
		return ErrorCategoryUnknown
	}
}

// determineSeverity determines the severity of an error based on category and message
func determineSeverity(category ErrorCategory, message string) ErrorSeverity {
	switch category {
	case ErrorCategoryAuth, ErrorCategorySecurity:
		return ErrorSeverityCritical
	case ErrorCategoryValidation, ErrorCategoryConfiguration, ErrorCategoryPermission:
		return ErrorSeverityHigh
	}

	msgLower := strings.ToLower(message)
	if strings.Contains(msgLower, "fatal") || strings.Contains(msgLower, "panic") {
		return ErrorSeverityCritical
	}

	switch category {
	case ErrorCategoryNetwork, ErrorCategoryRegistry, ErrorCategoryTimeout:
		return ErrorSeverityMedium
	case ErrorCategoryFilesystem, ErrorCategoryLayer, ErrorCategoryManifest, ErrorCategoryPlatform:
		return ErrorSeverityMedium
	default:
		return ErrorSeverityLow
	}
}

// isRetryableCategory determines if an error category is generally retryable
func isRetryableCategory(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryNetwork, ErrorCategoryRegistry, ErrorCategoryTimeout:
		return true
	default:
		return false
	}
}

// NewNetworkError creates a network-related error
func NewNetworkError(operation, message string, cause error) *Error {
	return NewErrorBuilder().
		Category(ErrorCategoryNetwork).
		Severity(ErrorSeverityMedium).
		Operation(operation).
		Message(message).
		Cause(cause).
		Retryable(true).
		Suggestion("Check network connectivity and retry").
		Build()
}

// NewRegistryError creates a registry-related error
func NewRegistryError(operation, message string, cause error) *Error {
	return NewErrorBuilder().
		Category(ErrorCategoryRegistry).
		Severity(ErrorSeverityMedium).
		Operation(operation).
		Message(message).
		Cause(cause).
		Retryable(true).
		Suggestion("Check registry connectivity and credentials").
		Build()
}

// NewAuthError creates an authentication-related error
func NewAuthError(operation, message string, cause error) *Error {
	return NewErrorBuilder().
		Category(ErrorCategoryAuth).
		Severity(ErrorSeverityCritical).
		Operation(operation).
		Message(message).
		Cause(cause).
		Retryable(false).
		Suggestion("Verify registry credentials and permissions").
		Build()
}

// NewValidationError creates a validation-related error
func NewValidationError(operation, message string, cause error) *Error {
	return NewErrorBuilder().
		Category(ErrorCategoryValidation).
		Severity(ErrorSeverityHigh).
		Operation(operation).
		Message(message).
		Cause(cause).
		Retryable(false).
		Suggestion("Check input syntax and format").
		Build()
}

// NewFilesystemError creates a filesystem-related error
func NewFilesystemError(operation, message string, cause error) *Error {
	return NewErrorBuilder().
		Category(ErrorCategoryFilesystem).
		Severity(ErrorSeverityMedium).
		Operation(operation).
		Message(message).
		Cause(cause).
		Retryable(false).
		Suggestion("Check file paths and permissions").
		Build()
}

// WrapError wraps an existing error with categorization. An *Error is
// returned unchanged.
func WrapError(err error, operation string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}

	return NewErrorBuilder().
		Message(err.Error()).
		Cause(err).
		Operation(operation).
		Build()
}
