package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		error    *Error
		expected string
	}{
		{
			name: "layer error",
			error: &Error{
				Category:  ErrorCategoryLayer,
				Severity:  ErrorSeverityMedium,
				Operation: "unpack",
				Layer:     "sha256:abc",
				Message:   "unexpected EOF",
			},
			expected: "[layer:medium] unpack of layer sha256:abc: unexpected EOF",
		},
		{
			name: "image error",
			error: &Error{
				Category:  ErrorCategoryRegistry,
				Severity:  ErrorSeverityHigh,
				Operation: "fetch_manifest",
				Image:     "docker.io/library/alpine:3.19",
				Message:   "not found",
			},
			expected: "[registry:high] fetch_manifest of docker.io/library/alpine:3.19: not found",
		},
		{
			name: "operation only error",
			error: &Error{
				Category:  ErrorCategoryNetwork,
				Severity:  ErrorSeverityLow,
				Operation: "ping",
				Message:   "connection timeout",
			},
			expected: "[network:low] ping operation: connection timeout",
		},
		{
			name: "minimal error",
			error: &Error{
				Category: ErrorCategoryUnknown,
				Severity: ErrorSeverityMedium,
				Message:  "unknown error",
			},
			expected: "[unknown:medium] unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.error.Error(); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewRegistryError("fetch_blob", "failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}
}

func TestErrorBuilder(t *testing.T) {
	err := NewErrorBuilder().
		Category(ErrorCategoryManifest).
		Severity(ErrorSeverityHigh).
		Code("E_SCHEMA").
		Messagef("unsupported schema version %d", 3).
		Operation("parse_manifest").
		Image("example.com/app:1").
		Suggestion("Use a schema 2 or OCI image").
		Metadata("version", 3).
		Build()

	if err.Category != ErrorCategoryManifest {
		t.Errorf("Expected category manifest, got %s", err.Category)
	}
	if err.Code != "E_SCHEMA" {
		t.Errorf("Expected code E_SCHEMA, got %s", err.Code)
	}
	if err.Message != "unsupported schema version 3" {
		t.Errorf("Expected formatted message, got %q", err.Message)
	}
	if err.Metadata["version"] != 3 {
		t.Errorf("Expected metadata version 3, got %v", err.Metadata["version"])
	}
	if err.Retryable {
		t.Error("Expected manifest errors to be non-retryable by default")
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if !strings.Contains(err.GetUserFriendlyMessage(), "Suggestion: Use a schema 2 or OCI image") {
		t.Errorf("Expected suggestion in friendly message, got %q", err.GetUserFriendlyMessage())
	}
}

func TestErrorBuilder_RetryableOverride(t *testing.T) {
	err := NewErrorBuilder().
		Category(ErrorCategoryRegistry).
		Message("manifest unknown").
		Retryable(false).
		Build()

	if err.Retryable {
		t.Error("Expected explicit Retryable(false) to win over the category default")
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		message   string
		operation string
		expected  ErrorCategory
	}{
		{"unauthorized: authentication required", "fetch_manifest", ErrorCategoryAuth},
		{"boom", "fetch_blob", ErrorCategoryRegistry},
		{"boom", "parse_manifest", ErrorCategoryManifest},
		{"boom", "select_platform", ErrorCategoryPlatform},
		{"boom", "unpack", ErrorCategoryLayer},
		{"attempted filesystem traversal: ../etc", "", ErrorCategorySecurity},
		{"dial tcp: connection refused", "", ErrorCategoryNetwork},
		{"open /x: permission denied", "", ErrorCategoryPermission},
		{"bad config value", "", ErrorCategoryConfiguration},
		{"invalid reference", "", ErrorCategoryValidation},
		{"no such file or directory", "", ErrorCategoryFilesystem},
		{"something else", "", ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := categorizeError(tt.message, tt.operation); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDetermineSeverity(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		message  string
		expected ErrorSeverity
	}{
		{ErrorCategoryAuth, "", ErrorSeverityCritical},
		{ErrorCategorySecurity, "", ErrorSeverityCritical},
		{ErrorCategoryValidation, "", ErrorSeverityHigh},
		{ErrorCategoryNetwork, "fatal error", ErrorSeverityCritical},
		{ErrorCategoryNetwork, "reset", ErrorSeverityMedium},
		{ErrorCategoryLayer, "", ErrorSeverityMedium},
		{ErrorCategoryUnknown, "", ErrorSeverityLow},
	}

	for _, tt := range tests {
		if got := determineSeverity(tt.category, tt.message); got != tt.expected {
			t.Errorf("Expected %s for %s/%q, got %s", tt.expected, tt.category, tt.message, got)
		}
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		category  ErrorCategory
		retryable bool
	}{
		{"network", NewNetworkError("op", "msg", nil), ErrorCategoryNetwork, true},
		{"registry", NewRegistryError("op", "msg", nil), ErrorCategoryRegistry, true},
		{"auth", NewAuthError("op", "msg", nil), ErrorCategoryAuth, false},
		{"validation", NewValidationError("op", "msg", nil), ErrorCategoryValidation, false},
		{"filesystem", NewFilesystemError("op", "msg", nil), ErrorCategoryFilesystem, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.category {
				t.Errorf("Expected category %s, got %s", tt.category, tt.err.Category)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Expected retryable %v, got %v", tt.retryable, tt.err.Retryable)
			}
			if tt.err.Suggestion == "" {
				t.Error("Expected a suggestion")
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "op") != nil {
		t.Error("Expected nil for nil error")
	}

	original := NewAuthError("login", "denied", nil)
	if WrapError(original, "other") != original {
		t.Error("Expected an *Error to be returned unchanged")
	}

	wrapped := WrapError(fmt.Errorf("connection reset by peer"), "fetch_blob")
	if wrapped.Category != ErrorCategoryRegistry {
		t.Errorf("Expected category registry, got %s", wrapped.Category)
	}
	if wrapped.Operation != "fetch_blob" {
		t.Errorf("Expected operation fetch_blob, got %s", wrapped.Operation)
	}
}
