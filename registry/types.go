// Package registry fetches manifests and blobs from OCI and Docker
// registries.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/internal/errors"
	"github.com/bibin-skaria/ocirootfs/logging"
)

// Fetcher retrieves raw manifests and blob content. name is a repository
// such as "docker.io/library/alpine"; reference is a tag or a digest.
type Fetcher interface {
	FetchManifest(ctx context.Context, name, reference string) ([]byte, error)
	FetchBlob(ctx context.Context, name string, d digest.Digest) (io.ReadCloser, error)
}

// Options configures both registry clients
type Options struct {
	// UserAgent for requests
	UserAgent string
	// Timeout bounds a single manifest request
	Timeout time.Duration
	// Retry controls backoff for transient failures
	Retry *errors.RetryConfig
	// Insecure registries are reached over plain HTTP
	Insecure []string
	// Username and Password override the Docker keychain when set
	Username string
	Password string
	// Transport for HTTP requests
	Transport http.RoundTripper
	// Logger receives registry operation events
	Logger *logging.Logger
}

// DefaultOptions returns sensible defaults for the registry clients
func DefaultOptions() *Options {
	return &Options{
		UserAgent: "ocirootfs/1.0",
		Timeout:   30 * time.Second,
		Retry:     errors.DefaultRetryConfig(),
		Logger:    logging.Discard(),
	}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		return DefaultOptions()
	}
	opts := *o
	def := DefaultOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Timeout == 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retry == nil {
		opts.Retry = def.Retry
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &opts
}

// IsInsecure reports whether registry is listed as insecure
func (o *Options) IsInsecure(registry string) bool {
	registry = NormalizeRegistry(registry)
	for _, r := range o.Insecure {
		if NormalizeRegistry(r) == registry {
			return true
		}
	}
	return false
}

// NormalizeRegistry folds the Docker Hub aliases and strips a URL scheme
func NormalizeRegistry(registry string) string {
	registry = strings.TrimPrefix(registry, "https://")
	registry = strings.TrimPrefix(registry, "http://")
	registry = strings.TrimSuffix(registry, "/")

	switch registry {
	case "", "docker.io", "registry-1.docker.io", "index.docker.io":
		return "index.docker.io"
	}
	return registry
}

// ErrorType represents the type of registry error
type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeManifest       ErrorType = "manifest"
	ErrorTypeBlob           ErrorType = "blob"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// RegistryError represents an error from registry operations
type RegistryError struct {
	Type       ErrorType `json:"type"`
	Operation  string    `json:"operation"`
	Registry   string    `json:"registry,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *RegistryError) Error() string {
	if e.Registry != "" {
		return fmt.Sprintf("registry error [%s] %s on %s: %s", e.Type, e.Operation, e.Registry, e.Message)
	}
	return fmt.Sprintf("registry error [%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying error
func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error might succeed on retry
func (e *RegistryError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeNetwork:
		return true
	case ErrorTypeAuthentication, ErrorTypeAuthorization, ErrorTypeNotFound, ErrorTypeValidation,
		ErrorTypeManifest, ErrorTypeBlob:
		return false
	default:
		return true
	}
}

// errorTypeForStatus maps an HTTP status to an ErrorType
func errorTypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypeAuthorization
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrorTypeNetwork
	case status >= 400:
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

// isDigestReference reports whether reference names content rather than a tag
func isDigestReference(reference string) bool {
	return strings.Contains(reference, ":")
}
