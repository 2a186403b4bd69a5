package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Startup errors
	ErrCodeConfigLoad ErrorCode = "CONFIG_LOAD_FAILED"

	// Control plane errors
	ErrCodeResolutionFailed     ErrorCode = "RESOLUTION_FAILED"
	ErrCodeInvalidDomain        ErrorCode = "INVALID_DOMAIN"
	ErrCodeCommandChannelClosed ErrorCode = "COMMAND_CHANNEL_CLOSED"
	ErrCodeWorkerStopped        ErrorCode = "WORKER_STOPPED"

	// Routing errors
	ErrCodeDomainNotFound    ErrorCode = "DOMAIN_NOT_FOUND"
	ErrCodeNoHealthyBackend  ErrorCode = "NO_HEALTHY_BACKEND"
	ErrCodeHostHeaderMissing ErrorCode = "HOST_HEADER_MISSING"
	ErrCodeUpstreamFailed    ErrorCode = "UPSTREAM_FAILED"

	// Request processing errors
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks against routing outcomes
var (
	ErrDomainNotFound    = &ProxyError{Code: ErrCodeDomainNotFound, Component: "router", Message: "Domain not found"}
	ErrNoHealthyBackend  = &ProxyError{Code: ErrCodeNoHealthyBackend, Component: "router", Message: "No healthy backend"}
	ErrHostHeaderMissing = &ProxyError{Code: ErrCodeHostHeaderMissing, Component: "router", Message: "Host not found"}
	ErrWorkerStopped     = &ProxyError{Code: ErrCodeWorkerStopped, Component: "dns_resolver", Message: "Resolver worker is not running"}
)

// ProxyError represents a structured error with context
type ProxyError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *ProxyError) Is(target error) bool {
	if t, ok := target.(*ProxyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ProxyError) WithMetadata(key string, value interface{}) *ProxyError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HTTPStatusCode returns the status the proxy engine answers with for this error.
// Upstream-side failures are 502, malformed requests 400.
func (e *ProxyError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeHostHeaderMissing, ErrCodeInvalidRequest, ErrCodeInvalidDomain:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeDomainNotFound, ErrCodeNoHealthyBackend, ErrCodeUpstreamFailed, ErrCodeResolutionFailed:
		return http.StatusBadGateway
	case ErrCodeWorkerStopped, ErrCodeCommandChannelClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new ProxyError
func NewError(code ErrorCode, component, message string) *ProxyError {
	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
	}
}

// WrapError wraps an existing error with ProxyError structure
func WrapError(err error, code ErrorCode, component, message string) *ProxyError {
	if err == nil {
		return nil
	}

	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewConfigError reports unreadable or invalid startup configuration
func NewConfigError(component, message string, cause error) *ProxyError {
	if cause == nil {
		return NewError(ErrCodeConfigLoad, component, message)
	}
	return WrapError(cause, ErrCodeConfigLoad, component, message)
}

// NewResolutionError reports a failed lookup for a domain
func NewResolutionError(domain string, cause error) *ProxyError {
	msg := fmt.Sprintf("Resolve domain %s failed", domain)
	var err *ProxyError
	if cause == nil {
		err = NewError(ErrCodeResolutionFailed, "dns_resolver", msg)
	} else {
		err = WrapError(cause, ErrCodeResolutionFailed, "dns_resolver", msg)
	}
	return err.WithMetadata("domain", domain)
}

// NewDomainNotFoundError reports a Host header with no registered pool
func NewDomainNotFoundError(domain string) *ProxyError {
	return NewError(
		ErrCodeDomainNotFound,
		"router",
		fmt.Sprintf("Domain %s not found in backgrounds, did you add it?", domain),
	).WithMetadata("domain", domain)
}

// NewNoHealthyBackendError reports a registered pool with no live backend
func NewNoHealthyBackendError(domain string) *ProxyError {
	return NewError(
		ErrCodeNoHealthyBackend,
		"router",
		fmt.Sprintf("Select upstream failed when request %s", domain),
	).WithMetadata("domain", domain)
}

// NewHostHeaderMissingError reports a request without a Host header
func NewHostHeaderMissingError() *ProxyError {
	return NewError(ErrCodeHostHeaderMissing, "router", "Host not found")
}

// NewInvalidDomainError reports a domain name that cannot be canonicalized
func NewInvalidDomainError(domain string, cause error) *ProxyError {
	msg := fmt.Sprintf("Invalid domain %q", domain)
	if cause == nil {
		return NewError(ErrCodeInvalidDomain, "domain", msg)
	}
	return WrapError(cause, ErrCodeInvalidDomain, "domain", msg)
}

// IsProxyError checks if an error is a ProxyError
func IsProxyError(err error) bool {
	var pErr *ProxyError
	return errors.As(err, &pErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
