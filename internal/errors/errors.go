package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrLicenseLimit     = errors.New("license limit reached")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	ErrorTypeAuthFailure      ErrorType = "auth_failure"
	ErrorTypeProtocol         ErrorType = "protocol_error"
	ErrorTypeRepository       ErrorType = "repository_error"
	ErrorTypeClientInput      ErrorType = "client_input"
	ErrorTypeLicenseLimit     ErrorType = "license_limit"
	ErrorTypeFatal            ErrorType = "fatal"
)

// ProbeError is a structured error for probe and repository operations
type ProbeError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "snmp_get", "pve_cluster_resources")
	Device     string // Device id or address where the error occurred
	Field      string // Offending field for client_input errors
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *ProbeError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ProbeError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuthFailure
	case ErrTimeout, ErrConnectionFailed:
		return e.Type == ErrorTypeTransientNetwork
	case ErrInvalidInput:
		return e.Type == ErrorTypeClientInput
	case ErrLicenseLimit:
		return e.Type == ErrorTypeLicenseLimit
	}

	return errors.Is(e.Err, target)
}

// New creates a ProbeError of the given type
func New(errorType ErrorType, op, device string, err error) *ProbeError {
	return &ProbeError{
		Type:      errorType,
		Op:        op,
		Device:    device,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds an HTTP status code to the error
func (e *ProbeError) WithStatusCode(code int) *ProbeError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// WithField records the offending field on a client_input error
func (e *ProbeError) WithField(field string) *ProbeError {
	e.Field = field
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransientNetwork, ErrorTypeRepository:
		return true
	default:
		return false
	}
}

// Helper constructors

func NewTransientNetworkError(op, device string, err error) *ProbeError {
	return New(ErrorTypeTransientNetwork, op, device, err)
}

func NewAuthError(op, device string, err error) *ProbeError {
	return New(ErrorTypeAuthFailure, op, device, err)
}

func NewProtocolError(op, device string, err error) *ProbeError {
	return New(ErrorTypeProtocol, op, device, err)
}

func NewRepositoryError(op string, err error) *ProbeError {
	return New(ErrorTypeRepository, op, "", err)
}

func NewClientInputError(op string, err error) *ProbeError {
	return New(ErrorTypeClientInput, op, "", err)
}

func NewLicenseLimitError(reason string) *ProbeError {
	return New(ErrorTypeLicenseLimit, "license_check", "", errors.New(reason))
}

func NewFatalError(op string, err error) *ProbeError {
	return New(ErrorTypeFatal, op, "", err)
}

// TypeOf returns the classified type of an error, or fatal for untyped errors
func TypeOf(err error) ErrorType {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrorTypeFatal
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthFailure checks if an error is an authentication error
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProbeError
	if errors.As(err, &pe) {
		if pe.Type == ErrorTypeAuthFailure {
			return true
		}
		if pe.StatusCode == 401 || pe.StatusCode == 403 {
			return true
		}
	}

	if errors.Is(err, ErrUnauthorized) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "authentication failed") ||
		strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "invalid user name or password") ||
		strings.Contains(errMsg, "forbidden")
}

// Classify wraps an arbitrary probe error into the taxonomy by inspecting
// its type and message. Already-classified errors pass through unchanged.
func Classify(op, device string, err error) *ProbeError {
	if err == nil {
		return nil
	}

	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe
	}

	if IsAuthFailure(err) {
		return NewAuthError(op, device, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientNetworkError(op, device, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransientNetworkError(op, device, err)
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout"),
		strings.Contains(errMsg, "connection refused"),
		strings.Contains(errMsg, "connection reset"),
		strings.Contains(errMsg, "no such host"),
		strings.Contains(errMsg, "network is unreachable"),
		strings.Contains(errMsg, "no route to host"),
		strings.Contains(errMsg, "i/o timeout"),
		strings.Contains(errMsg, "broken pipe"):
		return NewTransientNetworkError(op, device, err)
	case strings.Contains(errMsg, "unmarshal"),
		strings.Contains(errMsg, "unexpected"),
		strings.Contains(errMsg, "malformed"),
		strings.Contains(errMsg, "parse"):
		return NewProtocolError(op, device, err)
	}

	return NewProtocolError(op, device, err)
}
