package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Instance lifecycle errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInstanceStopped      = "E1011"
	ErrCodeAlreadyListening     = "E1012"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed  = "E2001"
	ErrCodeConnectionTimeout = "E2002"
	ErrCodeConnectionRefused = "E2003"
	ErrCodeHostUnreachable   = "E2004"
	ErrCodeInvalidAddress    = "E2006"
	ErrCodeDialFailed        = "E2009"

	// Request parsing errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed = "E4001"
	ErrCodeMalformedRequest      = "E4012"
	ErrCodeInvalidContentLength  = "E4013"
	ErrCodeMethodNotSupported    = "E4014"
	ErrCodeHostNotFound          = "E4015"
	ErrCodeLineTooLong           = "E4016"
	ErrCodeBodyTooLarge          = "E4017"
	ErrCodeTransferEncoding      = "E4018"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"
	ErrCodeHTTPProxyDialFailed = "E6003"

	// Access Control and Security Errors (E7000-E7999)
	ErrCodeBlocklistMatch = "E7002"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
	ErrCodeSelfRequest   = "E9906"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInstanceStopped:      "Proxy instance has been stopped",
	ErrCodeAlreadyListening:     "Proxy instance is already listening",

	ErrCodeConnectionFailed:  "Failed to establish connection",
	ErrCodeConnectionTimeout: "Connection attempt timed out",
	ErrCodeConnectionRefused: "Connection refused by remote host",
	ErrCodeHostUnreachable:   "Remote host is unreachable",
	ErrCodeInvalidAddress:    "Invalid network address",
	ErrCodeDialFailed:        "Failed to dial remote address",

	ErrCodeHTTPRequestReadFailed: "Failed to read HTTP request",
	ErrCodeMalformedRequest:      "Malformed HTTP request",
	ErrCodeInvalidContentLength:  "Invalid Content-Length header",
	ErrCodeMethodNotSupported:    "Request method is not supported",
	ErrCodeHostNotFound:          "Host not found",
	ErrCodeLineTooLong:           "Request line or header too long",
	ErrCodeBodyTooLarge:          "Request body exceeds the size limit",
	ErrCodeTransferEncoding:      "Transfer-Encoding request bodies are not supported",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "Failed to connect through SOCKS5 proxy",
	ErrCodeHTTPProxyDialFailed: "Failed to connect to upstream HTTP proxy",

	ErrCodeBlocklistMatch: "Request URL matches the blocklist",

	ErrCodeInternalError: "Internal proxy error",
	ErrCodeSelfRequest:   "Method not allowed on the proxy itself",
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// ErrorCode returns the code of the first *Error in err's chain.
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ErrCodeInternalError
}

// dialErrorCode picks the most specific connection code for a dial failure.
func dialErrorCode(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeConnectionTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrCodeConnectionTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrCodeConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ErrCodeHostUnreachable
	default:
		return ErrCodeDialFailed
	}
}

// statusErrorCode maps a terminal parse status to the code sent in X-Proxy-Error.
// Statuses that are not errors map to "".
func statusErrorCode(s Status) string {
	switch s {
	case StatusHostNotFound:
		return ErrCodeHostNotFound
	case StatusClientError:
		return ErrCodeMalformedRequest
	case StatusNotSupported:
		return ErrCodeMethodNotSupported
	case StatusURLBlocked:
		return ErrCodeBlocklistMatch
	case StatusInternalError:
		return ErrCodeSelfRequest
	case StatusEntityTooLarge:
		return ErrCodeBodyTooLarge
	case StatusLengthRequired:
		return ErrCodeTransferEncoding
	case StatusOK, StatusNeedConnect, StatusFileRequest, StatusConnectionClosed,
		StatusMovedPermanently, StatusOptionsToSelf:
		return ""
	default:
		return ErrCodeInternalError
	}
}
