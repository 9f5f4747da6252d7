package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Error represents a gateway error with a stable code and description
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

// Gateway Error Codes
const (
	// Configuration and Lifecycle Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"
	ErrCodeInvalidRule          = "E1011"
	ErrCodeInvalidState         = "E1012"
	ErrCodeRuleNotFound         = "E1013"

	// Upstream Connection Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeConnectionRefused     = "E2003"
	ErrCodeHostUnreachable       = "E2004"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeX509KeyPairFailed     = "E3006"
	ErrCodeTLSCredentialsInvalid = "E3009"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestCreateFailed = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPBodyReadFailed      = "E4005"
	ErrCodeNoRouteMatched          = "E4012"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeTimeoutExceeded = "E9003"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9903"
	ErrCodeShutdownFailed = "E9906"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to bind network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeInvalidRule:          "Invalid routing rule",
	ErrCodeInvalidState:         "Operation not valid in the current server state",
	ErrCodeRuleNotFound:         "No rule with the given id",

	ErrCodeConnectionTimeout:     "Upstream connection timed out",
	ErrCodeConnectionRefused:     "Connection refused by upstream server",
	ErrCodeHostUnreachable:       "Upstream host could not be resolved or reached",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeX509KeyPairFailed:     "Failed to create X.509 key pair",
	ErrCodeTLSCredentialsInvalid: "TLS credential bundle is malformed or unusable",

	ErrCodeHTTPRequestCreateFailed: "Failed to build upstream request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPBodyReadFailed:      "Failed to read HTTP message body",
	ErrCodeNoRouteMatched:          "No route matches the request",

	ErrCodeTimeoutExceeded: "Operation timeout exceeded",

	ErrCodeInternalError:  "Internal gateway error",
	ErrCodePanicRecovered: "Recovered from panic condition",
	ErrCodeShutdownFailed: "Error while releasing resources during shutdown",
}

// NewBindError reports that the listener could not be bound to addr.
func NewBindError(addr string, cause error) *Error {
	return NewProxyError(ErrCodeListenerCreateFailed, "failed to bind "+addr, cause)
}

// NewInvalidRuleError wraps a rejection from the rule table.
func NewInvalidRuleError(cause error) *Error {
	return NewProxyError(ErrCodeInvalidRule, GetErrorDescription(ErrCodeInvalidRule), cause)
}

// NewServerConfigError reports a configured route (by rule id) that cannot
// become a rule.
func NewServerConfigError(ruleID string, cause error) *Error {
	return NewProxyError(ErrCodeInvalidServerConfig, "configured route "+ruleID+" is invalid", cause)
}

// NewStateError reports an operation attempted in the wrong lifecycle state.
func NewStateError(op string, state State) *Error {
	return NewProxyError(ErrCodeInvalidState, fmt.Sprintf("%s not allowed while %s", op, state), nil)
}

// NewTLSCredentialError reports an unusable credential bundle.
func NewTLSCredentialError(description string, cause error) *Error {
	return NewProxyError(ErrCodeTLSCredentialsInvalid, description, cause)
}

// NewUpstreamError classifies a failed upstream round trip.
func NewUpstreamError(target string, cause error) *Error {
	code := ErrCodeUpstreamConnectFailed
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(cause, context.DeadlineExceeded), errors.As(cause, &netErr) && netErr.Timeout():
		code = ErrCodeConnectionTimeout
	case errors.Is(cause, syscall.ECONNREFUSED):
		code = ErrCodeConnectionRefused
	case errors.As(cause, &dnsErr):
		code = ErrCodeHostUnreachable
	}
	return NewProxyError(code, "upstream "+target+" unavailable", cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// errorCode returns the code of the first *Error in err's chain.
func errorCode(err error) (string, bool) {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code, true
	}
	return "", false
}

// IsBindError checks if the listener could not be bound
func IsBindError(err error) bool {
	code, ok := errorCode(err)
	return ok && code == ErrCodeListenerCreateFailed
}

// IsInvalidRuleError checks if a rule was rejected at registration
func IsInvalidRuleError(err error) bool {
	code, ok := errorCode(err)
	return ok && code == ErrCodeInvalidRule
}

// IsStateError checks if an operation was invalid for the lifecycle state
func IsStateError(err error) bool {
	code, ok := errorCode(err)
	return ok && code == ErrCodeInvalidState
}

// IsRuleNotFound checks if an unregistered rule id was referenced
func IsRuleNotFound(err error) bool {
	code, ok := errorCode(err)
	return ok && code == ErrCodeRuleNotFound
}

// IsUpstreamUnavailable checks if the error is upstream connection-related
func IsUpstreamUnavailable(err error) bool {
	code, ok := errorCode(err)
	return ok && code >= "E2000" && code < "E3000"
}

// IsTLSCredentialError checks if the credential bundle was unusable
func IsTLSCredentialError(err error) bool {
	code, ok := errorCode(err)
	return ok && code == ErrCodeTLSCredentialsInvalid
}

// IsServerConfigError checks if the configured routes were unusable
func IsServerConfigError(err error) bool {
	code, ok := errorCode(err)
	return ok && code == ErrCodeInvalidServerConfig
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// The body is a short plain-text diagnostic.
func NewBadGatewayResponse(errorCode string) *http.Response {
	return newErrorResponse(http.StatusBadGateway, errorCode)
}

func newErrorResponse(status int, errorCode string) *http.Response {
	bodyBytes := []byte(fmt.Sprintf("%d %s\nError Code: %s\nDescription: %s\n",
		status, http.StatusText(status), errorCode, GetErrorDescription(errorCode)))

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}
