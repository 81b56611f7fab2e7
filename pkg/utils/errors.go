package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrInvalidWebsite   = errors.New("invalid website URL")
	ErrInvalidTenant    = errors.New("invalid tenant")
	ErrFetchFailed      = errors.New("fetch failed after all attempts") // Wraps the last attempt error
	ErrRenderTimeout    = errors.New("page render timed out")
	ErrSessionInit      = errors.New("failed to start browser session")
	ErrBlockedResource  = errors.New("resource blocked by policy")
	ErrHTTPStatus       = errors.New("non-2xx HTTP status")
	ErrParsing          = errors.New("parsing error") // Wraps specific parsing error (HTML, URL, JSON)
	ErrFilesystem       = errors.New("filesystem error")
	ErrDatabase         = errors.New("database error") // Wraps store backend errors
	ErrConfigValidation = errors.New("configuration validation error")
	ErrJobNotFound      = errors.New("crawl job not found")
	ErrJobFinalized     = errors.New("crawl job already finalized")
	ErrDispatch         = errors.New("audit dispatch failed")
)

// WrapErrorf wraps a sentinel with a formatted message, keeping it matchable with errors.Is.
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// CategorizeError maps an error to a predefined category string for logging and job records.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrFetchFailed):
		// Wrapped together with the last attempt error, so inspect the whole tree
		if err == ErrFetchFailed {
			return "FetchFailed_Unknown"
		}
		if errors.Is(err, ErrRenderTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return "FetchFailed_Timeout"
		}
		if errors.Is(err, ErrHTTPStatus) {
			return "FetchFailed_HTTPStatus"
		}
		if errors.Is(err, ErrBlockedResource) {
			return "FetchFailed_Blocked"
		}
		if errors.Is(err, ErrSessionInit) {
			return "FetchFailed_Session"
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "connection refused") {
			return "FetchFailed_ConnectionRefused"
		}
		if strings.Contains(msg, "no such host") || strings.Contains(msg, "name_not_resolved") {
			return "FetchFailed_DNSLookup"
		}
		return "FetchFailed_Other"
	case errors.Is(err, ErrRenderTimeout):
		return "Render_Timeout"
	case errors.Is(err, ErrSessionInit):
		return "Resource_Session"
	case errors.Is(err, ErrBlockedResource):
		return "Policy_Blocked"
	case errors.Is(err, ErrHTTPStatus):
		return "HTTP_Status"
	case errors.Is(err, ErrInvalidWebsite):
		return "Input_Website"
	case errors.Is(err, ErrInvalidTenant):
		return "Input_Tenant"
	case errors.Is(err, ErrParsing):
		msg := err.Error()
		if strings.Contains(msg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(msg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(msg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrJobNotFound):
		return "Job_NotFound"
	case errors.Is(err, ErrJobFinalized):
		return "Job_Finalized"
	case errors.Is(err, ErrDispatch):
		return "Audit_Dispatch"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "panic") {
		return "Internal_Panic"
	}

	return "Unknown"
}
