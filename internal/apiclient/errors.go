package apiclient

import (
	"fmt"

	"github.com/wyysfzj/journey-runtime/internal/errs"
)

// Kind classifies API client failures.
type Kind string

const (
	// KindRequestBuild indicates the request could not be constructed.
	KindRequestBuild Kind = "request_build_failed"
	// KindTransport indicates a transport-level failure (DNS, TLS, cancel).
	KindTransport Kind = "transport"
	// KindHTTP indicates a non-retriable HTTP failure status.
	KindHTTP Kind = "http_error"
	// KindRetryLimit indicates a retriable status on the final attempt.
	KindRetryLimit Kind = "retry_limit_exceeded"
)

// Error is an API client failure. Status is -1 for non-HTTP failures and
// for certificate-pinning rejections.
type Error struct {
	Kind   Kind
	Status int
	Code   errs.Code
	Body   []byte
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apiclient %s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("apiclient %s (%s): status %d", e.Kind, e.Code, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the mapped code is worth retrying at the
// journey level.
func (e *Error) Recoverable() bool { return e.Code.Recoverable() }

// mapStatus applies the fixed status-to-code mapping.
func mapStatus(status int, hasIdempotencyKey bool) errs.Code {
	switch {
	case status == 401 || status == 403:
		return errs.CodeAuthExpired
	case status == 408:
		return errs.CodeNetTimeout
	case status == 409 && hasIdempotencyKey:
		return errs.CodeIdempotentReplay
	case status == 400 || status == 422:
		return errs.CodeValidationFail
	case status == 429:
		return errs.CodeRateLimited
	default:
		return errs.CodeUnknown
	}
}
