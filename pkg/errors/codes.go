package errors

import stderrors "errors"

// Error codes recognized across the service. HTTP handlers map these to
// status codes; components never raise anything outside this set across a
// boundary (CircuitOpen never crosses a boundary at all — it is converted
// to a degraded result before returning).
const (
	CodeValidation  = "validation_error"
	CodeAuth        = "auth_error"
	CodeRateLimit   = "rate_limit_error"
	CodeNotFound    = "not_found"
	CodeExtraction  = "extraction_error"
	CodeProvider    = "provider_error"
	CodeCancelled   = "cancelled"
	CodeInternal    = "internal_error"
)

// ProviderErr wraps CodeProvider with a retryable flag, since the component
// that owns the upstream call (embedder, reranker, chat client) needs to
// know whether to retry without parsing the message string.
type ProviderErr struct {
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderErr) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderErr) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderErr as an AppError so IsCode(CodeProvider)
// still matches it at the HTTP boundary.
func NewProviderError(message string, err error, retryable bool) error {
	return &AppError{Code: CodeProvider, Message: message, Err: &ProviderErr{Message: message, Err: err, Retryable: retryable}}
}

// IsRetryable reports whether a wrapped ProviderErr asked for a retry.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	pe, ok := appErr.Err.(*ProviderErr)
	return ok && pe.Retryable
}
