package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
)

// Error is a failed submission. It unwraps to appErrors.ErrProviderRejected
// for business rejections and appErrors.ErrProviderUnavailable for transport
// failures, throttling and 5xx responses.
type Error struct {
	Provider   models.PayoutMethod
	Code       string
	Message    string
	StatusCode int
	rejected   bool
	Err        error
}

func (e *Error) Error() string {
	kind := "unavailable"
	if e.rejected {
		kind = "rejected"
	}
	msg := fmt.Sprintf("%s payout %s", e.Provider, kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	kind := appErrors.ErrProviderUnavailable
	if e.rejected {
		kind = appErrors.ErrProviderRejected
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// Rejected reports whether the provider refused the payout itself.
func (e *Error) Rejected() bool { return e.rejected }

func rejectedError(provider models.PayoutMethod, status int, code, message string) *Error {
	return &Error{Provider: provider, StatusCode: status, Code: code, Message: message, rejected: true}
}

func unavailableError(provider models.PayoutMethod, status int, code, message string, err error) *Error {
	return &Error{Provider: provider, StatusCode: status, Code: code, Message: message, Err: err}
}

// NewRejectedError builds a business rejection for adapters outside this package.
func NewRejectedError(provider models.PayoutMethod, code, message string) *Error {
	return rejectedError(provider, 0, code, message)
}

// NewUnavailableError builds a transient failure for adapters outside this package.
func NewUnavailableError(provider models.PayoutMethod, code, message string, err error) *Error {
	return unavailableError(provider, 0, code, message, err)
}

// IsRetryable reports whether a submission error may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, appErrors.ErrProviderUnavailable)
}

// IsRejected reports whether the provider refused the payout.
func IsRejected(err error) bool {
	return errors.Is(err, appErrors.ErrProviderRejected)
}

// Details returns the provider error code and message for the ledger.
func Details(err error) (code, message string) {
	var pe *Error
	if errors.As(err, &pe) {
		code = pe.Code
		message = pe.Message
		if message == "" && pe.Err != nil {
			message = pe.Err.Error()
		}
		if code == "" && pe.StatusCode > 0 {
			code = fmt.Sprintf("HTTP_%d", pe.StatusCode)
		}
		return code, message
	}
	if err != nil {
		return "", err.Error()
	}
	return "", ""
}
