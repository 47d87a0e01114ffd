package brokerage

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the UI layer. Codes in benignCodes are recorded but
// suppressed from user display.
const (
	ErrNoAmount              = "no_amount"
	ErrNoPairSelected        = "no_pair_selected"
	ErrNoPaymentType         = "no_payment_type"
	ErrNoAccount             = "no_account"
	ErrNoQuote               = "no_quote"
	ErrNoOrderExists         = "no_order_exists"
	ErrOrderNotFound         = "order_not_found"
	ErrOrderValueChanged     = "order_value_changed"
	ErrUnhandledPaymentState = "unhandled_payment_state"
	ErrVerificationTimedOut  = "order_verification_timed_out"
	ErrPollAbandoned         = "poll_abandoned"
	ErrUserCancelled         = "user_cancelled"
	ErrListenerAlreadyExist  = "listener_already_exist"
	ErrFlowAlreadyActive     = "flow_already_active"
	ErrPaymentInfoNotFound   = "payment_info_not_found"
	ErrAcquirerNotFound      = "card_acquirer_not_found"

	// Card activation classifications after polling concludes.
	ErrCardPendingAfterPoll = "pending_card_after_poll"
	ErrCardBlockedAfterPoll = "blocked_card_after_poll"
	ErrCardLinkFailed       = "link_card_failed"
)

var benignCodes = map[string]struct{}{
	ErrNoAmount: {},
}

// Benign reports whether the code is suppressed from user display.
func Benign(code string) bool {
	_, ok := benignCodes[code]
	return ok
}

// ValidationError marks missing or malformed flow input. Recoverable; the UI
// re-prompts in place.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string {
	return e.Code
}

// NewValidationError returns a ValidationError carrying code.
func NewValidationError(code string) *ValidationError {
	return &ValidationError{Code: code}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ProviderError is a failed provider call: network failure or a non-2xx
// response with a provider code and message.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

func IsProvider(err error) bool {
	var p *ProviderError
	return errors.As(err, &p)
}

// TimeoutError is raised when a polling budget is exhausted without reaching
// a terminal condition.
type TimeoutError struct {
	Op       string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts", e.Op, ErrVerificationTimedOut, e.Attempts)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// CancellationError is an explicit user abort of a token-issuance flow,
// distinct from a generic failure.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return ErrUserCancelled
	}
	return fmt.Sprintf("%s: %s", ErrUserCancelled, e.Reason)
}

func IsCancellation(err error) bool {
	var c *CancellationError
	return errors.As(err, &c)
}

// ConflictError is a cancel issued against an already-settled order. Callers
// treat it as success.
type ConflictError struct {
	OrderID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s already settled", e.OrderID)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// Code extracts the UI-facing error code from err, falling back to the error
// text for untyped errors.
func Code(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Code
	}
	var p *ProviderError
	if errors.As(err, &p) {
		return p.Code
	}
	if IsTimeout(err) {
		return ErrVerificationTimedOut
	}
	if IsCancellation(err) {
		return ErrUserCancelled
	}
	return err.Error()
}
