// Package errs defines the stable error taxonomy shared by the wallet, password,
// payment and checkout packages. Every failure that crosses a package boundary
// carries a Code that API handlers can map to a response without inspecting
// messages.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error code.
type Code string

const (
	CodeAmountMismatch          Code = "AMOUNT_MISMATCH"
	CodePasswordNotConfigured   Code = "PASSWORD_NOT_CONFIGURED"
	CodePasswordLocked          Code = "PASSWORD_LOCKED"
	CodePasswordMismatch        Code = "PASSWORD_MISMATCH"
	CodeInsufficientBalance     Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientFunds       Code = "INSUFFICIENT_FUNDS"
	CodeDuplicateOperation      Code = "DUPLICATE_OPERATION"
	CodeOrderServiceUnavailable Code = "ORDER_SERVICE_UNAVAILABLE"
	CodeOrderCreationFailed     Code = "ORDER_CREATION_FAILED"
	CodeRefundFailed            Code = "REFUND_FAILED"
	CodeEntryNotFound           Code = "ENTRY_NOT_FOUND"
	CodeAlreadyReversed         Code = "ALREADY_REVERSED"
	CodeWalletNotFound          Code = "WALLET_NOT_FOUND"
	CodeIdempotencyConflict     Code = "IDEMPOTENCY_CONFLICT"
	CodeServiceNotFound         Code = "SERVICE_NOT_FOUND"
	CodeCatalogUnavailable      Code = "CATALOG_UNAVAILABLE"
	CodeRefundNotAllowed        Code = "REFUND_NOT_ALLOWED"
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeInternal                Code = "INTERNAL"
)

// Error is a coded error. Two Errors match under errors.Is when their codes are
// equal, so callers can compare against the sentinels below even when the
// message was customised.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the user facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "an unexpected error occurred"
}

// Sentinels
var (
	ErrAmountMismatch          = New(CodeAmountMismatch, "submitted total does not match current price")
	ErrPasswordNotConfigured   = New(CodePasswordNotConfigured, "spending password is not configured")
	ErrPasswordLocked          = New(CodePasswordLocked, "too many incorrect password attempts, try again later")
	ErrPasswordMismatch        = New(CodePasswordMismatch, "incorrect spending password")
	ErrInsufficientBalance     = New(CodeInsufficientBalance, "balance is too low for this order")
	ErrInsufficientFunds       = New(CodeInsufficientFunds, "debit would make balance negative")
	ErrOrderServiceUnavailable = New(CodeOrderServiceUnavailable, "order service is unavailable")
	ErrOrderCreationFailed     = New(CodeOrderCreationFailed, "order could not be created, payment was refunded")
	ErrRefundFailed            = New(CodeRefundFailed, "refund could not be completed")
	ErrEntryNotFound           = New(CodeEntryNotFound, "ledger entry not found")
	ErrAlreadyReversed         = New(CodeAlreadyReversed, "ledger entry already reversed")
	ErrWalletNotFound          = New(CodeWalletNotFound, "wallet not found")
	ErrIdempotencyConflict     = New(CodeIdempotencyConflict, "operation token already used for a different operation")
	ErrServiceNotFound         = New(CodeServiceNotFound, "service not found")
	ErrCatalogUnavailable      = New(CodeCatalogUnavailable, "catalog is unavailable")
	ErrRefundNotAllowed        = New(CodeRefundNotAllowed, "charge belongs to an order that is not failed")
	ErrInvalidArgument         = New(CodeInvalidArgument, "invalid argument")
)
