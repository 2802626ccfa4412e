// Package bgxcore drives a Quectel BGx-family cellular modem over an
// NXP SC16IS741A-class SPI-to-UART bridge: AT commands, URC dispatch,
// and streaming TCP/UDP/SSL socket and MQTT data paths.
package bgxcore

import (
	"errors"
	"fmt"

	"github.com/loouq/bgxcore/internal/action"
)

// StatusCode is the HTTP-shaped result code every upward-facing
// operation returns; nothing in this package throws.
type StatusCode = action.StatusCode

const (
	StatusSuccess            = action.StatusSuccess
	StatusBadRequest         = action.StatusBadRequest
	StatusForbidden          = action.StatusForbidden
	StatusNotFound           = action.StatusNotFound
	StatusTimeout            = action.StatusTimeout
	StatusConflict           = action.StatusConflict
	StatusGone               = action.StatusGone
	StatusPreconditionFailed = action.StatusPreconditionFailed
	StatusCancelled          = action.StatusCancelled
	StatusError              = action.StatusError
	StatusUnavailable        = action.StatusUnavailable
	StatusGatewayTimeout     = action.StatusGatewayTimeout
	StatusPending            = action.StatusPending
)

// ErrorCategory classifies a Local-kind error for the application
// notification callback: transient conditions a caller should retry,
// protocol-level failures the caller must interpret, local resource
// failures (some of them fatal), and fatal bring-up failures.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryProtocol  ErrorCategory = "protocol"
	CategoryLocal     ErrorCategory = "local"
	CategoryBringUp   ErrorCategory = "bringup"
)

// Error is a structured error carrying the operation, status code, and
// error category, with room for a wrapped cause.
type Error struct {
	Op       string
	Category ErrorCategory
	Code     StatusCode
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = fmt.Sprintf("status %d", e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("bgxcore: %s: %s (%s)", e.Op, msg, e.Category)
	}
	return fmt.Sprintf("bgxcore: %s (%s)", msg, e.Category)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code && e.Category == te.Category
}

// NewError builds a structured error for the given operation.
func NewError(op string, category ErrorCategory, code StatusCode, msg string) *Error {
	return &Error{Op: op, Category: category, Code: code, Msg: msg}
}

// WrapError wraps inner with bgxcore context, preserving an existing
// *Error's category and code when inner already carries one.
func WrapError(op string, category ErrorCategory, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Category: be.Category, Code: be.Code, Msg: be.Msg, Inner: be.Inner}
	}
	return &Error{Op: op, Category: category, Code: StatusError, Msg: inner.Error(), Inner: inner}
}

// IsCategory reports whether err is a bgxcore *Error of the given
// category.
func IsCategory(err error, category ErrorCategory) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Category == category
	}
	return false
}

// Sentinel errors for common bring-up/local failures, matching the
// shapes §7 names.
var (
	ErrAppReadyTimeout = NewError("bringup", CategoryBringUp, StatusGatewayTimeout, "modem APP RDY boot URC not seen before timeout")
	ErrNoBuffer        = NewError("rxpool", CategoryLocal, StatusError, "no free RX buffer available")
	ErrTXOverflow      = NewError("txring", CategoryLocal, StatusError, "TX ring rejected bytes: command was not fully enqueued")
	ErrNotStarted      = NewError("lifecycle", CategoryLocal, StatusPreconditionFailed, "modem has not been started")
)
