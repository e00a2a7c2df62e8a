// Package apperr classifies errors so job handlers and HTTP handlers can
// decide between retrying, rejecting, and reporting.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindExternal
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(KindValidation, "VALIDATION_ERROR", message)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, "NOT_FOUND", message)
}

func External(message string, err error) *Error {
	return Wrap(KindExternal, "EXTERNAL_PROVIDER", message, err)
}

// KindOf returns the classification of err, defaulting to KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the queue should retry a job that failed
// with err. Validation, conflict and not-found failures are permanent;
// everything else is assumed transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConflict, KindNotFound:
		return false
	}
	return true
}

// ErrInsufficientBalance is returned by the ledger for spend-category
// debits that would drive the balance negative.
var ErrInsufficientBalance = Conflict("INSUFFICIENT_BALANCE", "insufficient balance")

// ErrInvalidSignature is returned when webhook signature verification fails.
var ErrInvalidSignature = New(KindValidation, "INVALID_SIGNATURE", "invalid webhook signature")
