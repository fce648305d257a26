package server

import (
	"errors"
	"fmt"
)

// Caller-visible failure taxonomy. Authentication and session failures are
// deliberately generic: the caller never learns whether the email exists
// or which factor was wrong.
var (
	ErrAuthenticationFailed = errors.New("invalid credentials")
	ErrAccountLocked        = errors.New("too many failed attempts")
	ErrSessionInvalid       = errors.New("session is not valid")
	ErrAccountNotFound      = errors.New("account not found")
	ErrEmailExists          = errors.New("email already registered")
	ErrInvalidAmount        = errors.New("amount must be a positive number of credits")
	ErrSameAccount          = errors.New("transfer requires two distinct accounts")
	ErrInvalidPackage       = errors.New("credit package is not offered")
	ErrPriceMismatch        = errors.New("client-sent price does not match the server price")
	ErrNotAuthorized        = errors.New("operation not allowed for this rank")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrInvalidPIN           = errors.New("pin must be exactly four digits")
	ErrPersistence          = errors.New("persistence unavailable")
)

// InsufficientFundsError carries the attempted amount and the balance the
// payer actually had, so the UI can show both.
type InsufficientFundsError struct {
	Requested int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: requested %d credits, available %d", e.Requested, e.Available)
}

// GatewayError wraps a failed or malformed interaction with the external
// payment gateway. Retryable from the caller's point of view.
type GatewayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment gateway %s failed: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
