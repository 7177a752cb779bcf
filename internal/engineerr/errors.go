/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package engineerr defines the typed error taxonomy used across the
// execution core. Operations return these values instead of panicking;
// callers branch on Kind to decide retry, surface, or abort behavior.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch by callers and the control surface.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindPolicyDenied      Kind = "policy_denied"
	KindChainMismatch     Kind = "chain_mismatch"
	KindCorruption        Kind = "corruption"
	KindTransport         Kind = "transport"
	KindTimeout           Kind = "timeout"
	KindBudgetExhausted   Kind = "budget_exhausted"
)

// Error is the concrete typed error value carried through the system.
type Error struct {
	Kind    Kind
	Message string
	// Retryable indicates whether the caller may retry the operation.
	Retryable bool
	// RetryAfterSeconds is an optional suggested backoff, set for BudgetExhausted.
	RetryAfterSeconds float64
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a Kind sentinel constructed
// with New(kind, "", nil).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...), nil)
}

func InvalidTransition(entity, currentState, eventType string) *Error {
	return New(KindInvalidTransition,
		fmt.Sprintf("entity %s: no transition from state %q on event %q", entity, currentState, eventType), nil)
}

func PolicyDenied(reason string) *Error {
	return New(KindPolicyDenied, reason, nil)
}

func ChainMismatch(scope, message string) *Error {
	return New(KindChainMismatch, fmt.Sprintf("scope %s: %s", scope, message), nil)
}

func Corruption(scope, message string) *Error {
	return New(KindCorruption, fmt.Sprintf("scope %s: %s", scope, message), nil)
}

func Transport(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err, Retryable: true}
}

func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Retryable: true}
}

func BudgetExhausted(message string, retryAfterSeconds float64) *Error {
	return &Error{Kind: KindBudgetExhausted, Message: message, Retryable: retryAfterSeconds > 0, RetryAfterSeconds: retryAfterSeconds}
}

// Kindof returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Kindof(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
