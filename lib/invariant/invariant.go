// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package invariant reports non-recoverable protocol and programming
// errors.
//
// The proxy distinguishes two failure classes. Ordinary runtime
// failures (transport errors, lookup misses, denied operations) are
// returned as error values and handled by the caller. Invariant
// violations — a reverse channel connected twice, a connection factory
// invoked before the trust relationship exists, a reference count
// driven below zero — indicate that a component's state is already
// corrupt. Continuing would operate on undefined state, so these
// abort the affected component via panic with a [*Violation] value.
//
// Callers are not expected to recover a Violation. The distinct panic
// type exists so that tests can assert on the failure class and so
// that crash reports identify protocol corruption at a glance.
package invariant

import "fmt"

// Violation is the panic value for a non-recoverable invariant
// violation. Op identifies the component that detected the violation.
type Violation struct {
	Op  string
	Msg string
}

// Error implements the error interface so a recovered Violation can
// be wrapped or logged like any other error. Recovery is for test
// harnesses only; production code must not continue past one.
func (v *Violation) Error() string {
	return v.Op + ": invariant violation: " + v.Msg
}

// Failf panics with a *Violation describing the failed invariant.
func Failf(op, format string, args ...any) {
	panic(&Violation{Op: op, Msg: fmt.Sprintf(format, args...)})
}
