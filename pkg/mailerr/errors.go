// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package mailerr defines the error values shared by the SMTP, IMAP, and POP3
// engines. Every error returned from a session carries a Kind, so callers can
// tell an authentication failure from a dropped connection with errors.Is.
package mailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a session failure.
type Kind int

const (
	// ConnectionError covers DNS, dial, and TLS handshake failures.
	ConnectionError Kind = iota + 1
	// ProtocolViolation is an unexpected status code, a malformed line, or a
	// desynchronized IMAP tag.
	ProtocolViolation
	// PrematureClose means the stream ended while a response was expected.
	PrematureClose
	// AuthenticationFailed is an explicit rejection at the authentication step.
	AuthenticationFailed
	// Rejected is a well-formed refusal from the server: IMAP NO or POP3 -ERR.
	Rejected
	// DecodeFailure is only ever reported through logs; header decoding falls
	// back to the raw text.
	DecodeFailure
)

func (k Kind) String() string {
	switch k {
	case ConnectionError:
		return "connection error"
	case ProtocolViolation:
		return "protocol violation"
	case PrematureClose:
		return "premature close"
	case AuthenticationFailed:
		return "authentication failed"
	case Rejected:
		return "rejected"
	case DecodeFailure:
		return "decode failure"
	}
	return fmt.Sprintf("mailerr.Kind(%d)", int(k))
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is a session failure with enough context to diagnose it: the last
// command sent (credentials redacted) and the last raw line received.
type Error struct {
	Kind     Kind
	Command  string
	Response string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Command != "" {
		fmt.Fprintf(&b, " after %q", e.Command)
	}
	if e.Response != "" {
		fmt.Fprintf(&b, ": server said %q", e.Response)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, command, response string, err error) *Error {
	return &Error{Kind: kind, Command: command, Response: response, Err: err}
}

// Errorf creates an Error with a formatted cause.
func Errorf(kind Kind, command, response string, format string, args ...any) *Error {
	return New(kind, command, response, fmt.Errorf(format, args...))
}

// KindOf reports the Kind of err, or 0 if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}
