// Copyright 2025 The Ringsock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rserr defines the error taxonomy shared by ringbuf, sock, conn,
// server and client.
package rserr

import "fmt"

// Kind classifies an Error so callers can branch on it without parsing
// strings.
type Kind int

const (
	// KindPOSIX wraps a raw errno from a syscall.
	KindPOSIX Kind = iota
	// KindAddressResolution wraps a getaddrinfo-style failure.
	KindAddressResolution
	// KindKernel wraps a failure from a kernel-level operation (e.g. mmap)
	// that isn't a plain errno, tagged with the step that failed.
	KindKernel
	// KindProtocolNotSupported is returned by Dialer.Connect for anything
	// other than TCP or UDP.
	KindProtocolNotSupported
	// KindNotUTF8 is returned by the string overload of Connection.Write.
	KindNotUTF8
	// KindWriteBufferFull is returned when the tx ring buffer cannot grow
	// to fit a write and is non-empty. Retryable once the buffer drains.
	KindWriteBufferFull
	// KindCantStartListener wraps a bind/listen failure.
	KindCantStartListener
	// KindTimedOut is surfaced by Dialer.Connect when the deadline timer
	// fires before the connect completes.
	KindTimedOut
	// KindConnectionReset marks an orderly or forced peer close surfaced
	// as a read/write failure.
	KindConnectionReset
)

func (k Kind) String() string {
	switch k {
	case KindPOSIX:
		return "posix"
	case KindAddressResolution:
		return "address_resolution"
	case KindKernel:
		return "kernel"
	case KindProtocolNotSupported:
		return "protocol_not_supported"
	case KindNotUTF8:
		return "not_utf8"
	case KindWriteBufferFull:
		return "write_buffer_full"
	case KindCantStartListener:
		return "cant_start_listener"
	case KindTimedOut:
		return "timed_out"
	case KindConnectionReset:
		return "connection_reset"
	default:
		return "unknown"
	}
}

// Error is the single error type returned across the module.
type Error struct {
	Kind Kind
	// Op names the failing kernel operation, used by KindKernel (e.g.
	// "mmap", "memfd_create").
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("ringsock: %s: %s: %v", e.Kind, e.Op, e.Err)
		}
		return fmt.Sprintf("ringsock: %s: %s", e.Kind, e.Op)
	}
	if e.Err != nil {
		return fmt.Sprintf("ringsock: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ringsock: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// NewOp builds a KindKernel-style Error naming the failing operation.
func NewOp(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is itself a *Error of the given kind. err is not
// unwrapped: a *Error wrapped inside another error does not match.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}

// ErrFullNonEmpty is the KindWriteBufferFull error ringbuf returns when a
// non-empty buffer cannot fit a write; conn.Connection.Write passes it on.
var (
	ErrFullNonEmpty = &Error{Kind: KindWriteBufferFull, Err: fmt.Errorf("buffer full")}
)
