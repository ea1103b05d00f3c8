// SPDX-License-Identifier: AGPL-3.0-only

// Package tcpmsg is the root of a reusable TCP messaging library: a
// self-describing framed protocol over TCP/TLS with preshared-key
// authentication, request/response correlation, and idle-timeout
// disconnection. See the subpackages (wire, frame, ioconn, session,
// syncreg, client, server) for the pieces; this file holds the shared
// error taxonomy (spec §7) every one of them returns through.
package tcpmsg

import (
	"errors"
	"fmt"
)

// Sentinel errors matching spec §7's taxonomy. Wrap these with fmt.Errorf
// ("%w: ...") rather than constructing ad hoc strings so callers can
// errors.Is/errors.As against a stable set.
var (
	ErrTimeout       = errors.New("tcpmsg: timeout")
	ErrAuthFailure   = errors.New("tcpmsg: authentication failed")
	ErrNotConnected  = errors.New("tcpmsg: not connected")
	ErrWriteRejected = errors.New("tcpmsg: write rejected")
	ErrInvalidArgument = errors.New("tcpmsg: invalid argument")
)

// ConnectError reports a failure to establish the transport itself
// (dial failure, connect timeout), modeled on the teacher's
// client2/connection.go ConnectError.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("tcpmsg: connect error: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

func newConnectError(format string, a ...interface{}) error {
	return &ConnectError{Err: fmt.Errorf(format, a...)}
}

// NewConnectError is the exported constructor used by client/server.
func NewConnectError(format string, a ...interface{}) error {
	return newConnectError(format, a...)
}

// TLSHandshakeError reports a failed TLS handshake, client or server
// side.
type TLSHandshakeError struct {
	Err error
}

func (e *TLSHandshakeError) Error() string {
	return fmt.Sprintf("tcpmsg: TLS handshake error: %v", e.Err)
}
func (e *TLSHandshakeError) Unwrap() error { return e.Err }

// NewTLSHandshakeError wraps err as a TLSHandshakeError.
func NewTLSHandshakeError(err error) error {
	return &TLSHandshakeError{Err: err}
}

// ProtocolError reports a connection torn down because of a wire
// protocol violation (malformed frame, unexpected duplicate
// ConversationId, ...), modeled on the teacher's ProtocolError.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("tcpmsg: protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps a formatted message as a ProtocolError.
func NewProtocolError(format string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(format, a...)}
}
