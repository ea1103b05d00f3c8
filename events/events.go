// SPDX-License-Identifier: AGPL-3.0-only

// Package events defines the callback-facing payloads tcpmsg endpoints
// emit, and the polymorphic buffered/streamed handler variant Design
// Note §9 calls for.
package events

import "io"

// DisconnectReason classifies why a Session left Steady state (spec §7).
type DisconnectReason uint8

const (
	ReasonNormal DisconnectReason = iota
	ReasonRemoved
	ReasonTimeout
	ReasonShutdown
	ReasonAuthFailure
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "Normal"
	case ReasonRemoved:
		return "Removed"
	case ReasonTimeout:
		return "Timeout"
	case ReasonShutdown:
		return "Shutdown"
	case ReasonAuthFailure:
		return "AuthFailure"
	default:
		return "Unknown"
	}
}

// BufferedMessageFunc is the "message mode" data handler: the payload is
// already fully materialized.
type BufferedMessageFunc func(peer string, metadata map[string]interface{}, payload []byte)

// StreamedMessageFunc is the "stream mode" data handler: the handler
// must fully read (or explicitly discard) exactly length bytes from r
// before returning, per spec §4.3/§5.
type StreamedMessageFunc func(peer string, metadata map[string]interface{}, length int64, r io.Reader)

// SyncRequestFunc handles an inbound synchronous request and may return
// a response payload to send back. A nil return means no reply is sent.
type SyncRequestFunc func(peer string, metadata map[string]interface{}, payload []byte) (response []byte, responseMetadata map[string]interface{})

// PSKProviderFunc is invoked when a server challenges with AuthRequired;
// returning ok=false skips authentication and the Session terminates.
type PSKProviderFunc func() (psk []byte, ok bool)

// Handlers is the record of function-valued fields passed explicitly
// into endpoint construction (Design Note §9: "no inheritance" — plain
// records instead of class hierarchies of callbacks). At most one of
// OnMessage / OnStream may be set; registering both is InvalidArgument.
type Handlers struct {
	OnMessage  BufferedMessageFunc
	OnStream   StreamedMessageFunc
	OnSyncReq  SyncRequestFunc
	ProvidePSK PSKProviderFunc

	ServerConnected         func()
	ServerDisconnected      func(reason DisconnectReason)
	AuthenticationSucceeded func()
	AuthenticationFailed    func()
	ClientConnected         func(peer string)
	ClientDisconnected      func(peer string, reason DisconnectReason)
	ExceptionEncountered    func(err error)
}

// Validate enforces the mutual exclusion of the two data-handler kinds.
func (h Handlers) Validate() error {
	if h.OnMessage != nil && h.OnStream != nil {
		return ErrBothHandlerKinds
	}
	return nil
}

// ErrBothHandlerKinds is returned by Validate when both a buffered and a
// streamed data handler are registered at once.
var ErrBothHandlerKinds = bothHandlerKindsError{}

type bothHandlerKindsError struct{}

func (bothHandlerKindsError) Error() string {
	return "events: OnMessage and OnStream are mutually exclusive"
}
