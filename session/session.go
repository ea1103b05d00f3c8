// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the per-connection state machine: handshake,
// steady-state dispatch, and teardown (spec §4.3). A Session owns exactly
// one ConnectionIO and drives exactly one reader goroutine plus an idle
// watchdog goroutine.
package session

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	tcpmsg "github.com/xendarboh/tcpmsg"
	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/internal/worker"
	"github.com/xendarboh/tcpmsg/ioconn"
	"github.com/xendarboh/tcpmsg/stats"
	"github.com/xendarboh/tcpmsg/syncreg"
	"github.com/xendarboh/tcpmsg/wire"
)

// State is one of the Session state machine's nodes (spec §4.3 diagram).
type State int32

const (
	StateConnecting State = iota
	StatePreAuth
	StateAuthenticating
	StateSteady
	StateTerminating
	StateClosed
)

// authState tracks the local view of PSK authentication.
type authState int32

const (
	authNotRequired authState = iota
	authPending
	authDone
)

// Session is the per-connection state machine. isServer selects the
// side: a server-side Session challenges, a client-side Session
// responds.
type Session struct {
	worker.Worker

	Peer string // "ip:port" rendered at accept/connect time

	conn     *ioconn.ConnectionIO
	settings config.Settings
	handlers events.Handlers
	registry *syncreg.Registry
	log      *log.Logger
	stats    *stats.Collector
	isServer bool

	state     atomic.Int32
	auth      atomic.Int32
	lastNanos atomic.Int64

	disconnectMu    sync.Mutex
	disconnected    bool
	disconnectFired bool
}

// Options bundles Session construction parameters.
type Options struct {
	Conn     *ioconn.ConnectionIO
	Settings config.Settings
	Handlers events.Handlers
	Registry *syncreg.Registry
	Logger   *log.Logger
	Stats    *stats.Collector
	Peer     string
	IsServer bool
}

// New builds a Session but does not start its goroutines; call Start.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "session", ReportTimestamp: true})
	}
	st := opts.Stats
	if st == nil {
		st = stats.Noop()
	}
	s := &Session{
		Peer:     opts.Peer,
		conn:     opts.Conn,
		settings: opts.Settings,
		handlers: opts.Handlers,
		registry: opts.Registry,
		log:      logger,
		stats:    st,
		isServer: opts.IsServer,
	}
	s.state.Store(int32(StateConnecting))
	s.auth.Store(int32(authNotRequired))
	s.touchActivity()
	return s
}

// Start transitions PreAuth and launches the reader loop and idle
// watchdog. Safe to call only once. Per the FSM's "no PSK required"
// edge, a Session that isn't about to be challenged moves straight to
// Steady: a server with no configured PresharedKey never sends
// AuthRequired (server.go skips RequireAuth in that case), and a client
// has no local signal distinguishing "no challenge coming" from "one
// hasn't arrived yet" other than simply being ready to exchange data —
// if a challenge does arrive later, handleAuthRequired still moves the
// state to Authenticating and back.
func (s *Session) Start() {
	s.setState(StatePreAuth)
	if !(s.isServer && s.settings.HasPresharedKey()) {
		s.setState(StateSteady)
	}
	s.Go(s.readLoop)
	if idleTimeout := s.idleTimeout(); idleTimeout > 0 {
		s.Go(s.idleWatchdog)
	}
}

func (s *Session) idleTimeout() time.Duration {
	if s.isServer {
		return s.settings.IdleClientTimeout
	}
	return s.settings.IdleServerTimeout
}

func (s *Session) evalInterval() time.Duration {
	if s.settings.IdleEvalInterval > 0 {
		return s.settings.IdleEvalInterval
	}
	return 1 * time.Second
}

func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) setState(v State) { s.state.Store(int32(v)) }

func (s *Session) touchActivity() { s.lastNanos.Store(time.Now().UnixNano()) }

// RequireAuth sends the server-initiated {Status=AuthRequired} challenge.
// Called by ServerEndpoint right after accept when a PSK is configured.
func (s *Session) RequireAuth() error {
	s.auth.Store(int32(authPending))
	s.setState(StateAuthenticating)
	return s.writeControl(&wire.Header{Status: wire.StatusAuthRequired})
}

// Authenticate sends the client-initiated {Status=AuthRequested,
// PresharedKey=psk} response to a challenge. psk must be exactly 16
// bytes.
func (s *Session) Authenticate(psk []byte) error {
	if len(psk) != wire.PresharedKeyLength {
		return fmt.Errorf("session: PresharedKey must be %d bytes, got %d", wire.PresharedKeyLength, len(psk))
	}
	return s.writeControl(&wire.Header{Status: wire.StatusAuthRequested, PresharedKey: psk})
}

// Send writes a Normal data message, fully buffered.
func (s *Session) Send(payload []byte, metadata map[string]interface{}) error {
	h := &wire.Header{
		ContentLength: uint64(len(payload)),
		Status:        wire.StatusNormal,
		Metadata:      metadata,
	}
	return s.write(h, bytes.NewReader(payload))
}

// SendStream writes a Normal data message whose payload is streamed from
// src rather than buffered in memory.
func (s *Session) SendStream(length int64, src io.Reader, metadata map[string]interface{}) error {
	h := &wire.Header{
		ContentLength: uint64(length),
		Status:        wire.StatusNormal,
		Metadata:      metadata,
	}
	return s.write(h, src)
}

// SendAndWait routes a request through the SyncRegistry and parks until
// a matching response arrives or timeout elapses (spec §4.4). timeout
// must be >= syncreg.MinTimeout.
func (s *Session) SendAndWait(timeout time.Duration, payload []byte, metadata map[string]interface{}) (*syncreg.Response, error) {
	if timeout < syncreg.MinTimeout {
		return nil, fmt.Errorf("session: timeout must be >= %s", syncreg.MinTimeout)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("session: generating ConversationId: %w", err)
	}
	var convID [wire.ConversationIDLength]byte
	copy(convID[:], id.Bytes())

	now := time.Now().UTC()
	expiration := now.Add(timeout)

	entry, err := s.registry.Register(convID, expiration)
	if err != nil {
		// spec §4.4: "double-insertion under the same key is a protocol
		// violation and the connection MUST be terminated" — surface it
		// as a ProtocolError and tear down rather than merely reporting
		// it back to this caller.
		protoErr := tcpmsg.NewProtocolError("duplicate ConversationId: %v", err)
		s.terminateWith(events.ReasonNormal)
		return nil, protoErr
	}

	h := &wire.Header{
		ContentLength:   uint64(len(payload)),
		Status:          wire.StatusNormal,
		Metadata:        metadata,
		SyncRequest:     true,
		SenderTimestamp: &now,
		Expiration:      &expiration,
		ConversationID:  convID[:],
	}
	if err := s.write(h, bytes.NewReader(payload)); err != nil {
		// Leave the registered entry for the expirer to reap rather than
		// reaching into the registry's internals here.
		return nil, err
	}
	if s.stats != nil {
		s.stats.SyncRequestsSent.Inc()
	}

	resp, err := s.registry.Wait(convID, entry, expiration)
	if err != nil {
		if s.stats != nil {
			s.stats.SyncTimeouts.Inc()
		}
		if errors.Is(err, syncreg.ErrSyncTimeout) {
			return nil, fmt.Errorf("%w: %w", tcpmsg.ErrTimeout, err)
		}
		return nil, err
	}
	return resp, nil
}

// write is the shared path for Normal/Sync outbound messages: acquire
// the writer lock (inside ConnectionIO), send, and touch activity so the
// idle watchdog sees outbound traffic too.
func (s *Session) write(h *wire.Header, src io.Reader) error {
	if s.State() >= StateTerminating {
		return fmt.Errorf("session: %w", tcpmsg.ErrWriteRejected)
	}
	if err := s.conn.WriteMessage(h, src); err != nil {
		return err
	}
	s.touchActivity()
	if s.stats != nil {
		s.stats.MessagesSent.Inc()
		s.stats.BytesSent.Add(float64(h.ContentLength))
	}
	return nil
}

func (s *Session) writeControl(h *wire.Header) error {
	return s.write(h, bytes.NewReader(nil))
}

// Disconnect performs a graceful local close: sends {Status=Shutdown},
// halts the reader, closes the transport, and fires the disconnect
// event exactly once. Idempotent; the second and later calls return
// errNotConnected.
func (s *Session) Disconnect() error {
	return s.disconnectWithStatus(wire.StatusShutdown, events.ReasonNormal)
}

// Remove performs a server-initiated kick of this Session's peer: it
// sends the wire status matching reason (StatusRemoved by default, or
// the more specific status when reason names one of the other taxonomy
// entries spec §7 documents), then tears down exactly like Disconnect.
// The peer's own Session observes the sent status via dispatch and
// fires its local disconnect event with the reason matching that status
// (spec §4.6): the same reason, except that ReasonNormal is sent as
// StatusRemoved and so reaches the peer as ReasonRemoved.
func (s *Session) Remove(reason events.DisconnectReason) error {
	return s.disconnectWithStatus(statusForReason(reason), reason)
}

func statusForReason(reason events.DisconnectReason) wire.Status {
	switch reason {
	case events.ReasonShutdown:
		return wire.StatusShutdown
	case events.ReasonTimeout:
		return wire.StatusTimeout
	case events.ReasonAuthFailure:
		return wire.StatusAuthFailure
	default:
		return wire.StatusRemoved
	}
}

func (s *Session) disconnectWithStatus(status wire.Status, reason events.DisconnectReason) error {
	s.disconnectMu.Lock()
	if s.disconnected {
		s.disconnectMu.Unlock()
		return errNotConnected
	}
	s.disconnected = true
	s.disconnectMu.Unlock()

	_ = s.writeControl(&wire.Header{Status: status})
	s.setState(StateTerminating)
	s.conn.Close()
	s.Halt()
	s.setState(StateClosed)
	s.fireDisconnect(reason)
	return nil
}

func (s *Session) fireDisconnect(reason events.DisconnectReason) {
	s.disconnectMu.Lock()
	already := s.disconnectFired
	s.disconnectFired = true
	s.disconnectMu.Unlock()
	if already {
		return
	}
	if s.isServer {
		if s.handlers.ClientDisconnected != nil {
			s.handlers.ClientDisconnected(s.Peer, reason)
		}
	} else {
		if s.handlers.ServerDisconnected != nil {
			s.handlers.ServerDisconnected(reason)
		}
	}
}

var errNotConnected = tcpmsg.ErrNotConnected

// ErrNotConnected is returned by Disconnect when the Session has already
// been torn down.
var ErrNotConnected = errNotConnected

// pskEqual does a constant-time bytewise compare, since PSK comparison
// runs against attacker-controlled input on every handshake attempt.
func pskEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
