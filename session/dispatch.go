// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"bytes"
	"errors"
	"time"

	tcpmsg "github.com/xendarboh/tcpmsg"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/frame"
	"github.com/xendarboh/tcpmsg/ioconn"
	"github.com/xendarboh/tcpmsg/syncreg"
	"github.com/xendarboh/tcpmsg/wire"
)

// readLoop is the Session's sole reader task: it awaits one framed
// message at a time and dispatches it before reading the next, which is
// what makes stream-mode backpressure (spec §5) work for free.
func (s *Session) readLoop() {
	defer s.onReaderExit()

	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		h, payload, err := s.conn.ReadMessage(s.wantStream)
		if err != nil {
			s.onReadError(err)
			return
		}

		s.touchActivity()
		if s.stats != nil {
			s.stats.MessagesReceived.Inc()
			s.stats.BytesReceived.Add(float64(h.ContentLength))
		}

		if terminate := s.dispatch(h, payload); terminate {
			return
		}
	}
}

// wantStream reports whether a Normal data message's payload should be
// streamed to the user handler rather than buffered; every control and
// synchronous message is always buffered since the Session itself needs
// the bytes immediately.
func (s *Session) wantStream(h *wire.Header) bool {
	if h.SyncRequest || h.SyncResponse || h.Status != wire.StatusNormal {
		return false
	}
	return s.handlers.OnStream != nil
}

// dispatch applies spec §4.3's inbound table to one decoded message.
// Returns true if the Session should terminate after this message.
func (s *Session) dispatch(h *wire.Header, payload *ioconn.Payload) bool {
	switch h.Status {
	case wire.StatusRemoved:
		s.terminateWith(events.ReasonRemoved)
		return true
	case wire.StatusShutdown:
		s.terminateWith(events.ReasonShutdown)
		return true
	case wire.StatusTimeout:
		s.terminateWith(events.ReasonTimeout)
		return true
	case wire.StatusAuthSuccess:
		s.auth.Store(int32(authDone))
		s.setState(StateSteady)
		if s.handlers.AuthenticationSucceeded != nil {
			s.safeCall(func() { s.handlers.AuthenticationSucceeded() })
		}
		return false
	case wire.StatusAuthFailure:
		if s.handlers.AuthenticationFailed != nil {
			s.safeCall(func() { s.handlers.AuthenticationFailed() })
		}
		s.reportAuthFailure()
		s.terminateWith(events.ReasonAuthFailure)
		return true
	case wire.StatusAuthRequired:
		return s.handleAuthRequired()
	case wire.StatusAuthRequested:
		return s.handleAuthRequested(h)
	}

	if h.SyncRequest {
		return s.handleSyncRequest(h, payload)
	}
	if h.SyncResponse {
		return s.handleSyncResponse(h, payload)
	}

	return s.handleNormal(h, payload)
}

func (s *Session) handleAuthRequired() bool {
	s.setState(StateAuthenticating)
	if s.handlers.ProvidePSK == nil {
		s.reportAuthFailure()
		s.terminateWith(events.ReasonAuthFailure)
		return true
	}
	psk, ok := s.handlers.ProvidePSK()
	if !ok {
		s.reportAuthFailure()
		s.terminateWith(events.ReasonAuthFailure)
		return true
	}
	if err := s.Authenticate(psk); err != nil {
		s.reportAuthFailure()
		s.terminateWith(events.ReasonAuthFailure)
		return true
	}
	return false
}

// reportAuthFailure surfaces tcpmsg.ErrAuthFailure through
// ExceptionEncountered so callers can errors.Is against the documented
// sentinel rather than only observing it via AuthenticationFailed/
// ServerDisconnected, neither of which carries an error value.
func (s *Session) reportAuthFailure() {
	if s.handlers.ExceptionEncountered != nil {
		s.handlers.ExceptionEncountered(tcpmsg.ErrAuthFailure)
	}
}

// handleAuthRequested is the server side of the handshake: compare the
// presented PresharedKey against the configured one and reply
// AuthSuccess or AuthFailure (spec §4.3 "Authentication protocol").
// PresharedKey length is already pinned to 16 bytes by the wire codec
// (tag 2 is a fixed-width field), so no separate length check is needed
// or would reveal anything an attacker couldn't already see on the wire.
func (s *Session) handleAuthRequested(h *wire.Header) bool {
	want := s.settings.PresharedKey()
	if want != nil && pskEqual(want, h.PresharedKey) {
		s.auth.Store(int32(authDone))
		s.setState(StateSteady)
		_ = s.writeControl(&wire.Header{Status: wire.StatusAuthSuccess})
		return false
	}
	if s.stats != nil {
		s.stats.AuthFailures.Inc()
	}
	_ = s.writeControl(&wire.Header{Status: wire.StatusAuthFailure})
	s.reportAuthFailure()
	s.terminateWith(events.ReasonAuthFailure)
	return true
}

func (s *Session) handleSyncRequest(h *wire.Header, payload *ioconn.Payload) bool {
	if s.authGateDiscards(payload) {
		return false
	}
	if h.Expiration != nil && !time.Now().UTC().Before(*h.Expiration) {
		s.log.Debugf("dropping expired SyncRequest from %s", s.Peer)
		return false
	}
	if s.handlers.OnSyncReq == nil {
		return false
	}

	var resp []byte
	var respMeta map[string]interface{}
	s.safeCall(func() {
		resp, respMeta = s.handlers.OnSyncReq(s.Peer, h.Metadata, payload.Buffered)
	})
	if resp == nil {
		return false
	}

	reply := &wire.Header{
		ContentLength:   uint64(len(resp)),
		Status:          wire.StatusNormal,
		Metadata:        respMeta,
		SyncResponse:    true,
		ConversationID:  h.ConversationID,
		Expiration:      h.Expiration,
		SenderTimestamp: h.SenderTimestamp,
	}
	if err := s.write(reply, bytes.NewReader(resp)); err != nil {
		s.log.Warnf("failed to send SyncResponse to %s: %v", s.Peer, err)
	}
	return false
}

func (s *Session) handleSyncResponse(h *wire.Header, payload *ioconn.Payload) bool {
	if s.authGateDiscards(payload) {
		return false
	}
	if h.Expiration != nil && !time.Now().UTC().Before(*h.Expiration) {
		s.log.Debugf("dropping expired SyncResponse from %s", s.Peer)
		return false
	}
	if s.registry == nil || len(h.ConversationID) != wire.ConversationIDLength {
		return false
	}
	var convID [wire.ConversationIDLength]byte
	copy(convID[:], h.ConversationID)

	exp := time.Now().UTC().Add(time.Minute)
	if h.Expiration != nil {
		exp = *h.Expiration
	}
	s.registry.Deliver(convID, exp, &syncreg.Response{
		Payload:        payload.Buffered,
		Metadata:       h.Metadata,
		ConversationID: convID,
	})
	return false
}

func (s *Session) handleNormal(h *wire.Header, payload *ioconn.Payload) bool {
	if s.authGateDiscards(payload) {
		return false
	}

	if payload.Stream != nil {
		if s.handlers.OnStream != nil {
			s.safeCall(func() {
				s.handlers.OnStream(s.Peer, h.Metadata, payload.Length, payload.Stream)
			})
		}
		// Whether or not the handler consumed it all, make sure the
		// wire stays aligned for the next header (spec §5 backpressure).
		_ = ioconn.DrainStream(payload)
		return false
	}

	if s.handlers.OnMessage != nil {
		s.safeCall(func() {
			s.handlers.OnMessage(s.Peer, h.Metadata, payload.Buffered)
		})
	}
	return false
}

// authGateDiscards reports whether this message must be silently
// dropped because the server requires authentication and the peer
// hasn't completed it yet (spec §4.3: "Before AuthSuccess the server
// MUST discard all Normal/Sync data messages"). It also drains any
// stream payload so framing stays aligned.
func (s *Session) authGateDiscards(payload *ioconn.Payload) bool {
	if !s.isServer || !s.settings.HasPresharedKey() {
		return false
	}
	if authState(s.auth.Load()) == authDone {
		return false
	}
	_ = ioconn.DrainStream(payload)
	return true
}

func (s *Session) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.New("session: handler panic recovered")
			if e, ok := r.(error); ok {
				err = e
			}
			if s.handlers.ExceptionEncountered != nil {
				s.handlers.ExceptionEncountered(err)
			}
		}
	}()
	fn()
}

// terminateWith is called from within the reader goroutine itself, so it
// must not block waiting for that same goroutine to exit; it signals the
// idle watchdog to stop via SignalHalt (non-blocking) rather than the
// blocking Halt that Disconnect uses from the outside.
func (s *Session) terminateWith(reason events.DisconnectReason) {
	s.setState(StateTerminating)
	s.conn.Close()
	s.SignalHalt()
	s.setState(StateClosed)
	s.fireDisconnect(reason)

	s.disconnectMu.Lock()
	s.disconnected = true
	s.disconnectMu.Unlock()
}

// onReadError is called when ReadMessage itself fails: peer closed
// (graceful from the wire's point of view) or a malformed frame
// (protocol violation). Per spec §7, decode errors never reach user
// callbacks; they only ever terminate the Session.
func (s *Session) onReadError(err error) {
	if errors.Is(err, frame.ErrPeerClosed) {
		s.terminateWith(events.ReasonNormal)
		return
	}
	s.log.Warnf("session %s: frame error: %v", s.Peer, err)
	s.terminateWith(events.ReasonNormal)
}

func (s *Session) onReaderExit() {
	// Reader goroutine returning is always preceded by terminateWith,
	// Disconnect, or Halt; nothing further to do here besides logging.
	if s.settings.DebugMessages {
		s.log.Debugf("reader loop for %s exited", s.Peer)
	}
}

// idleWatchdog implements the per-Session idle-timeout task (spec §4.3).
func (s *Session) idleWatchdog() {
	ticker := time.NewTicker(s.evalInterval())
	defer ticker.Stop()

	timeout := s.idleTimeout()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastNanos.Load())
			if time.Since(last) > timeout {
				s.log.Debugf("idle timeout for %s after %s", s.Peer, time.Since(last))
				_ = s.writeControl(&wire.Header{Status: wire.StatusTimeout})
				s.terminateWith(events.ReasonTimeout)
				return
			}
		}
	}
}
