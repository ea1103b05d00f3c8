// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements ServerEndpoint: the listening side of
// tcpmsg, accepting many concurrent Sessions behind one peer registry
// (spec §4.6).
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	tcpmsg "github.com/xendarboh/tcpmsg"
	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/internal/worker"
	"github.com/xendarboh/tcpmsg/ioconn"
	"github.com/xendarboh/tcpmsg/session"
	"github.com/xendarboh/tcpmsg/stats"
	"github.com/xendarboh/tcpmsg/syncreg"
)

// acceptHandshakeTimeout bounds the per-connection TLS handshake run
// during accept, so one slow or hostile dialer can't stall the accept
// loop for everyone else.
const acceptHandshakeTimeout = 10 * time.Second

// Endpoint listens on one address and fans out accepted connections
// into Sessions, tracked in a peer registry keyed by "ip:port".
type Endpoint struct {
	worker.Worker

	settings config.Settings
	handlers events.Handlers
	log      *log.Logger
	stats    *stats.Collector

	listener net.Listener

	mu    sync.RWMutex
	peers map[string]*peer
}

type peer struct {
	sess     *session.Session
	registry *syncreg.Registry
}

// New validates handlers and builds an Endpoint. It does not listen.
func New(settings config.Settings, handlers events.Handlers, collector *stats.Collector) (*Endpoint, error) {
	if err := handlers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", tcpmsg.ErrInvalidArgument, err)
	}
	if collector == nil {
		collector = stats.Noop()
	}
	return &Endpoint{
		settings: settings,
		handlers: handlers,
		log:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "tcpmsg/server", ReportTimestamp: true}),
		stats:    collector,
		peers:    make(map[string]*peer),
	}, nil
}

// Start opens a listener on host:port and begins accepting connections
// in the background. Returns once the listener is bound.
func (e *Endpoint) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tcpmsg.NewConnectError("listening on %s: %v", addr, err)
	}
	e.listener = ln
	e.Go(e.acceptLoop)
	return nil
}

// Addr returns the bound listener's address. Only valid after Start.
func (e *Endpoint) Addr() net.Addr { return e.listener.Addr() }

func (e *Endpoint) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.HaltCh():
				return
			default:
				e.log.Warnf("accept: %v", err)
				return
			}
		}

		if !e.permitted(conn.RemoteAddr()) {
			e.log.Debugf("rejecting %s: not in PermittedIPs", conn.RemoteAddr())
			conn.Close()
			continue
		}
		if e.activeCount() >= e.settings.MaxConnections {
			e.log.Debugf("rejecting %s: MaxConnections reached", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go e.handleAccepted(conn)
	}
}

func (e *Endpoint) permitted(addr net.Addr) bool {
	if len(e.settings.PermittedIPs) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	for _, allowed := range e.settings.PermittedIPs {
		if host == allowed {
			return true
		}
	}
	return false
}

func (e *Endpoint) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.peers)
}

func (e *Endpoint) handleAccepted(rawConn net.Conn) {
	conn := rawConn
	if e.settings.TLS.Enabled {
		tlsConn, err := e.tlsHandshake(rawConn)
		if err != nil {
			e.log.Warnf("TLS handshake with %s failed: %v", rawConn.RemoteAddr(), err)
			rawConn.Close()
			return
		}
		conn = tlsConn
	}

	peerAddr := conn.RemoteAddr().String()
	registry := syncreg.New(e.logForComponent("syncreg"))
	cio := ioconn.New(conn, e.bufSize(), e.settings.MaxProxiedStreamSize)
	sess := session.New(session.Options{
		Conn:     cio,
		Settings: e.settings,
		Handlers: e.handlers,
		Registry: registry,
		Logger:   e.logForComponent("session"),
		Stats:    e.stats,
		Peer:     peerAddr,
		IsServer: true,
	})

	e.mu.Lock()
	e.peers[peerAddr] = &peer{sess: sess, registry: registry}
	e.mu.Unlock()

	e.stats.ConnectionsTotal.Inc()
	e.stats.ActiveConnections.Inc()
	sess.Start()

	if e.handlers.ClientConnected != nil {
		e.handlers.ClientConnected(peerAddr)
	}
	if e.settings.HasPresharedKey() {
		if err := sess.RequireAuth(); err != nil {
			e.log.Warnf("sending AuthRequired to %s: %v", peerAddr, err)
		}
	}

	e.awaitTeardown(peerAddr, sess, registry)
}

// awaitTeardown blocks until the Session's reader goroutine has exited
// (State reaches StateClosed), then removes the peer from the registry
// and stops its SyncRegistry. One goroutine per connection does this, so
// Endpoint.Stop need only Halt the accept loop and walk the peer map.
func (e *Endpoint) awaitTeardown(peerAddr string, sess *session.Session, registry *syncreg.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if sess.State() == session.StateClosed {
			break
		}
	}
	registry.Halt()
	e.mu.Lock()
	delete(e.peers, peerAddr)
	e.mu.Unlock()
	e.stats.ActiveConnections.Dec()
}

func (e *Endpoint) tlsHandshake(rawConn net.Conn) (*tls.Conn, error) {
	cert, err := tls.LoadX509KeyPair(e.settings.TLS.CertFile, e.settings.TLS.KeyFile)
	if err != nil {
		return nil, tcpmsg.NewTLSHandshakeError(fmt.Errorf("loading server certificate: %w", err))
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   e.tlsMinVersion(),
	}
	if e.settings.TLS.MutuallyAuthenticate {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(e.settings.TLS.ClientCAFile)
		if err != nil {
			return nil, tcpmsg.NewTLSHandshakeError(fmt.Errorf("reading client CA file: %w", err))
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, tcpmsg.NewTLSHandshakeError(fmt.Errorf("parsing client CA file %s", e.settings.TLS.ClientCAFile))
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	ctx, cancel := context.WithTimeout(context.Background(), acceptHandshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(rawConn, cfg)
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, tcpmsg.NewTLSHandshakeError(err)
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func (e *Endpoint) tlsMinVersion() uint16 {
	if e.settings.TLS.MinVersion != 0 {
		return e.settings.TLS.MinVersion
	}
	return tls.VersionTLS12
}

func (e *Endpoint) bufSize() int {
	if e.settings.StreamBufferSize > 0 {
		return e.settings.StreamBufferSize
	}
	return 65536
}

func (e *Endpoint) logForComponent(name string) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "tcpmsg/" + name, ReportTimestamp: true})
}

// Send writes payload to the Session registered for peerAddr.
func (e *Endpoint) Send(peerAddr string, payload []byte, metadata map[string]interface{}) error {
	p, err := e.lookup(peerAddr)
	if err != nil {
		return err
	}
	return p.sess.Send(payload, metadata)
}

// SendAndWait writes payload to peerAddr and blocks for a matching
// response.
func (e *Endpoint) SendAndWait(peerAddr string, timeout time.Duration, payload []byte, metadata map[string]interface{}) (*syncreg.Response, error) {
	if timeout < syncreg.MinTimeout {
		return nil, fmt.Errorf("%w: timeout must be >= %s", tcpmsg.ErrInvalidArgument, syncreg.MinTimeout)
	}
	p, err := e.lookup(peerAddr)
	if err != nil {
		return nil, err
	}
	return p.sess.SendAndWait(timeout, payload, metadata)
}

// DisconnectClient closes one Session by peer address, sending reason's
// corresponding wire status to the peer (StatusRemoved by default) so a
// server-initiated kick is distinguishable on the wire from the client's
// own graceful Shutdown (spec §4.6 disconnect_client).
func (e *Endpoint) DisconnectClient(peerAddr string, reason events.DisconnectReason) error {
	p, err := e.lookup(peerAddr)
	if err != nil {
		return err
	}
	return p.sess.Remove(reason)
}

// IsConnected reports whether peerAddr has a live Session.
func (e *Endpoint) IsConnected(peerAddr string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.peers[peerAddr]
	return ok && p.sess.State() < session.StateTerminating
}

// ListClients returns the peer addresses of every currently tracked
// Session.
func (e *Endpoint) ListClients() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.peers))
	for addr := range e.peers {
		out = append(out, addr)
	}
	return out
}

func (e *Endpoint) lookup(peerAddr string) (*peer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.peers[peerAddr]
	if !ok {
		return nil, tcpmsg.ErrNotConnected
	}
	return p, nil
}

// Stop halts the accept loop, closes the listener, and disconnects
// every tracked Session.
func (e *Endpoint) Stop() error {
	e.SignalHalt()
	var err error
	if e.listener != nil {
		err = e.listener.Close()
	}
	e.Wait()

	e.mu.RLock()
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.RUnlock()

	for _, p := range peers {
		_ = p.sess.Disconnect()
	}
	return err
}
