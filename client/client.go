// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements ClientEndpoint: the single-Session client
// side of a tcpmsg connection (spec §4.5).
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	tcpmsg "github.com/xendarboh/tcpmsg"
	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/ioconn"
	"github.com/xendarboh/tcpmsg/session"
	"github.com/xendarboh/tcpmsg/stats"
	"github.com/xendarboh/tcpmsg/syncreg"
)

// Endpoint owns exactly one Session: connect, disconnect, send, and
// send-and-wait, plus the event surface spec §4.5 names.
type Endpoint struct {
	settings config.Settings
	handlers events.Handlers
	log      *log.Logger
	stats    *stats.Collector

	mu       sync.Mutex
	sess     *session.Session
	registry *syncreg.Registry
	torndown bool // guards ActiveConnections against a double decrement
}

// New validates handlers (the mutually-exclusive OnMessage/OnStream
// rule) and builds an Endpoint. It does not connect.
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
		log:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "tcpmsg/client", ReportTimestamp: true}),
		stats:    collector,
	}, nil
}

// Connect dials host:port, optionally performing a TLS handshake, and
// starts the Session. It must complete within settings.ConnectTimeout.
func (e *Endpoint) Connect(host string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != nil {
		return fmt.Errorf("%w: already connected", tcpmsg.ErrInvalidArgument)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(context.Background(), e.connectTimeout())
	defer cancel()

	dialer := &net.Dialer{}
	if e.settings.LocalPort != 0 {
		dialer.LocalAddr = &net.TCPAddr{Port: e.settings.LocalPort}
	}
	if e.settings.Keepalive.Enabled {
		dialer.KeepAlive = e.settings.Keepalive.Time
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tcpmsg.NewConnectError("dialing %s: %v", addr, err)
	}

	conn := net.Conn(rawConn)
	if e.settings.TLS.Enabled {
		tlsConn, err := e.tlsHandshake(ctx, rawConn)
		if err != nil {
			rawConn.Close()
			return err
		}
		conn = tlsConn
	}

	e.registry = syncreg.New(e.logForComponent("syncreg"))

	cio := ioconn.New(conn, e.bufSize(), e.settings.MaxProxiedStreamSize)
	e.sess = session.New(session.Options{
		Conn:     cio,
		Settings: e.settings,
		Handlers: e.handlers,
		Registry: e.registry,
		Logger:   e.logForComponent("session"),
		Stats:    e.stats,
		Peer:     conn.RemoteAddr().String(),
		IsServer: false,
	})
	e.sess.Start()
	e.stats.ConnectionsTotal.Inc()
	e.stats.ActiveConnections.Inc()
	go e.awaitTeardown(e.sess)

	if e.handlers.ServerConnected != nil {
		e.handlers.ServerConnected()
	}
	return nil
}

// awaitTeardown decrements ActiveConnections exactly once the Session
// closes, however that happens: a local Disconnect, a server-initiated
// kick, an idle timeout, or an auth failure. Disconnect's own decrement
// only covers the local-close path, so this also covers every path the
// Session can tear itself down without the caller ever calling
// Disconnect.
func (e *Endpoint) awaitTeardown(sess *session.Session) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if sess.State() == session.StateClosed {
			break
		}
	}
	e.mu.Lock()
	same := e.sess == sess && !e.torndown
	if same {
		e.torndown = true
	}
	e.mu.Unlock()
	if same {
		e.stats.ActiveConnections.Dec()
	}
}

func (e *Endpoint) tlsHandshake(ctx context.Context, rawConn net.Conn) (*tls.Conn, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: e.settings.TLS.AcceptInvalidCertificates,
		MinVersion:         e.tlsMinVersion(),
	}
	if e.settings.TLS.MutuallyAuthenticate {
		cert, err := tls.LoadX509KeyPair(e.settings.TLS.CertFile, e.settings.TLS.KeyFile)
		if err != nil {
			return nil, tcpmsg.NewTLSHandshakeError(fmt.Errorf("loading client certificate: %w", err))
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if e.settings.TLS.ClientCAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(e.settings.TLS.ClientCAFile)
		if err != nil {
			return nil, tcpmsg.NewTLSHandshakeError(fmt.Errorf("reading CA file: %w", err))
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, tcpmsg.NewTLSHandshakeError(fmt.Errorf("parsing CA file %s", e.settings.TLS.ClientCAFile))
		}
		cfg.RootCAs = pool
	}

	tlsConn := tls.Client(rawConn, cfg)
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

func (e *Endpoint) connectTimeout() time.Duration {
	if e.settings.ConnectTimeout > 0 {
		return e.settings.ConnectTimeout
	}
	return 5 * time.Second
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

// Authenticate sends the client's response to a server PSK challenge.
// Most callers don't need to call this directly: supplying
// Handlers.ProvidePSK lets the Session answer AuthRequired
// automatically.
func (e *Endpoint) Authenticate(psk []byte) error {
	sess, err := e.activeSession()
	if err != nil {
		return err
	}
	return sess.Authenticate(psk)
}

// Send writes a Normal data message.
func (e *Endpoint) Send(payload []byte, metadata map[string]interface{}) error {
	sess, err := e.activeSession()
	if err != nil {
		return err
	}
	return sess.Send(payload, metadata)
}

// SendAsync writes payload in a new goroutine and reports any error via
// Handlers.ExceptionEncountered rather than to the caller.
func (e *Endpoint) SendAsync(payload []byte, metadata map[string]interface{}) {
	go func() {
		if err := e.Send(payload, metadata); err != nil && e.handlers.ExceptionEncountered != nil {
			e.handlers.ExceptionEncountered(err)
		}
	}()
}

// SendStream writes a Normal data message whose payload is streamed
// from src.
func (e *Endpoint) SendStream(length int64, src io.Reader, metadata map[string]interface{}) error {
	sess, err := e.activeSession()
	if err != nil {
		return err
	}
	return sess.SendStream(length, src, metadata)
}

// SendAndWait routes payload through the SyncRegistry and blocks for up
// to timeout for a matching response.
func (e *Endpoint) SendAndWait(timeout time.Duration, payload []byte, metadata map[string]interface{}) (*syncreg.Response, error) {
	if timeout < syncreg.MinTimeout {
		return nil, fmt.Errorf("%w: timeout must be >= %s", tcpmsg.ErrInvalidArgument, syncreg.MinTimeout)
	}
	sess, err := e.activeSession()
	if err != nil {
		return nil, err
	}
	return sess.SendAndWait(timeout, payload, metadata)
}

// Disconnect performs a graceful local close.
func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	sess := e.sess
	reg := e.registry
	e.mu.Unlock()

	if sess == nil {
		return tcpmsg.ErrNotConnected
	}
	err := sess.Disconnect()
	if reg != nil {
		reg.Halt()
	}

	e.mu.Lock()
	same := e.sess == sess && !e.torndown
	if same {
		e.torndown = true
	}
	e.mu.Unlock()
	if same {
		e.stats.ActiveConnections.Dec()
	}
	return err
}

// IsConnected reports whether a Session exists and has not yet reached
// Terminating; a Session still authenticating counts as connected.
func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil && e.sess.State() < session.StateTerminating
}

func (e *Endpoint) activeSession() (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, tcpmsg.ErrNotConnected
	}
	return e.sess, nil
}
