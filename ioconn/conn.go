// SPDX-License-Identifier: AGPL-3.0-only

// Package ioconn implements ConnectionIO: the per-connection transport
// wrapper that serializes framed reads and writes behind a reader lock
// and a writer lock (spec §4.2).
package ioconn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/xendarboh/tcpmsg/frame"
	"github.com/xendarboh/tcpmsg/wire"
)

// Payload is what ReadMessage hands back: either a fully materialized
// byte slice (Buffered != nil) or a bounded reader that yields exactly
// Length bytes and then EOF (Stream != nil). Exactly one is set.
type Payload struct {
	Buffered []byte
	Stream   io.Reader
	Length   int64
}

// ConnectionIO owns one bidirectional transport (plain TCP or TLS) and
// exposes framed read/write operations. The writer lock is the sole
// ordering primitive on outbound traffic: between concurrent
// WriteMessage calls headers and payloads never interleave.
type ConnectionIO struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	readerMu sync.Mutex
	writerMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	// MaxProxiedStreamSize: payloads at or above this threshold are
	// streamed to the caller rather than buffered in memory (spec §4.2).
	MaxProxiedStreamSize int64
}

// New wraps conn. bufSize sizes the read/write buffers
// (Settings.StreamBufferSize).
func New(conn net.Conn, bufSize int, maxProxiedStreamSize int64) *ConnectionIO {
	return &ConnectionIO{
		conn:                 conn,
		br:                   bufio.NewReaderSize(conn, bufSize),
		bw:                   bufio.NewWriterSize(conn, bufSize),
		closed:               make(chan struct{}),
		MaxProxiedStreamSize: maxProxiedStreamSize,
	}
}

// RemoteAddr returns the peer's address, "ip:port" rendered per spec §6.
func (c *ConnectionIO) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local side's address.
func (c *ConnectionIO) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// ReadMessage acquires the reader lock, decodes the next header via
// package frame, and returns a Payload carrying exactly ContentLength
// bytes. wantStream is consulted with the decoded header so the caller
// can decide per message (e.g. never stream control/sync traffic, only
// Normal data messages bound for a streamed user handler); the decision
// also requires the payload to be at or above MaxProxiedStreamSize.
func (c *ConnectionIO) ReadMessage(wantStream func(h *wire.Header) bool) (*wire.Header, *Payload, error) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()

	h, err := frame.ReadHeader(c.br)
	if err != nil {
		return nil, nil, err
	}

	useStream := wantStream != nil && wantStream(h) &&
		int64(h.ContentLength) >= c.MaxProxiedStreamSize && c.MaxProxiedStreamSize > 0
	if useStream {
		return h, &Payload{
			Stream: io.LimitReader(c.br, int64(h.ContentLength)),
			Length: int64(h.ContentLength),
		}, nil
	}

	buf := make([]byte, h.ContentLength)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, frame.ErrPeerClosed
		}
		return nil, nil, fmt.Errorf("ioconn: reading payload: %w", err)
	}
	return h, &Payload{Buffered: buf, Length: int64(h.ContentLength)}, nil
}

// DrainStream consumes and discards whatever remains of a streamed
// Payload the caller chose not to read in full, so the next header stays
// aligned on the wire. Callers that fully consume the stream themselves
// don't need to call this.
func DrainStream(p *Payload) error {
	if p.Stream == nil {
		return nil
	}
	_, err := io.Copy(io.Discard, p.Stream)
	return err
}

// WriteMessage acquires the writer lock, emits the encoded header, then
// copies exactly h.ContentLength bytes from src, flushing before
// release. If src yields fewer bytes than declared the connection is
// closed, since the protocol has been violated and the peer's framing
// can no longer be trusted.
func (c *ConnectionIO) WriteMessage(h *wire.Header, src io.Reader) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	if err := frame.WriteHeader(c.bw, h); err != nil {
		return err
	}

	n, err := io.CopyN(c.bw, src, int64(h.ContentLength))
	if err != nil && err != io.EOF {
		c.Close()
		return fmt.Errorf("ioconn: writing payload: %w", err)
	}
	if uint64(n) != h.ContentLength {
		c.Close()
		return fmt.Errorf("ioconn: payload source yielded %d of %d declared bytes", n, h.ContentLength)
	}

	return c.bw.Flush()
}

// Close is idempotent: it closes the transport exactly once.
func (c *ConnectionIO) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *ConnectionIO) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Conn exposes the underlying net.Conn for deadline management around
// TLS handshakes and connect timeouts.
func (c *ConnectionIO) Conn() net.Conn { return c.conn }
