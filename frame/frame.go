// SPDX-License-Identifier: AGPL-3.0-only

// Package frame reads and writes the length-prefixed TLV header that every
// tcpmsg message opens with. It owns only the header framing step — the
// 4-byte length prefix and the header block — and leaves the
// ContentLength bytes of payload and transport concerns (locking,
// buffering, TLS) to package ioconn.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xendarboh/tcpmsg/wire"
)

// ErrPeerClosed is returned when the remote end closes the connection
// mid-frame: before the 4-byte length prefix, or before the declared
// header bytes, arrive in full.
var ErrPeerClosed = errors.New("frame: peer closed connection mid-frame")

// MaxHeaderSize bounds the length prefix so a corrupt or hostile length
// value can never trigger an unbounded allocation (see scenario 5 in
// spec.md §8: a peer sending 0x7FFFFFFF as the prefix must fail fast
// instead of attempting a 2GiB read).
const MaxHeaderSize = 1 << 20 // 1 MiB is generous for a TLV header block

// ReadHeader reads the 4-byte length prefix and the header block that
// follows it, and returns the decoded Header. It never reads payload
// bytes.
func ReadHeader(r io.Reader) (*wire.Header, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("frame: reading length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header block of %d bytes exceeds %d byte limit", wire.ErrMalformed, n, MaxHeaderSize)
	}

	block := make([]byte, n)
	if _, err := io.ReadFull(r, block); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("frame: reading header block: %w", err)
	}

	h, err := wire.DecodeHeader(block)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// WriteHeader encodes h (length prefix included) and writes it in a
// single call so it can never be interleaved with another writer's
// header on the wire.
func WriteHeader(w io.Writer, h *wire.Header) error {
	buf, err := wire.EncodeHeader(h)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
