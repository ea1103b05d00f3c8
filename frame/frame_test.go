// SPDX-License-Identifier: AGPL-3.0-only

package frame_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/tcpmsg/frame"
	"github.com/xendarboh/tcpmsg/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	exp := now.Add(2 * time.Second)
	h := &wire.Header{
		ContentLength:   5,
		Status:          wire.StatusNormal,
		Metadata:        map[string]interface{}{"k": "v"},
		SenderTimestamp: &now,
		Expiration:      &exp,
		ConversationID:  bytes.Repeat([]byte{0x42}, wire.ConversationIDLength),
	}

	var buf bytes.Buffer
	require.NoError(t, frame.WriteHeader(&buf, h))

	got, err := frame.ReadHeader(&buf)
	require.NoError(t, err)

	require.Equal(t, h.ContentLength, got.ContentLength)
	require.Equal(t, h.Status, got.Status)
	require.Equal(t, h.Metadata["k"], got.Metadata["k"])
	require.True(t, h.SenderTimestamp.Equal(*got.SenderTimestamp))
	require.True(t, h.Expiration.Equal(*got.Expiration))
	require.Equal(t, h.ConversationID, got.ConversationID)
}

func TestReadHeaderPeerClosedBeforeLength(t *testing.T) {
	_, err := frame.ReadHeader(bytes.NewReader([]byte{0x01, 0x02}))
	require.ErrorIs(t, err, frame.ErrPeerClosed)
}

func TestReadHeaderPeerClosedBeforeBody(t *testing.T) {
	buf := []byte{0x10, 0x00, 0x00, 0x00} // claims 16 bytes, supplies none
	_, err := frame.ReadHeader(bytes.NewReader(buf))
	require.ErrorIs(t, err, frame.ErrPeerClosed)
}

func TestReadHeaderRejectsOversizedLengthPrefix(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0x7F}
	_, err := frame.ReadHeader(bytes.NewReader(buf))
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeHeaderRejectsBadWireType(t *testing.T) {
	// tag=1 (ContentLength), wire type=3 (bool) instead of varint.
	block := []byte{0x01, 0x03, 0x01}
	_, err := wire.DecodeHeader(block)
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeHeaderSkipsUnknownTag(t *testing.T) {
	var raw bytes.Buffer
	// Unknown tag 99, bytes wire type, 2-byte payload.
	raw.Write([]byte{99, 0x02, 0x02, 0xAA, 0xBB})
	// Known tag 1 (ContentLength), varint value 7.
	raw.Write([]byte{0x01, 0x00, 0x07})

	h, err := wire.DecodeHeader(raw.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint64(7), h.ContentLength)
}

func TestDecodeHeaderRejectsBothSyncFlags(t *testing.T) {
	h := &wire.Header{
		ContentLength: 0,
		Status:        wire.StatusNormal,
		SyncRequest:   true,
		SyncResponse:  true,
	}
	buf, err := wire.EncodeHeader(h)
	require.NoError(t, err)
	_, err = wire.DecodeHeader(buf[4:])
	require.ErrorIs(t, err, wire.ErrMalformed)
}
