// SPDX-License-Identifier: AGPL-3.0-only

package wire_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/tcpmsg/wire"
)

// TestTLVRoundTrip covers spec §8's TLV round-trip property: every field
// a Header can carry survives EncodeHeader/DecodeHeader unchanged.
func TestTLVRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	exp := now.Add(5 * time.Second)
	h := &wire.Header{
		ContentLength:   42,
		PresharedKey:    bytes.Repeat([]byte{0x11}, wire.PresharedKeyLength),
		Status:          wire.StatusAuthRequested,
		Metadata:        map[string]interface{}{"a": uint64(1), "b": "two"},
		SyncRequest:     true,
		SenderTimestamp: &now,
		Expiration:      &exp,
		ConversationID:  bytes.Repeat([]byte{0x22}, wire.ConversationIDLength),
		Compression:     wire.CompressionNone,
	}

	buf, err := wire.EncodeHeader(h)
	require.NoError(t, err)

	got, err := wire.DecodeHeader(buf[4:])
	require.NoError(t, err)

	require.Equal(t, h.ContentLength, got.ContentLength)
	require.Equal(t, h.PresharedKey, got.PresharedKey)
	require.Equal(t, h.Status, got.Status)
	require.Equal(t, h.Metadata["a"], got.Metadata["a"])
	require.Equal(t, h.Metadata["b"], got.Metadata["b"])
	require.Equal(t, h.SyncRequest, got.SyncRequest)
	require.True(t, h.SenderTimestamp.Equal(*got.SenderTimestamp))
	require.True(t, h.Expiration.Equal(*got.Expiration))
	require.Equal(t, h.ConversationID, got.ConversationID)
}

// TestDecodeHeaderSkipsUnknownFixedTag exercises the forward-compat edge
// that used to be unreachable: a fixed-width field tag the decoder
// doesn't recognize must be skippable using its own length prefix, the
// same as an unknown bytes-typed tag.
func TestDecodeHeaderSkipsUnknownFixedTag(t *testing.T) {
	var raw bytes.Buffer
	// Unknown tag 99, fixed wire type, length-prefixed 16-byte blob.
	raw.Write([]byte{99, 0x01, 0x10})
	raw.Write(bytes.Repeat([]byte{0xCC}, 16))
	// Known tag 1 (ContentLength), varint value 3.
	raw.Write([]byte{0x01, 0x00, 0x03})

	h, err := wire.DecodeHeader(raw.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint64(3), h.ContentLength)
}

func TestEncodeHeaderRejectsPresharedKeyWrongLength(t *testing.T) {
	h := &wire.Header{
		ContentLength: 0,
		Status:        wire.StatusNormal,
		PresharedKey:  []byte("short"),
	}
	_, err := wire.EncodeHeader(h)
	require.ErrorIs(t, err, wire.ErrMalformed)
}
